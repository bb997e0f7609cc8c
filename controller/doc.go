// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller is the client side of the rendezvous protocol
// used by operator tools.
//
// A [Client] starts out talking to the broker: [Client.ListAgents]
// sends GET_PCS and [Client.Connect] sends CONNECT. Once Connect
// succeeds the broker stops interpreting the stream and every later
// request ([Client.Exec], [Client.FetchFile], [Client.Ping]) is
// answered by the agent through the relay session. Closing the client
// ends the session; the agent stays registered.
//
// Requests are strictly sequential: a Client is not safe for
// concurrent use.
package controller
