// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the endpoint that runs on each controllable
// machine.
//
// An [Agent] dials the broker, registers under its machine identifier,
// and then answers requests arriving on that connection one at a time:
//
//   - CMD|text runs text through the [Executor] and replies
//     CMD_RESULT|output or CMD_ERROR|reason.
//   - FILE_REQUEST|path reads the file through [Files] and replies
//     FILE_INFO|name|size followed by exactly size raw bytes, or
//     FILE_ERROR|reason.
//   - PING and HEARTBEAT reply PONG.
//
// The agent cannot tell whether a request came from a controller's
// relay session or from the broker itself; the broker's keepalive
// PINGs and a controller's commands arrive on the same stream.
//
// Commands run with the agent's own privileges and any file readable
// by the agent can be fetched. The broker authenticates nobody, so
// anyone who can reach it can drive every registered agent. Deploy
// accordingly.
package agent
