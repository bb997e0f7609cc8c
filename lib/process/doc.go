// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the entrypoint error handler shared by the
// rendezvous binaries. Each main() calls run() and hands a non-nil
// error to [Fatal], which reports it on stderr whether or not the
// structured logger was ever constructed.
package process
