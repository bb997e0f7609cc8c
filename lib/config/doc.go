// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the
// rendezvous broker and agent.
//
// Configuration comes from at most one file, named either by a
// --config flag or by the RENDEZVOUS_CONFIG environment variable
// ([Resolve] picks in that order). With neither, [Default] is used
// unchanged. There is no search path.
//
// The file may carry development and production sections that
// override base values when [Config].Environment matches. Production
// without an explicit section tightens the agent idle timeout.
//
// Address and path fields support ${VAR} and ${VAR:-default}
// expansion after loading. Durations are written as Go duration
// strings ("30s", "1m30s").
//
// Command-line flags are applied by the binaries on top of the loaded
// value, and only for flags the user actually set.
package config
