// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot-reload, runtime counters, logging setup and debug
// introspection for hioload-mq nodes.
//
// Provides concurrent-safe state handling primitives including:
//   - TOML configuration with defaults and validation
//   - A config store with reload listeners
//   - Named atomic counters shared by engines
//   - Probe registration for state dumps
package control
