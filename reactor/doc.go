// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the poll-mode readiness loop each engine thread
// runs: level-triggered epoll on Linux with a per-fd callback table.
package reactor
