// File: server/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package server is the receiving node: a TCP listener hands sockets to
// receive engines, which reassemble frames directly into sharded queues;
// workers drain the shards and run the handler registered for each frame
// type. Engines talk over local datagram command channels only.
package server
