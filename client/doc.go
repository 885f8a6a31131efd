// File: client/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package client is the sending node. A Sender runs one send engine per
// queue; a Client is the producer side that encodes frames straight into
// queue slots, in the same process or, with named queues, in another one.
package client
