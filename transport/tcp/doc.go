// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp implements the accept side of a hioload-mq node: accepted
// sockets are handed round-robin to receive engines over their command
// channels, descriptor included.
package tcp
