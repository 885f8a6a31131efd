//go:build !unix

// File: shmq/mmap_other.go
// Author: momentics <momentics@gmail.com>

package shmq

import (
	"fmt"

	"github.com/momentics/hioload-mq/api"
)

// Path returns the backing file of the named queue.
func Path(name string) string { return "" }

// Create is unsupported on this platform.
func Create(name string, capacity, elemSize int) (*Queue, error) {
	return nil, fmt.Errorf("create queue %s: %w", name, api.ErrNotSupported)
}

// Attach is unsupported on this platform.
func Attach(name string) (*Queue, error) {
	return nil, fmt.Errorf("attach queue %s: %w", name, api.ErrNotSupported)
}

// Remove is a no-op on this platform.
func Remove(name string) error { return nil }
