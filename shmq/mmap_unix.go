//go:build unix

// File: shmq/mmap_unix.go
// Author: momentics <momentics@gmail.com>
//
// Named shared mappings backed by files under /dev/shm.

package shmq

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mq/api"
)

const filePrefix = "hioload-mq_"

// Path returns the backing file of the named queue.
func Path(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", filePrefix+name)
	}
	return filepath.Join(os.TempDir(), filePrefix+name)
}

// Create makes a new named queue. It fails if the name is already taken.
func Create(name string, capacity, elemSize int) (*Queue, error) {
	l, err := computeLayout(capacity, elemSize)
	if err != nil {
		return nil, err
	}
	path := Path(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create queue %s: %w", name, api.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create queue %s: %w", name, err)
	}
	defer f.Close()
	cleanup := func() { _ = os.Remove(path) }

	if err := f.Truncate(int64(l.total)); err != nil {
		cleanup()
		return nil, fmt.Errorf("resize queue %s: %w", name, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, l.total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap queue %s: %w", name, err)
	}
	q, err := bind(mem, l, true)
	if err != nil {
		_ = unix.Munmap(mem)
		cleanup()
		return nil, err
	}
	q.name, q.path = name, path
	q.release = func() error { return unix.Munmap(mem) }
	return q, nil
}

// Attach maps an existing named queue without reinitialising it.
func Attach(name string) (*Queue, error) {
	path := Path(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("attach queue %s: %w", name, api.ErrNotFound)
		}
		return nil, fmt.Errorf("attach queue %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat queue %s: %w", name, err)
	}
	if info.Size() < HeaderSize {
		return nil, fmt.Errorf("queue %s is %d bytes: %w", name, info.Size(), api.ErrInvalidArgument)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap queue %s: %w", name, err)
	}
	l, err := readHeader(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("attach queue %s: %w", name, err)
	}
	q, err := bind(mem, l, false)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	q.name, q.path = name, path
	q.release = func() error { return unix.Munmap(mem) }
	return q, nil
}

// Remove deletes the backing file of the named queue.
func Remove(name string) error {
	if err := os.Remove(Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove queue %s: %w", name, err)
	}
	return nil
}
