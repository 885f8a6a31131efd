// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-mq.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotSupported    = errors.New("operation not supported")
	ErrAlreadyExists   = errors.New("resource already exists")
	ErrNotFound        = errors.New("resource not found")
	ErrClosed          = errors.New("resource is closed")

	// Resource exhaustion.
	ErrQueueFull     = errors.New("queue is full")
	ErrSlotExhausted = errors.New("slot pool exhausted")
	ErrInvalidSlot   = errors.New("slot out of range")
	ErrDoubleFree    = errors.New("slot already free")

	// Protocol violations. Fatal for the connection that produced them.
	ErrBadChecksum      = errors.New("frame checksum mismatch")
	ErrBadType          = errors.New("frame type out of range")
	ErrFrameTooLong     = errors.New("frame length exceeds element size")
	ErrSnapshotOverflow = errors.New("unread bytes exceed compaction space")

	// Connection state.
	ErrPeerClosed   = errors.New("peer closed connection")
	ErrNotConnected = errors.New("not connected")
	ErrWouldBlock   = errors.New("operation would block")

	// Control plane.
	ErrUnknownCommand = errors.New("unknown command")
	ErrShortCommand   = errors.New("short command datagram")
)

// ErrorCode classifies failures the way engines react to them.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	// ErrCodeTransient resumes at the next readiness event.
	ErrCodeTransient
	// ErrCodeConnFatal tears the connection down.
	ErrCodeConnFatal
	// ErrCodeExhausted is load-shed and counted.
	ErrCodeExhausted
	// ErrCodeControlLoss is logged and corrected by the resend sweep.
	ErrCodeControlLoss
	// ErrCodeFatal stops the engine that hit it.
	ErrCodeFatal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeTransient:
		return "transient"
	case ErrCodeConnFatal:
		return "connection-fatal"
	case ErrCodeExhausted:
		return "exhausted"
	case ErrCodeControlLoss:
		return "control-loss"
	case ErrCodeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped sentinel to errors.Is.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
		Err:     err,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Classify maps an error to the code engines dispatch on.
func Classify(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrWouldBlock):
		return ErrCodeTransient
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrSlotExhausted):
		return ErrCodeExhausted
	case errors.Is(err, ErrBadChecksum), errors.Is(err, ErrBadType),
		errors.Is(err, ErrFrameTooLong), errors.Is(err, ErrSnapshotOverflow),
		errors.Is(err, ErrPeerClosed), errors.Is(err, ErrNotConnected):
		return ErrCodeConnFatal
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, ErrShortCommand):
		return ErrCodeControlLoss
	default:
		return ErrCodeFatal
	}
}
