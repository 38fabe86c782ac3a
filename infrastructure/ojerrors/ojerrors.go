// Package ojerrors provides the structured error taxonomy every ojd
// package reports through, mirroring infrastructure/errors' ServiceError
// shape but namespaced by subsystem instead of by HTTP semantics: a daemon
// talking over a Unix socket has no HTTP status to carry.
package ojerrors

import (
	"errors"
	"fmt"
)

// Code is a namespaced error code: WAL_1xxx, STORE_2xxx, COORD_3xxx,
// SCHED_4xxx, SOCKET_5xxx, DAEMON_6xxx.
type Code string

const (
	// WAL errors (1xxx)
	CodeWALCorrupt      Code = "WAL_1001"
	CodeWALChecksum     Code = "WAL_1002"
	CodeWALWrite        Code = "WAL_1003"
	CodeWALSnapshotRead Code = "WAL_1004"

	// Store errors (2xxx)
	CodeStoreNotFound          Code = "STORE_2001"
	CodeStoreAlreadyExists     Code = "STORE_2002"
	CodeStoreInvalidTransition Code = "STORE_2003"

	// Coordination errors (3xxx)
	CodeCoordLockHeld       Code = "COORD_3001"
	CodeCoordSemaphoreFull  Code = "COORD_3002"
	CodeCoordGuardEvalError Code = "COORD_3003"

	// Scheduling errors (4xxx)
	CodeSchedUnknownPrimitive Code = "SCHED_4001"
	CodeSchedCooldownActive   Code = "SCHED_4002"

	// Socket/IPC errors (5xxx)
	CodeSocketBadFrame    Code = "SOCKET_5001"
	CodeSocketTimeout     Code = "SOCKET_5002"
	CodeSocketRateLimited Code = "SOCKET_5003"

	// Daemon lifecycle errors (6xxx)
	CodeDaemonAlreadyRunning Code = "DAEMON_6001"
	CodeDaemonStartupFailed  Code = "DAEMON_6002"
	CodeDaemonRunbookInvalid Code = "DAEMON_6003"
)

// Error is the structured error every subsystem wraps its failures in.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Sentinel errors checked with errors.Is across package boundaries, the
// same way spec.md §7 distinguishes NotFound/AlreadyExists/InvalidTransition
// from ordinary I/O failures.
var (
	ErrNotFound          = errors.New("ojerrors: not found")
	ErrAlreadyExists     = errors.New("ojerrors: already exists")
	ErrInvalidTransition = errors.New("ojerrors: invalid transition")
)

func NotFound(resource, id string) *Error {
	return Wrap(CodeStoreNotFound, fmt.Sprintf("%s not found", resource), ErrNotFound).
		WithDetail("resource", resource).WithDetail("id", id)
}

func AlreadyExists(resource, id string) *Error {
	return Wrap(CodeStoreAlreadyExists, fmt.Sprintf("%s already exists", resource), ErrAlreadyExists).
		WithDetail("resource", resource).WithDetail("id", id)
}

func InvalidTransition(resource, id, reason string) *Error {
	return Wrap(CodeStoreInvalidTransition, fmt.Sprintf("invalid transition for %s", resource), ErrInvalidTransition).
		WithDetail("resource", resource).WithDetail("id", id).WithDetail("reason", reason)
}

// Is reports whether err is (or wraps) an *Error with the given Code,
// matched by Code rather than identity since every constructor above
// produces a fresh *Error rather than returning a shared sentinel value.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// AsError extracts an *Error from an error chain, mirroring
// infrastructure/errors.GetServiceError.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
