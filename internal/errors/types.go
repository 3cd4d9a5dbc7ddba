// Package errors classifies failures for retry and degradation decisions.
//
// Three kinds matter to the daemon: transient failures worth retrying
// (subprocess I/O, CLI timeouts, engine hiccups), permanent failures that
// must surface or degrade (tool missing, auth required, bad input), and
// conflicts (a workspace already exists for the task) that callers must be
// able to tell apart from permission problems.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"syscall"
)

// Kind classifies an error for retry logic.
type Kind int

const (
	// KindTransient - retry-able errors.
	KindTransient Kind = iota
	// KindPermanent - non-retry-able errors.
	KindPermanent
	// KindConflict - resource already exists; retrying will not help but the
	// caller may recover by reusing the existing resource.
	KindConflict
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ConflictError reports that a resource for the given key already exists.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists for %q", e.Resource, e.Key)
}

// Transient wraps err as retry-able.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retry-able.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Conflict builds a ConflictError for a resource/key pair.
func Conflict(resource, key string) error {
	return &ConflictError{Resource: resource, Key: key}
}

// IsConflict checks whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// IsTransient checks whether an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	if IsConflict(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkError(err) || isSyscallError(err) {
		return true
	}
	return false
}

// IsPermanent checks whether an error is non-retry-able.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return false
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		// Binary not found on PATH.
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"not found",
		"permission denied",
		"invalid",
		"unauthorized",
		"authentication",
		"bad request",
		"executable file not found",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// KindOf classifies an error, defaulting to permanent to avoid retry storms.
func KindOf(err error) Kind {
	switch {
	case IsConflict(err):
		return KindConflict
	case IsTransient(err):
		return KindTransient
	default:
		return KindPermanent
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isSyscallError(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ETIMEDOUT,
		syscall.EPIPE,
		syscall.EAGAIN,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
