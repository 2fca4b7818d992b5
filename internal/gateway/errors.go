package gateway

import (
	"context"
	"errors"
	"os"

	"github.com/pkg/sftp"

	"github.com/vpsdeck/vpsdeck/internal/command"
	"github.com/vpsdeck/vpsdeck/internal/files"
	"github.com/vpsdeck/vpsdeck/internal/supervisor"
	"github.com/vpsdeck/vpsdeck/internal/transport"
)

// Kind is the stable error category presented to front ends. Lower-layer
// failures never leak past the gateway without being mapped onto one.
type Kind string

const (
	KindAuthentication   Kind = "authentication_error"
	KindConnectionLost   Kind = "connection_lost"
	KindPathNotFound     Kind = "path_not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindIsADirectory     Kind = "is_a_directory"
	KindCommandTimeout   Kind = "command_timeout"
	KindPortInUse        Kind = "port_in_use"
	KindProcessLifecycle Kind = "process_lifecycle_error"
	KindArchive          Kind = "archive_error"
	KindInvalidRequest   Kind = "invalid_request"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal_error"
)

// Error pairs a stable Kind with a human-readable detail. It wraps the
// underlying cause for errors.Is / errors.As callers.
type Error struct {
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail"`
	err    error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Detail }

func (e *Error) Unwrap() error { return e.err }

// classify maps err onto the gateway taxonomy. A nil err stays nil; an
// already classified error passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	return &Error{Kind: kindOf(err), Detail: err.Error(), err: err}
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, transport.ErrAuth), errors.Is(err, transport.ErrHostKey):
		return KindAuthentication
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrConnectionLost):
		return KindConnectionLost
	case errors.Is(err, files.ErrIOTimeout):
		// a stalled transport is indistinguishable from a lost one
		return KindConnectionLost
	case errors.Is(err, files.ErrIsDirectory):
		return KindIsADirectory
	case errors.Is(err, files.ErrRelativePath), errors.Is(err, command.ErrEmptyCommand):
		return KindInvalidRequest
	case errors.Is(err, command.ErrTimeout):
		return KindCommandTimeout
	case errors.Is(err, supervisor.ErrPortInUse):
		return KindPortInUse
	case errors.Is(err, supervisor.ErrLifecycle), errors.Is(err, supervisor.ErrNotReady):
		return KindProcessLifecycle
	case errors.Is(err, os.ErrNotExist):
		return KindPathNotFound
	case errors.Is(err, os.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	}

	// raw SFTP status codes that the client did not normalise
	var se *sftp.StatusError
	if errors.As(err, &se) {
		switch se.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			return KindPathNotFound
		case sftp.ErrSSHFxPermissionDenied:
			return KindPermissionDenied
		}
	}
	return KindInternal
}

// KindOf exposes the classification of an arbitrary error, primarily for
// the HTTP layer's status-code mapping.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return kindOf(err)
}
