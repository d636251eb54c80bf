package xerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies chunkvault errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindInvalidBudget
	KindNetworkCongested
	KindChunkUnavailable
	KindManifestCorrupt
	KindAuditSoftMiss
	KindAuditFailure
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	// Index is the chunk the error refers to, or -1.
	Index int64
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Subject != "" {
		base += " " + e.Subject
	}
	if e.Index >= 0 {
		base += fmt.Sprintf(" [chunk %d]", e.Index)
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalidBudget:
		return "invalid budget"
	case KindNetworkCongested:
		return "network congested"
	case KindChunkUnavailable:
		return "chunk unavailable"
	case KindManifestCorrupt:
		return "manifest corrupt"
	case KindAuditSoftMiss:
		return "audit soft miss"
	case KindAuditFailure:
		return "audit failure"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Subject: subject, Index: -1, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, subject string) error {
	return &Error{Kind: kind, Op: op, Subject: subject, Index: -1}
}

// Chunk creates an error scoped to a single chunk index. err may be nil.
func Chunk(kind Kind, op, subject string, index uint32, err error) error {
	return &Error{Kind: kind, Op: op, Subject: subject, Index: int64(index), Err: err}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// ChunkIndex returns the chunk index recorded on err, if any.
func ChunkIndex(err error) (uint32, bool) {
	var e *Error
	if errors.As(err, &e) && e.Index >= 0 {
		return uint32(e.Index), true
	}
	return 0, false
}

// ExitCode maps err onto the process exit status used by the CLI.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindInvalidBudget:
		return 2
	case KindNetworkCongested:
		return 3
	case KindChunkUnavailable:
		return 4
	case KindManifestCorrupt:
		return 5
	case KindNotFound:
		return 6
	case KindInvalid:
		return 7
	default:
		return 1
	}
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch KindOf(err) {
	case KindInvalid, KindInvalidBudget:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNetworkCongested:
		return http.StatusServiceUnavailable
	case KindChunkUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
