package task

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind partitions pipeline failures into retry classes. Stages match on the
// kind to decide between backoff re-queue and fail-fast deadletter.
type Kind int

const (
	// KindTransient covers timeouts, connection resets, 5xx and 429
	// responses. Retried with exponential backoff.
	KindTransient Kind = iota
	// KindPermanent covers 4xx responses other than 408/429. One retry,
	// then deadletter.
	KindPermanent
	// KindParse covers malformed feeds and unreadable HTML. Fails
	// immediately with details recorded.
	KindParse
	// KindInvalid marks tasks missing required fields or artifacts. No
	// retry.
	KindInvalid
	// KindDependency means the queue substrate or state store is
	// unreachable. Aborts the whole batch.
	KindDependency
	// KindResource covers disk write failures. Retried on the next batch.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindParse:
		return "parse"
	case KindInvalid:
		return "invalid"
	case KindDependency:
		return "dependency"
	case KindResource:
		return "resource"
	}
	return "unknown"
}

// Error is a tagged pipeline error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a tagged error in one call.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error. A nil cause yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain. Untagged errors default to
// transient so unknown failures still get a bounded retry.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// Retryable reports whether a failure of this kind should go back on the
// queue at all.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindParse, KindInvalid:
		return false
	}
	return true
}

// ClassifyStatus maps an HTTP response status to an error kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	}
	return KindTransient
}
