// Package mailerr defines the error kinds shared by the delivery and retrieval paths.
package mailerr

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure once, at the transport boundary.
type Kind int

const (
	// KindUnknown is reported for errors that never crossed a transport adapter.
	KindUnknown Kind = iota
	// KindConfiguration is fatal and raised at setup. It is never retried.
	KindConfiguration
	// KindConnectivity covers socket level failures. Callers may retry.
	KindConnectivity
	// KindPartialFailure means the server rejected some recipients. Retriable.
	KindPartialFailure
	// KindTransportFatal covers every other transport failure.
	KindTransportFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnectivity:
		return "connectivity"
	case KindPartialFailure:
		return "partial_failure"
	case KindTransportFatal:
		return "transport_fatal"
	default:
		return "unknown"
	}
}

// Retriable reports whether the caller is expected to retry the whole operation.
func (k Kind) Retriable() bool {
	return k == KindConnectivity || k == KindPartialFailure
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// Configurationf builds a configuration error.
func Configurationf(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Err: errors.Errorf(format, args...)}
}

// Connectivity wraps a socket level failure.
func Connectivity(op string, err error) error {
	return New(KindConnectivity, op, err)
}

// PartialFailure wraps a recipient rejection.
func PartialFailure(op string, err error) error {
	return New(KindPartialFailure, op, err)
}

// Fatal wraps a non-retriable transport failure.
func Fatal(op string, err error) error {
	return New(KindTransportFatal, op, err)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetriable reports whether err carries a retriable kind.
func IsRetriable(err error) bool {
	return KindOf(err).Retriable()
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return KindOf(err) == KindConfiguration
}
