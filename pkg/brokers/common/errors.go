package common

import (
	"errors"
	"fmt"
)

// Kind classifies broker failures.
type Kind int

const (
	// KindTransient covers timeouts and 5xx-class failures. Retried.
	KindTransient Kind = iota + 1
	// KindRejected is a business-rule denial. Never retried.
	KindRejected
	// KindValidation means the request was malformed before it left the process.
	KindValidation
	// KindFatal means the session is unusable (bad credentials, revoked).
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindValidation:
		return "validation"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

var (
	ErrNotInitialized     = errors.New("adapter not initialized")
	ErrUnknownOrder       = errors.New("unknown order")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrNoQuotes           = errors.New("broker has no quote source")
)

// Error is returned by adapters for every broker-side failure.
type Error struct {
	Broker string
	Op     string
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Broker, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient builds a KindTransient error.
func Transient(broker, op string, err error) error {
	return &Error{Broker: broker, Op: op, Kind: KindTransient, Err: err}
}

// Rejected builds a KindRejected error.
func Rejected(broker, op string, err error) error {
	return &Error{Broker: broker, Op: op, Kind: KindRejected, Err: err}
}

// Fatal builds a KindFatal error.
func Fatal(broker, op string, err error) error {
	return &Error{Broker: broker, Op: op, Kind: KindFatal, Err: err}
}

// KindOf returns the Kind of err, or 0 when err is not a broker error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }
func IsRejection(err error) bool { return KindOf(err) == KindRejected }
func IsFatal(err error) bool     { return KindOf(err) == KindFatal }
