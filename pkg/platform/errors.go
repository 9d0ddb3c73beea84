package platform

import (
	"context"
	"errors"
	"net"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/sony/gobreaker"
)

var (
	ErrUnknownPlatform = model.ErrUnknownPlatform
	ErrNotFound        = errors.New("remote account not found")
	ErrConflict        = errors.New("remote account already exists")
)

// Class is the retry classification of an adapter error.
type Class int

const (
	Permanent Class = iota + 1
	Transient
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// MarkTransient tags err as retryable (timeouts, connection errors, rate limits).
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: Transient, err: err}
}

// MarkPermanent tags err as a remote rejection that must not be retried.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: Permanent, err: err}
}

// ClassOf classifies err. Unmarked errors are Permanent unless they are deadline,
// network-timeout or circuit-breaker errors.
func ClassOf(err error) Class {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	return Permanent
}

// IsTransient is shorthand for ClassOf(err) == Transient.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == Transient
}
