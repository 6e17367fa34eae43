package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthExpired means the platform refused the credentials. The session
// cannot be recovered without new credentials.
var ErrAuthExpired = errors.New("authorization expired")

// Class buckets adapter errors for retry and reconnect decisions.
type Class int

const (
	ClassTransient Class = iota
	ClassRateLimited
	ClassAuth
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassAuth:
		return "auth"
	case ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Classify reports the class of err. Unmarked errors are transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrAuthExpired):
		return ClassAuth
	case IsFatal(err):
		return ClassFatal
	}
	if _, ok := RetryAfterOf(err); ok {
		return ClassRateLimited
	}
	return ClassTransient
}

// RateLimited marks err as a platform rate limit with a retry hint.
func RateLimited(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return rateLimitedError{err: err, after: after}
}

// RetryAfterOf extracts the hint attached by RateLimited.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e rateLimitedError
	if errors.As(err, &e) {
		return e.after, true
	}
	return 0, false
}

type rateLimitedError struct {
	err   error
	after time.Duration
}

func (e rateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.after, e.err)
}
func (e rateLimitedError) Unwrap() error { return e.err }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err may succeed on a later attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	c := Classify(err)
	return c == ClassTransient || c == ClassRateLimited
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Fatal marks err as permanent for this recipient or request.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }
