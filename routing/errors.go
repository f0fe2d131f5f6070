package routing

import (
	"errors"

	goerrors "github.com/go-errors/errors"
)

// errorCode classifies the failures of path finding.
type errorCode uint8

const (
	// ErrNoPathFound means no path connects us to the destination.
	ErrNoPathFound errorCode = iota

	// ErrInsufficientCapacity means a channel on the route can't carry the
	// amount.
	ErrInsufficientCapacity

	// ErrMaxHopsExceeded means the path is longer than the hop limit.
	ErrMaxHopsExceeded

	// ErrTargetNotInNetwork means the destination is not in our graph.
	ErrTargetNotInNetwork

	// ErrLimitExceeded means the route breaks the fee or time lock limit.
	ErrLimitExceeded
)

// String returns a short name of the code.
func (c errorCode) String() string {
	switch c {
	case ErrNoPathFound:
		return "no path found"
	case ErrInsufficientCapacity:
		return "insufficient capacity"
	case ErrMaxHopsExceeded:
		return "max hops exceeded"
	case ErrTargetNotInNetwork:
		return "target not in network"
	case ErrLimitExceeded:
		return "limit exceeded"
	default:
		return "unknown"
	}
}

// routerError is a path finding failure with its code. The wrapped error
// carries the stack of where it was created.
type routerError struct {
	err  *goerrors.Error
	code errorCode
}

// newErrf creates a routerError with a formatted message.
func newErrf(code errorCode, format string, a ...interface{}) *routerError {
	return &routerError{
		code: code,
		err:  goerrors.Errorf(format, a...),
	}
}

// Error returns the message prefixed with the code.
func (e *routerError) Error() string {
	return e.code.String() + ": " + e.err.Error()
}

// Unwrap returns the underlying error.
func (e *routerError) Unwrap() error {
	return e.err
}

// IsError reports whether err, or an error it wraps, is a path finding
// failure with one of the codes.
func IsError(err error, codes ...errorCode) bool {
	var rErr *routerError
	if !errors.As(err, &rErr) {
		return false
	}

	for _, code := range codes {
		if rErr.code == code {
			return true
		}
	}

	return false
}
