// Package syncerr classifies the failures the tracker can run into.
//
// Only validation errors block a lifecycle transition. Acquisition, transport
// and resource errors are absorbed at component boundaries and turned into
// diagnostic entries and, at most, one status message for the user.
package syncerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindAcquisition
	KindTransport
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAcquisition:
		return "acquisition"
	case KindTransport:
		return "transport"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Sentinels matched through errors.Is against any *Error of the same kind.
var (
	ErrValidation  = errors.New("validation error")
	ErrAcquisition = errors.New("acquisition error")
	ErrTransport   = errors.New("transport error")
	ErrResource    = errors.New("resource error")
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String() + " error"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrAcquisition:
		return e.Kind == KindAcquisition
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrResource:
		return e.Kind == KindResource
	}
	return false
}

func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Err: errors.New(msg)}
}

func Acquisition(op string, err error) error {
	return &Error{Kind: KindAcquisition, Op: op, Err: err}
}

func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func Resource(op string, err error) error {
	return &Error{Kind: KindResource, Op: op, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	var pe *PositionError
	if errors.As(err, &pe) {
		return KindAcquisition, true
	}
	return 0, false
}

// PositionCode mirrors the platform geolocation error codes.
type PositionCode int

const (
	PermissionDenied    PositionCode = 1
	PositionUnavailable PositionCode = 2
	Timeout             PositionCode = 3
)

// PositionError is returned by position sources.
type PositionError struct {
	Code    PositionCode
	Message string
}

func (e *PositionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("position error %d", e.Code)
}

func (e *PositionError) Is(target error) bool {
	return target == ErrAcquisition
}

// UserMessage returns a plain-language summary suitable for a status line.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var pe *PositionError
	if errors.As(err, &pe) {
		switch pe.Code {
		case PermissionDenied:
			return "Location permission denied. Please enable location services in your device settings."
		case PositionUnavailable:
			return "Location information unavailable. Please check your device's GPS."
		case Timeout:
			return "Location request timed out. Please try again."
		}
		return "An unknown error occurred while getting location."
	}
	kind, _ := KindOf(err)
	switch kind {
	case KindValidation:
		return "Please enter a vehicle ID"
	case KindAcquisition:
		return "An unknown error occurred while getting location."
	case KindTransport:
		return "Connection problem. Updates will be sent when the network is back."
	case KindResource:
		return "Some device features are unavailable. Tracking continues."
	}
	return "Something went wrong."
}
