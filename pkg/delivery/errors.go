package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a notification id does not resolve to a record.
	ErrNotFound = errors.New("notification not found")

	// ErrInvalidPriority is returned for a priority outside {immediate, normal}.
	ErrInvalidPriority = errors.New("priority must be \"immediate\" or \"normal\"")

	// ErrTooManyTokens is returned when a multicast exceeds the gateway batch limit.
	ErrTooManyTokens = errors.New("multicast exceeds gateway batch limit")
)

// ErrorKind classifies the gateway-reported conditions the caller must react
// differently to. Everything else stays an ordinary DispatchResult failure.
type ErrorKind string

const (
	ErrKindNone          ErrorKind = ""
	ErrKindInvalidToken  ErrorKind = "invalid_token"
	ErrKindQuotaExceeded ErrorKind = "quota_exceeded"
	ErrKindAuth          ErrorKind = "auth_failure"
)

// GatewayError is a classified gateway failure. It replaces an exception
// hierarchy with a tagged kind the orchestrator can match on via errors.As.
type GatewayError struct {
	Kind  ErrorKind
	Token string
	Err   error
}

func (e *GatewayError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("gateway %s (token %s): %v", e.Kind, e.Token, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ErrorKindOf extracts the classification from an error chain, or ErrKindNone.
func ErrorKindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ErrKindNone
}
