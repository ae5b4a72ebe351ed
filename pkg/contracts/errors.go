package contracts

import (
	"errors"
)

// Sentinel errors shared by the orchestrator, the crypto collaborator and the
// transport. Callers only ever see their messages.
var (
	// ErrMissingKey means no secret key is configured.
	ErrMissingKey = errors.New("no private key found")
	// ErrInvalidOperation means the operation type is not recognized.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrDenied means a policy or a human refused the request.
	ErrDenied = errors.New("denied")
	// ErrAbandoned means the confirmation surface closed without an answer.
	ErrAbandoned = errors.New("confirmation abandoned")
	// ErrInvalidEvent means the signed event failed verification.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidParams means the request parameters do not fit the operation.
	ErrInvalidParams = errors.New("invalid params")
)

// PublicMessage returns the message that may be shown to an untrusted caller.
// Abandonment is indistinguishable from denial.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrAbandoned), errors.Is(err, ErrDenied):
		return ErrDenied.Error()
	default:
		return err.Error()
	}
}
