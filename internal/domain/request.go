package domain

import "strings"

// Request is an inbound channel message. It is never mutated after decoding.
type Request struct {
	Sender     string
	Text       string
	OwnerScope string
	Hints      []string
}

// ValidateRequest rejects requests that cannot be routed to a tenant or answered.
func ValidateRequest(r *Request) error {
	if r == nil {
		return NewDomainError(ErrCodeValidation, "request cannot be nil")
	}

	if strings.TrimSpace(r.Sender) == "" {
		return ErrMissingSender
	}

	if strings.TrimSpace(r.OwnerScope) == "" {
		return ErrMissingOwnerScope
	}

	if len(r.Text) > MaxRequestTextBytes {
		return ErrRequestTextTooLong
	}

	return nil
}

// MaxRequestTextBytes bounds inbound message size; channels cap far below this.
const MaxRequestTextBytes = 4096
