package core

import "fmt"

// AuthError means the token was rejected at connect time. Fatal: the
// caller must force a re-login, the transport does not retry.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth rejected: " + e.Reason }

// TransportError is a network-level failure. The signal client retries
// these with backoff; they reach callers only when retries are exhausted
// or a one-shot operation (initial dial) fails.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// MediaAccessError means local capture was denied or no device exists.
// Fatal to the call attempt, never retried automatically.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string { return fmt.Sprintf("media access: %v", e.Err) }
func (e *MediaAccessError) Unwrap() error { return e.Err }

// NegotiationError scopes a malformed or unexpected SDP/ICE payload to a
// single call session. The shared signal connection is unaffected.
type NegotiationError struct {
	CallID string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed (call %s): %v", e.CallID, e.Err)
}
func (e *NegotiationError) Unwrap() error { return e.Err }

// PersistenceError is a failed round-trip to the history collaborator.
// Optimistic cache mutations roll back on it.
type PersistenceError struct {
	Op     string
	Status int
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s: status %d", e.Op, e.Status)
}
func (e *PersistenceError) Unwrap() error { return e.Err }
