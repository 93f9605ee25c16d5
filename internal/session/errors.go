package session

import "errors"

// Sentinel errors for session operations. These are part of the Store's
// public API and should be checked with errors.Is().
var (
	// ErrNotFound indicates the requested session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrAccessDenied indicates the session exists but belongs to a
	// different owner. Kept distinct from ErrNotFound for auditing; the
	// boundary layer must not reveal more than "forbidden" to the caller.
	ErrAccessDenied = errors.New("session access denied")

	// ErrEmptyBody indicates an append with an empty message body.
	ErrEmptyBody = errors.New("message body is empty")

	// ErrInvalidSender indicates a sender outside the accepted enum.
	ErrInvalidSender = errors.New("invalid message sender")

	// ErrOwnerRequired indicates a missing owner id.
	ErrOwnerRequired = errors.New("owner id is required")
)
