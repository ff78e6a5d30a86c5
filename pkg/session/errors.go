package session

import "errors"

var (
	// ErrIdentityTimeout means the process never emitted its init line
	// within the capture window. The process is killed as part of handling
	// it; often a slow cold start, so retrying is reasonable.
	ErrIdentityTimeout = errors.New("session identity capture timed out")

	// ErrInvalidIdentity means the init line carried an identity that
	// violates the fixed 26-character shape. A protocol violation, never a
	// usable identity.
	ErrInvalidIdentity = errors.New("invalid session identity")

	// ErrSessionNotFound means the caller named an identity with no live
	// session (kill) or unknown to durable storage (resume).
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionKilled means the process was killed before identity
	// capture completed. The spawn attempt is over; nothing was
	// registered.
	ErrSessionKilled = errors.New("session killed")
)
