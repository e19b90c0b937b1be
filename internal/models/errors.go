package models

import "errors"

// Error kinds shared across the realtime core. Handlers convert these to
// acknowledgement payloads; they are never allowed to crash a connection's
// processing loop.
var (
	// ErrUnauthenticated covers a bad, missing or expired credential.
	// The connection is refused entirely.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrRevoked means the credential is structurally valid but its
	// fingerprint is on the revocation set.
	ErrRevoked = errors.New("credential revoked")

	// ErrUnauthorized means the caller is authenticated but lacks
	// permission for the room or action. The connection stays open.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound means the referenced room or instance does not exist.
	// Same wire shape as ErrUnauthorized, logged distinctly.
	ErrNotFound = errors.New("not found")

	// ErrUnknownRoomType means the room row carries a category the
	// resolver does not recognize.
	ErrUnknownRoomType = errors.New("unknown room type")

	// ErrUpstreamUnavailable means the shared state store or the
	// relational store could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
