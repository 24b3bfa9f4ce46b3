package types

import "errors"

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the resource conflicts (e.g. update of old revision)
	ErrConflict = errors.New("conflict")

	// ErrBadRequest is returned on malformed input
	ErrBadRequest = errors.New("bad request")

	// ErrInternal (for unhandled exceptions)
	ErrInternal = errors.New("internal error")

	// ErrNotAuthorized is returned when the caller may not access the resource
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidPublicKey is returned when public key material cannot be parsed or is malformed
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidPrivateKey is returned when private key material cannot be parsed
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrKeyGeneration is returned when the local key pair could not be created.
	// Recoverable by retry; the send path falls back to plaintext meanwhile.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrPeerKeyUnavailable is returned when a recipient has no published public key.
	// Expected and benign; triggers plaintext fallback.
	ErrPeerKeyUnavailable = errors.New("peer public key unavailable")

	// ErrNotARecipient is returned when decrypting a message this account was
	// never given a wrapped key for. Terminal per message.
	ErrNotARecipient = errors.New("account is not a recipient of this message")

	// ErrKeyMismatch is returned when a wrapped key does not unwrap with the
	// current private key (rotation skew). Triggers a directory refresh.
	ErrKeyMismatch = errors.New("wrapped key does not match private key")

	// ErrTamperedMessage is returned on an integrity check failure. Terminal and
	// reported, since it may indicate an attack or data corruption.
	ErrTamperedMessage = errors.New("message integrity check failed")
)
