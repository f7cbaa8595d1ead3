package activitypub

import "errors"

// Error taxonomy for the federation core. Handlers wrap these with context via
// fmt.Errorf("...: %w", err); the web layer maps them to HTTP statuses with
// errors.Is.
var (
	// ErrPolicyBlocked means the peer's domain is not allowed by the
	// instance moderation policy.
	ErrPolicyBlocked = errors.New("domain blocked by policy")

	// ErrSignatureInvalid covers bad signatures, missing signature headers
	// and digest mismatches.
	ErrSignatureInvalid = errors.New("invalid http signature")

	// ErrClockSkew means the request Date header is outside the accepted
	// window.
	ErrClockSkew = errors.New("request date outside accepted window")

	// ErrRemoteFetch covers network failures, timeouts and 5xx responses
	// from remote instances. Retryable.
	ErrRemoteFetch = errors.New("remote fetch failed")

	// ErrInvalidPayload means a document is unparseable or missing
	// mandatory fields. Not retryable.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnauthorized means the activity actor is not permitted to act on
	// the referenced object.
	ErrUnauthorized = errors.New("actor not authorized for object")
)
