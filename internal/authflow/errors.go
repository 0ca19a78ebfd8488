package authflow

import "errors"

var (
	// ErrConfiguration signals a missing client registration or unusable redirect URI.
	ErrConfiguration = errors.New("authflow: invalid configuration")

	// ErrCSRFValidation signals a missing, unknown, or expired state token.
	ErrCSRFValidation = errors.New("authflow: state validation failed")

	// ErrAuthorizationTimeout signals that the user did not finish authorizing in time.
	ErrAuthorizationTimeout = errors.New("authflow: authorization timed out")

	// ErrAuthorizationDenied signals that the vendor redirected back with an error.
	ErrAuthorizationDenied = errors.New("authflow: authorization denied")

	// ErrClosed signals that the coordinator shut down while a flow was pending.
	ErrClosed = errors.New("authflow: coordinator closed")
)
