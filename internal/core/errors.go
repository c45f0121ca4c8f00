package core

import "errors"

// Errors surfaced to RPC callers. Handlers map them to stable error codes.
var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrAccountNotFound  = errors.New("deleted account not found")

	// ErrFailedPrecondition means the request is valid but arrived before the
	// state it depends on. The caller retries later.
	ErrFailedPrecondition = errors.New("failed precondition")
)

// ErrProviderUnavailable is returned when the billing provider cannot be reached.
var ErrProviderUnavailable = errors.New("billing provider unavailable")
