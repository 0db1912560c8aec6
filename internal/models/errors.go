package models

// Error taxonomy shared by every operation in the core. Callers are expected
// to distinguish these with errors.As: a ConflictError means the world moved
// concurrently and the caller should re-fetch before deciding to retry, while
// a ValidationError means the same call will never succeed unchanged.

type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

type AuthorizationError struct {
	Msg string
}

func (e *AuthorizationError) Error() string { return "authorization: " + e.Msg }

type AuthenticationError struct {
	Msg string
}

func (e *AuthenticationError) Error() string { return "authentication: " + e.Msg }

type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }

type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return "not found: " + e.Msg }
