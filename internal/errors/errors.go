package errors

import "errors"

// Session errors.
var (
	ErrNotInitialized = errors.New("sliding sync session not initialized")
	ErrUnsupported    = errors.New("homeserver does not support sliding sync")
	ErrQueueClosed    = errors.New("operation queue closed")
)

// Client errors.
var (
	ErrLoginFailed  = errors.New("login failed")
	ErrInvalidToken = errors.New("invalid or expired access token")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
