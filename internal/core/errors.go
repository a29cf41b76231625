package core

import "errors"

// Request-boundary error taxonomy. Every operation that can fail maps its
// failure onto one of these so adapters can produce a single structured
// error payload per request without inspecting internals.
var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrNotFound               = errors.New("not found")
	ErrClientNotFound         = errors.New("client not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrTransportNotReady      = errors.New("transport not ready")
	ErrResourceCreationFailed = errors.New("resource creation failed")
	ErrValidation             = errors.New("validation failed")
)
