package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid session state transition")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrBackplaneUnavailable = errors.New("backplane unavailable")
)
