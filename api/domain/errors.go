package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrUnauthorized    = errors.New("unauthorized")
)
