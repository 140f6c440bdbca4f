package models

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrProtocol        = errors.New("protocol error")
	ErrTransient       = errors.New("temporarily unavailable")
)
