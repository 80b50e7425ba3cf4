package core

import "errors"

var (
	ErrInvalidSlot    = errors.New("slot is not in the list of slots")
	ErrNotActive      = errors.New("slot is not active")
	ErrAlreadyActive  = errors.New("slot is already active")
	ErrMissingToken   = errors.New("no token provided")
	ErrInvalidToken   = errors.New("invalid token")
	ErrAlreadyBound   = errors.New("slot is already in use")
	ErrNotBound       = errors.New("slot has no active feed")
	ErrInvalidCommand = errors.New("command is not valid for this property")
)
