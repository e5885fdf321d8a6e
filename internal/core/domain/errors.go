package domain

import "errors"

var (
	ErrIdentityRequired  = errors.New("identity required")
	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrAlreadyQueued     = errors.New("address already queued")
	ErrUnknownSignalKind = errors.New("unknown signal kind")
	ErrMalformedSignal   = errors.New("malformed signal")
	ErrSenderMismatch    = errors.New("signal sender does not match connection")
)
