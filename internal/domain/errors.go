package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidState         = errors.New("invalid state")
	ErrOutOfStock           = errors.New("out of stock")
	ErrEventNotSellable     = errors.New("event not sellable")
	ErrExpired              = errors.New("order expired")
	ErrMalformedCredential  = errors.New("malformed credential")
	ErrCredentialMismatch   = errors.New("credential mismatch")
	ErrUnknownTicket        = errors.New("unknown ticket")
	ErrUpstreamFailure      = errors.New("upstream failure")
)
