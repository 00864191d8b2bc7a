package router

import "errors"

var (
	// ErrChainExhausted is returned when no chain entry produced a response.
	ErrChainExhausted = errors.New("model fallback chain exhausted")
	// ErrEmptyChain is returned for a call without chain entries.
	ErrEmptyChain = errors.New("fallback chain is empty")
	// ErrUnknownProfile is returned for an unknown profile id.
	ErrUnknownProfile = errors.New("unknown auth profile")
)
