package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrRateLimited   = errors.New("domain: rate limited")
	ErrDuplicate     = errors.New("domain: duplicate content")
	ErrInvalidCursor = errors.New("domain: invalid cursor")
	ErrUnknownTopic  = errors.New("domain: unknown topic")
)
