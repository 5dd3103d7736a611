package protocol

import "errors"

var (
	ErrFrameTooLarge       = errors.New("protocol: frame too large")
	ErrMalformedPayload    = errors.New("protocol: malformed payload")
	ErrUnknownField        = errors.New("protocol: unknown field bit")
	ErrPartialFrameExpired = errors.New("protocol: partial frame expired")
)
