package handle

import "errors"

// Public, stable errors for callers.
var (
	ErrHMACKeyMissing  = errors.New("handle HMAC key missing")
	ErrHMACKeyTooShort = errors.New("handle HMAC key too short")
)
