package app

import (
	"errors"

	"warden/cmd/security/handle"
)

// ValidateSecurityConfig enforces Warden's security policy at startup.
// Enforcement validates the same module that performs the hashing
// (security/handle), so policy and behavior cannot drift apart.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireHandleHMAC {
		return nil
	}

	// Minimum 32 bytes for an HMAC-SHA256 secret. Bytes, not runes,
	// because the key is used as raw bytes.
	if _, err := handle.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, handle.ErrHMACKeyMissing):
			return errors.New("security policy: WARDEN_REQUIRE_HANDLE_HMAC=true but WARDEN_HANDLE_HMAC_KEY is missing")
		case errors.Is(err, handle.ErrHMACKeyTooShort):
			return errors.New("security policy: WARDEN_REQUIRE_HANDLE_HMAC=true but WARDEN_HANDLE_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !handle.HMACEnabled() {
		return errors.New("security policy: WARDEN_REQUIRE_HANDLE_HMAC=true but handle hasher is not in HMAC mode")
	}

	return nil
}
