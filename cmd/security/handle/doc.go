// Package handle provides grant-handle hashing primitives for Warden.
//
// It is the single source of truth for deriving store keys from
// client-visible artifacts (reference tokens, device codes).
//
// Design goals:
// - Default dev/back-compat mode: SHA-256(handle) when no HMAC key is configured.
// - Production-enforced mode: HMAC-SHA256(handle, key) when policy requires it.
// - Stable 64-char hex output for storage and constant-time comparison.
//
// Environment:
// - WARDEN_HANDLE_HMAC_KEY: when set, enables HMAC mode.
// Policy:
//   - If RequireHandleHMAC=true, callers MUST enforce a minimum key size (>= 32 bytes)
//     and MUST use HMAC (no SHA fallback).
package handle
