// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across connector/server layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrKeyStoreMissing indicates the key store is unavailable or holds no key
	// under the requested label.
	ErrKeyStoreMissing = errors.New("key store missing")

	// ErrKeyValidation indicates loaded or generated key material failed validation.
	ErrKeyValidation = errors.New("key validation failed")

	// ErrKeyIndex indicates a symmetric key index that is unknown, reused or
	// out of rotation order.
	ErrKeyIndex = errors.New("invalid key index")

	// ErrMacMismatch indicates a CMAC proof did not verify.
	ErrMacMismatch = errors.New("cmac verification failed")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrStreamVersion indicates a frame with an unsupported wire stream version.
	ErrStreamVersion = errors.New("incompatible stream version")

	// ErrUnknownMessage indicates a frame whose type name is not in the catalog.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrBadFrame indicates a truncated or otherwise malformed frame.
	ErrBadFrame = errors.New("malformed frame")

	// ErrNotIdle indicates a request that requires the idle connection state.
	ErrNotIdle = errors.New("connection not idle")
)
