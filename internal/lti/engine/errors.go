package engine

import "errors"

// Protocol errors are terminal for the launch they occur on: the record
// moves to FAILED (or EXPIRED) and the error is surfaced to the caller.
// Infrastructure failures (keyset.ErrJWKSFetch) are deliberately NOT in
// this list: they leave the launch pending so the callback can be
// retried, and callers must not confuse them with cryptographic
// rejection.
var (
	ErrLaunchNotFound        = errors.New("engine: no launch for state")
	ErrLaunchExpired         = errors.New("engine: launch expired")
	ErrInvalidLaunchState    = errors.New("engine: launch not awaiting callback")
	ErrToolSuspended         = errors.New("engine: tool suspended")
	ErrSignatureVerification = errors.New("engine: id_token signature verification failed")
	ErrIssuerMismatch        = errors.New("engine: issuer mismatch")
	ErrAudienceMismatch      = errors.New("engine: audience mismatch")
	ErrNonceReplay           = errors.New("engine: nonce replay detected")
	ErrClaimValidation       = errors.New("engine: claim validation failed")
)
