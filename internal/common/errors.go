// Package common defines the sentinel error taxonomy and small helpers shared
// by every layer of crosspost. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")

	// Vault errors.
	ErrCredential = errors.New("credential error")
	ErrEncryption = errors.New("encryption error")
	ErrDecryption = errors.New("decryption error")

	// Platform errors.
	ErrAuth       = errors.New("authentication rejected")
	ErrNetwork    = errors.New("network error")
	ErrRateLimit  = errors.New("rate limited")
	ErrValidation = errors.New("validation error")

	// Sync bookkeeping errors.
	ErrDuplicateRecord = errors.New("duplicate record")
	ErrRunInProgress   = errors.New("run in progress")
	ErrRunFinalized    = errors.New("run already finalized")
)

// Kind returns the taxonomy name of err as it appears in run error lists and
// audit details. Unknown errors are reported as "InternalError".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCredential):
		return "CredentialError"
	case errors.Is(err, ErrEncryption):
		return "EncryptionError"
	case errors.Is(err, ErrDecryption):
		return "DecryptionError"
	case errors.Is(err, ErrAuth):
		return "AuthError"
	case errors.Is(err, ErrRateLimit):
		return "RateLimitError"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNetwork):
		return "NetworkError"
	case errors.Is(err, ErrDuplicateRecord):
		return "DuplicateRecordError"
	case errors.Is(err, ErrRunInProgress):
		return "RunInProgressError"
	default:
		return "InternalError"
	}
}
