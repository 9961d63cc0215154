package llm

import "errors"

// Sentinel errors for generator failures. Implementations map backend
// statuses onto these so callers can route on errors.Is without importing
// vendor SDKs.
var (
	ErrRateLimited   = errors.New("llm: rate limited")
	ErrQuotaExceeded = errors.New("llm: quota exceeded")
	ErrAuthFailed    = errors.New("llm: authentication failed")
	ErrTimeout       = errors.New("llm: request timed out")
	ErrUnavailable   = errors.New("llm: backend unavailable")
)

// CredentialExhausted reports whether a failure is the kind a different
// credential could recover from: rate limiting, exhausted quota, or a
// timed-out call.
func CredentialExhausted(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrTimeout)
}
