// Package errkind classifies errors into behavioral categories so callers
// can decide retry-vs-surface without string matching at every call site.
package errkind

import "errors"

// Kind is a behavioral error category, not a concrete type.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindRateLimit
	KindPermanent
	KindAuth
	KindLLMFormat
	KindModeration
	KindStoreConflict
	KindUserTimeout
	KindPartialBatch
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	case KindLLMFormat:
		return "llm_format"
	case KindModeration:
		return "moderation"
	case KindStoreConflict:
		return "store_conflict"
	case KindUserTimeout:
		return "user_timeout"
	case KindPartialBatch:
		return "partial_batch"
	default:
		return "unknown"
	}
}

// Classified is an error annotated with a Kind and, for rate limits, an
// explicit retry-after duration reported by the remote.
type Classified struct {
	Kind       Kind
	RetryAfter float64 // seconds; 0 = not specified
	Err        error
}

func (c *Classified) Error() string { return c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// New wraps err with a Kind.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}

// NewRateLimited wraps err with KindRateLimit and an explicit retry-after.
func NewRateLimited(err error, retryAfterSeconds float64) error {
	return &Classified{Kind: KindRateLimit, RetryAfter: retryAfterSeconds, Err: err}
}

// Of returns the Kind of err, walking the wrap chain. Unclassified errors
// are KindUnknown, which callers should treat conservatively (no retry).
func Of(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return KindUnknown
}

// RetryAfter extracts an explicit retry-after duration in seconds, if any.
func RetryAfter(err error) (float64, bool) {
	var c *Classified
	if errors.As(err, &c) && c.Kind == KindRateLimit && c.RetryAfter > 0 {
		return c.RetryAfter, true
	}
	return 0, false
}

// Retryable reports whether the nearest layer should retry this error —
// transient network errors and explicit rate limits are; permanent
// validation, auth, and LLM-format errors are not.
func Retryable(err error) bool {
	switch Of(err) {
	case KindTransient, KindRateLimit:
		return true
	default:
		return false
	}
}
