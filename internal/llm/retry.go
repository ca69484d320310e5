package llm

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/chronicle/internal/errkind"
)

// HTTPError wraps a non-2xx provider HTTP response with enough information
// for errkind classification.
type HTTPError struct {
	Provider   string
	Status     int
	Body       string
	RetryAfter float64
}

func (e *HTTPError) Error() string {
	return e.Provider + ": http " + strconv.Itoa(e.Status) + ": " + e.Body
}

// Classify maps an HTTPError's status code to a behavioral error kind and
// wraps it accordingly: 429 → rate-limit (with retry-after if present),
// 5xx → transient, 401/403 → auth, everything else 4xx → permanent.
func (e *HTTPError) Classify() error {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return errkind.NewRateLimited(e, e.RetryAfter)
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return errkind.New(errkind.KindAuth, e)
	case e.Status >= 500:
		return errkind.New(errkind.KindTransient, e)
	default:
		return errkind.New(errkind.KindPermanent, e)
	}
}

// ParseRetryAfter parses a Retry-After header value (seconds, the only form
// the providers we target emit) into a float64 number of seconds.
func ParseRetryAfter(header string) float64 {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	v, err := strconv.ParseFloat(header, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// classifyNetErr wraps a transport-level error (connection reset, timeout,
// DNS failure — none of which carry an HTTP status) as transient so the
// rate limiter retries it.
func classifyNetErr(err error) error {
	if err == nil {
		return nil
	}
	return errkind.New(errkind.KindTransient, err)
}
