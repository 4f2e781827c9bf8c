// Package resilience wraps calls to external dependencies (DNS,
// mailbox providers, storage) with circuit breakers, retry/backoff, a
// connection pool and an LRU query cache. The pieces are independent;
// callers compose them per dependency.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// HTTPError carries a dependency's HTTP status so the transient
// classifier can tell throttling and outages from caller mistakes.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("http %d %s", e.StatusCode, e.Status)
}

// Transient reports whether the status is worth retrying: 429 and 5xx.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Transient() bool { return false }

// Permanent marks err as a permanent-dependency failure. Retry loops
// surface it immediately and breakers do not count it as a failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// transienter is implemented by errors that know their own class.
type transienter interface{ Transient() bool }

// Substrings that mark an error message as transient network trouble.
// Matched case-insensitively against the full error text.
var transientPhrases = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily",
	"service unavailable",
	"too many requests",
	"network is unreachable",
	"no route to host",
	"unexpected eof",
}

// IsTransient reports whether err looks like a transient dependency
// failure: DNS timeouts and SERVFAILs, HTTP 429/5xx, socket trouble,
// exceeded deadlines. Context cancellation is the caller giving up and
// is never transient. Errors implementing Transient() classify
// themselves; that takes precedence over any heuristics.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if t, ok := e.(transienter); ok {
			return t.Transient()
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return false
		}
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
