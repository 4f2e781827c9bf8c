// Package dnsx provides the DNS lookups the authentication engines run
// on: TXT, A, AAAA and MX, behind a pluggable backend with a TTL cache
// in front. An empty answer is not an error; only transient resolution
// failures surface as errors.
package dnsx

import (
	"context"
	"errors"
	"net"
)

// MXRecord is one MX answer.
type MXRecord struct {
	Pref uint16
	Host string
}

// Resolver is the lookup contract consumed by SPF, DKIM and DMARC.
// Implementations return an empty slice and nil error when the name
// exists but carries no records of the requested type, or when the
// name does not exist at all. Errors indicate the lookup itself failed.
type Resolver interface {
	LookupTXT(ctx context.Context, domain string) ([]string, error)
	LookupA(ctx context.Context, domain string) ([]string, error)
	LookupAAAA(ctx context.Context, domain string) ([]string, error)
	LookupMX(ctx context.Context, domain string) ([]MXRecord, error)
}

// IsTemporary reports whether err looks like a transient DNS failure
// (timeout, SERVFAIL, connection trouble) as opposed to a definitive
// answer. Auth engines map these to temperror.
func IsTemporary(err error) bool {
	if err == nil {
		return false
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
	return errors.Is(err, context.DeadlineExceeded)
}

// dropNotFound converts a "no such host" answer into an empty result.
func dropNotFound(err error) error {
	if err == nil {
		return nil
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return nil
	}
	return err
}
