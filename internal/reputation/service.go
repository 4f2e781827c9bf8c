package reputation

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ignite/mailguard/internal/resilience"
)

var (
	// ErrInvalidAddress means the input is not an IP address.
	ErrInvalidAddress = errors.New("reputation: invalid IP address")

	// ErrPrivateAddress means the IP is private or loopback; those
	// never reach the external service.
	ErrPrivateAddress = errors.New("reputation: private or loopback address")
)

var lookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mailguard",
	Subsystem: "reputation",
	Name:      "lookups_total",
	Help:      "GeoIP service lookups by result. Cache hits are not counted.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(lookupsTotal)
}

// Lookuper is the client-side contract, split out so tests can fake
// the GeoIP service.
type Lookuper interface {
	Lookup(ctx context.Context, ip string) (*IPReport, error)
}

// Service answers IP reputation queries from the query cache, calling
// the GeoIP service through the shared breaker on a miss. One slow or
// dead provider must not stall scans: callers treat any error here as
// "no reputation signal".
type Service struct {
	client   Lookuper
	cache    *resilience.CacheNamespace
	breakers *resilience.Registry
	ttl      time.Duration
}

// NewService wires the lookups into cache namespace "geoip" and
// breaker "geoip". ttl <= 0 defaults to one hour; provider data moves
// slowly.
func NewService(client Lookuper, cache *resilience.QueryCache, breakers *resilience.Registry, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		client:   client,
		cache:    cache.Namespace("geoip"),
		breakers: breakers,
		ttl:      ttl,
	}
}

// Report returns the reputation of ip, serving repeats from cache.
func (s *Service) Report(ctx context.Context, ip string) (*IPReport, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, ErrInvalidAddress
	}
	if parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsUnspecified() {
		return nil, ErrPrivateAddress
	}

	v, err := s.cache.GetOrSet(ctx, parsed.String(), s.ttl, func(ctx context.Context) (any, error) {
		var report *IPReport
		err := s.breakers.Execute(ctx, "geoip", func(ctx context.Context) error {
			r, err := s.client.Lookup(ctx, ip)
			if err != nil {
				return err
			}
			report = r
			return nil
		})
		if err != nil {
			lookupsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		lookupsTotal.WithLabelValues("ok").Inc()
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*IPReport), nil
}
