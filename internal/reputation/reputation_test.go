package reputation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailguard/internal/resilience"
)

func TestClientLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ip/203.0.113.9", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ip":"203.0.113.9","country":"NL","asn":64496,"asOrg":"BulletProof Hosting","isProxy":true,"riskScore":0.91}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-key", 0)
	c.SetHTTPClient(srv.Client())

	report, err := c.Lookup(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "NL", report.Country)
	assert.Equal(t, 64496, report.ASN)
	assert.True(t, report.IsProxy)
	assert.InDelta(t, 0.91, report.RiskScore, 1e-9)
}

func TestClientLookupServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"upstream"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 0)
	c.SetHTTPClient(srv.Client())

	_, err := c.Lookup(context.Background(), "203.0.113.9")
	var httpErr *resilience.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.True(t, resilience.IsTransient(err))
}

type fakeLookuper struct {
	calls  int64
	report *IPReport
	err    error
}

func (f *fakeLookuper) Lookup(_ context.Context, ip string) (*IPReport, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	r := *f.report
	r.IP = ip
	return &r, nil
}

func newTestService(client Lookuper) *Service {
	cache := resilience.NewQueryCache(resilience.QueryCacheConfig{Name: "test-reputation"})
	return NewService(client, cache, resilience.NewRegistry(nil), 0)
}

func TestServiceCachesReports(t *testing.T) {
	fake := &fakeLookuper{report: &IPReport{Country: "US", RiskScore: 0.1}}
	svc := newTestService(fake)
	ctx := context.Background()

	first, err := svc.Report(ctx, "198.51.100.7")
	require.NoError(t, err)
	second, err := svc.Report(ctx, "198.51.100.7")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fake.calls))
}

func TestServiceRejectsInvalidAndPrivateAddresses(t *testing.T) {
	fake := &fakeLookuper{report: &IPReport{}}
	svc := newTestService(fake)
	ctx := context.Background()

	_, err := svc.Report(ctx, "not-an-ip")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	for _, ip := range []string{"10.1.2.3", "192.168.0.1", "127.0.0.1", "0.0.0.0"} {
		_, err := svc.Report(ctx, ip)
		assert.ErrorIs(t, err, ErrPrivateAddress, ip)
	}
	assert.Equal(t, int64(0), atomic.LoadInt64(&fake.calls), "private addresses never hit the provider")
}

func TestServiceBreakerShedsAfterRepeatedFailures(t *testing.T) {
	fake := &fakeLookuper{err: &resilience.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}}
	cache := resilience.NewQueryCache(resilience.QueryCacheConfig{Name: "test-reputation-breaker"})
	breakers := resilience.NewRegistry(func(string) resilience.BreakerConfig {
		return resilience.BreakerConfig{FailureThreshold: 3}
	})
	svc := NewService(fake, cache, breakers, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Report(ctx, "198.51.100.7")
		require.Error(t, err)
	}

	// Breaker is open now; the provider must not be called again.
	before := atomic.LoadInt64(&fake.calls)
	_, err := svc.Report(ctx, "198.51.100.7")
	var open *resilience.BreakerOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, before, atomic.LoadInt64(&fake.calls))
}

func TestServiceErrorsAreNotCached(t *testing.T) {
	fake := &fakeLookuper{err: &resilience.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}}
	svc := newTestService(fake)
	ctx := context.Background()

	_, err := svc.Report(ctx, "198.51.100.7")
	require.Error(t, err)

	// Provider recovers; the next call must go through.
	fake.err = nil
	fake.report = &IPReport{Country: "DE", RiskScore: 0.2}
	report, err := svc.Report(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, "DE", report.Country)
}
