package dnsx

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitAvoidsBackend(t *testing.T) {
	backend := NewStatic().AddTXT("example.com", "v=spf1 -all")
	cache := NewCache(backend)
	ctx := context.Background()

	recs, err := cache.LookupTXT(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"v=spf1 -all"}, recs)

	// Mutate the backend; the cached answer must win.
	backend.AddTXT("example.com", "v=spf1 +all")

	recs, err = cache.LookupTXT(ctx, "Example.COM")
	require.NoError(t, err)
	assert.Equal(t, []string{"v=spf1 -all"}, recs)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestCacheKeysByRecordType(t *testing.T) {
	backend := NewStatic().
		AddTXT("example.com", "hello").
		AddA("example.com", "192.0.2.1")
	cache := NewCache(backend)
	ctx := context.Background()

	txt, err := cache.LookupTXT(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, txt)

	ips, err := cache.LookupA(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1"}, ips)

	assert.Equal(t, 2, cache.Stats().Entries)
}

func TestCacheExpiryIsAMiss(t *testing.T) {
	backend := NewStatic().AddA("example.com", "192.0.2.1")
	cache := NewCache(backend, WithTTL(20*time.Millisecond))
	ctx := context.Background()

	_, err := cache.LookupA(ctx, "example.com")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = cache.LookupA(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cache.Stats().Misses)
	assert.Zero(t, cache.Stats().Hits)
}

func TestSweepEvictsExpiredOnly(t *testing.T) {
	backend := NewStatic()
	cache := NewCache(backend)

	cache.PrimeTXT("old.example.com", []string{"x"}, 10*time.Millisecond)
	cache.PrimeTXT("fresh.example.com", []string{"y"}, time.Hour)

	time.Sleep(25 * time.Millisecond)

	removed := cache.Sweep()
	assert.Equal(t, 1, removed)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestBackgroundSweeper(t *testing.T) {
	cache := NewCache(NewStatic(), WithSweepInterval(10*time.Millisecond))
	cache.PrimeA("example.com", []string{"192.0.2.1"}, 5*time.Millisecond)

	cache.Start()
	defer cache.Stop()

	require.Eventually(t, func() bool {
		return cache.Stats().Entries == 0
	}, time.Second, 10*time.Millisecond)
}

func TestErrorsAreNotCached(t *testing.T) {
	backend := NewStatic().SetErr("down.example.com", &net.DNSError{Err: "servfail", IsTemporary: true})
	cache := NewCache(backend)
	ctx := context.Background()

	_, err := cache.LookupMX(ctx, "down.example.com")
	require.Error(t, err)
	assert.True(t, IsTemporary(err))

	// Backend recovers; next lookup must reach it.
	backend.SetErr("down.example.com", nil)
	backend.AddMX("down.example.com", 10, "mx.example.com")

	mxs, err := cache.LookupMX(ctx, "down.example.com")
	require.NoError(t, err)
	require.Len(t, mxs, 1)
	assert.Equal(t, "mx.example.com", mxs[0].Host)
	assert.Equal(t, int64(1), cache.Stats().Errors)
}

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"timeout", &net.DNSError{Err: "timeout", IsTimeout: true}, true},
		{"temporary", &net.DNSError{Err: "servfail", IsTemporary: true}, true},
		{"not found", &net.DNSError{Err: "no such host", IsNotFound: true}, false},
		{"permanent", &net.DNSError{Err: "fail"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTemporary(tt.err))
		})
	}
}
