package dnsx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithGuardWrapsEveryLookup(t *testing.T) {
	static := NewStatic().
		AddTXT("example.com", "v=spf1 -all").
		AddA("example.com", "192.0.2.10").
		AddAAAA("example.com", "2001:db8::1").
		AddMX("example.com", 10, "mx.example.com")

	calls := 0
	guarded := WithGuard(static, func(ctx context.Context, op func(ctx context.Context) error) error {
		calls++
		return op(ctx)
	})
	ctx := context.Background()

	txt, err := guarded.LookupTXT(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"v=spf1 -all"}, txt)

	a, err := guarded.LookupA(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.10"}, a)

	aaaa, err := guarded.LookupAAAA(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"2001:db8::1"}, aaaa)

	mx, err := guarded.LookupMX(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []MXRecord{{Pref: 10, Host: "mx.example.com"}}, mx)

	assert.Equal(t, 4, calls)
}

func TestWithGuardShortCircuits(t *testing.T) {
	static := NewStatic().AddTXT("example.com", "v=spf1 -all")
	guardErr := errors.New("breaker open")

	guarded := WithGuard(static, func(context.Context, func(ctx context.Context) error) error {
		return guardErr
	})

	records, err := guarded.LookupTXT(context.Background(), "example.com")
	assert.ErrorIs(t, err, guardErr)
	assert.Nil(t, records)
}

func TestWithGuardPropagatesLookupError(t *testing.T) {
	lookupErr := errors.New("servfail")
	static := NewStatic().SetErr("down.example", lookupErr)

	var seen error
	guarded := WithGuard(static, func(ctx context.Context, op func(ctx context.Context) error) error {
		seen = op(ctx)
		return seen
	})

	_, err := guarded.LookupMX(context.Background(), "down.example")
	assert.ErrorIs(t, err, lookupErr)
	assert.ErrorIs(t, seen, lookupErr)
}

func TestWithGuardNilGuard(t *testing.T) {
	static := NewStatic()
	assert.Same(t, Resolver(static), WithGuard(static, nil))
}
