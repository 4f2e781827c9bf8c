package remediation

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailguard/internal/resilience"
)

type fakeRefresher struct {
	token *Token
	err   error
	calls int
}

func (f *fakeRefresher) RefreshToken(context.Context, string) (*Token, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func TestMemoryTokenStoreRoundTrip(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "t1", "gmail")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	want := &Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.Save(ctx, "t1", "gmail", want))

	got, err := store.Get(ctx, "t1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, want.AccessToken, got.AccessToken)

	// Same tenant, different integration is a different slot.
	_, err = store.Get(ctx, "t1", "microsoft365")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRedisTokenStoreRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	store := NewRedisTokenStore(client)
	ctx := context.Background()

	_, err = store.Get(ctx, "t1", "gmail")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	want := &Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, store.Save(ctx, "t1", "gmail", want))

	got, err := store.Get(ctx, "t1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Key layout is part of the fleet contract.
	assert.True(t, mr.Exists("mailguard:oauth:t1:gmail"))
}

func TestPostgresTokenStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresTokenStore(db)
	ctx := context.Background()
	expires := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO oauth_tokens")).
		WithArgs("t1", "gmail", "at", "rt", expires).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Save(ctx, "t1", "gmail", &Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: expires}))

	rows := sqlmock.NewRows([]string{"access_token", "refresh_token", "expires_at"}).
		AddRow("at", "rt", expires)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT access_token, refresh_token, expires_at")).
		WithArgs("t1", "gmail").
		WillReturnRows(rows)
	got, err := store.Get(ctx, "t1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "at", got.AccessToken)
	assert.Equal(t, expires, got.ExpiresAt)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT access_token, refresh_token, expires_at")).
		WithArgs("t2", "gmail").
		WillReturnError(sql.ErrNoRows)
	_, err = store.Get(ctx, "t2", "gmail")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenManagerServesUnexpiredToken(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "t1", "gmail", &Token{
		AccessToken: "live", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour),
	}))

	m := NewTokenManager(store, resilience.NewRegistry(nil))
	ref := &fakeRefresher{}
	tok, err := m.AccessToken(ctx, "t1", "gmail", ref)
	require.NoError(t, err)
	assert.Equal(t, "live", tok)
	assert.Equal(t, 0, ref.calls)
}

func TestTokenManagerRefreshesExpiredToken(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "t1", "gmail", &Token{
		AccessToken: "stale", RefreshToken: "old-rt", ExpiresAt: time.Now().Add(-time.Minute),
	}))

	m := NewTokenManager(store, resilience.NewRegistry(nil))
	// Provider omitted the refresh token on renewal.
	ref := &fakeRefresher{token: &Token{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}}

	tok, err := m.AccessToken(ctx, "t1", "gmail", ref)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, 1, ref.calls)

	saved, err := store.Get(ctx, "t1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
	assert.Equal(t, "old-rt", saved.RefreshToken, "old refresh token must be kept")
}

func TestTokenManagerRefreshWithinSkew(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()
	// Valid for 10 more seconds, inside the 30s skew window.
	require.NoError(t, store.Save(ctx, "t1", "gmail", &Token{
		AccessToken: "closing", RefreshToken: "rt", ExpiresAt: time.Now().Add(10 * time.Second),
	}))

	m := NewTokenManager(store, nil)
	ref := &fakeRefresher{token: &Token{AccessToken: "fresh", RefreshToken: "rt2", ExpiresAt: time.Now().Add(time.Hour)}}

	tok, err := m.AccessToken(ctx, "t1", "gmail", ref)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, 1, ref.calls)
}

func TestTokenManagerRefreshFailure(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "t1", "gmail", &Token{
		AccessToken: "stale", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Minute),
	}))

	m := NewTokenManager(store, resilience.NewRegistry(nil))
	ref := &fakeRefresher{err: errors.New("invalid_grant")}

	_, err := m.AccessToken(ctx, "t1", "gmail", ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")

	// The stale token must not be overwritten.
	saved, _ := store.Get(ctx, "t1", "gmail")
	assert.Equal(t, "stale", saved.AccessToken)
}

func TestTokenManagerMissingToken(t *testing.T) {
	m := NewTokenManager(NewMemoryTokenStore(), nil)
	_, err := m.AccessToken(context.Background(), "ghost", "gmail", &fakeRefresher{})
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestBoundSource(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "t1", "gmail", &Token{
		AccessToken: "live", ExpiresAt: time.Now().Add(time.Hour),
	}))

	src := NewTokenManager(store, nil).For("t1", "gmail")
	tok, err := src.AccessToken(ctx, &fakeRefresher{})
	require.NoError(t, err)
	assert.Equal(t, "live", tok)
}
