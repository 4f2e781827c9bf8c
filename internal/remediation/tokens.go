package remediation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailguard/internal/resilience"
)

// Token is an OAuth credential pair for one tenant integration.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ExpiredAt reports whether the access token is unusable at t. Tokens
// with no expiry never expire.
func (tk *Token) ExpiredAt(t time.Time) bool {
	return !tk.ExpiresAt.IsZero() && !t.Before(tk.ExpiresAt)
}

// ErrTokenNotFound means no credential is stored for the pair.
var ErrTokenNotFound = errors.New("remediation: token not found")

// TokenStore persists OAuth tokens per (tenant, integration).
type TokenStore interface {
	Get(ctx context.Context, tenantID, integration string) (*Token, error)
	Save(ctx context.Context, tenantID, integration string, tok *Token) error
}

// MemoryTokenStore is the in-process store for tests and dev.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]Token)}
}

func tokenKey(tenantID, integration string) string {
	return tenantID + ":" + integration
}

func (s *MemoryTokenStore) Get(_ context.Context, tenantID, integration string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[tokenKey(tenantID, integration)]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return &tok, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, tenantID, integration string, tok *Token) error {
	s.mu.Lock()
	s.tokens[tokenKey(tenantID, integration)] = *tok
	s.mu.Unlock()
	return nil
}

// RedisTokenStore keeps tokens as JSON values so every instance in the
// fleet refreshes against the same credential.
type RedisTokenStore struct {
	client *redis.Client
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func redisTokenKey(tenantID, integration string) string {
	return fmt.Sprintf("mailguard:oauth:%s:%s", tenantID, integration)
}

func (s *RedisTokenStore) Get(ctx context.Context, tenantID, integration string) (*Token, error) {
	data, err := s.client.Get(ctx, redisTokenKey(tenantID, integration)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode oauth token: %w", err)
	}
	return &tok, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, tenantID, integration string, tok *Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode oauth token: %w", err)
	}
	if err := s.client.Set(ctx, redisTokenKey(tenantID, integration), data, 0).Err(); err != nil {
		return fmt.Errorf("save oauth token: %w", err)
	}
	return nil
}

// PostgresTokenStore persists tokens in the oauth_tokens table.
type PostgresTokenStore struct {
	db *sql.DB
}

func NewPostgresTokenStore(db *sql.DB) *PostgresTokenStore {
	return &PostgresTokenStore{db: db}
}

func (s *PostgresTokenStore) Get(ctx context.Context, tenantID, integration string) (*Token, error) {
	var tok Token
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at
		FROM oauth_tokens
		WHERE tenant_id = $1 AND integration = $2
	`, tenantID, integration).Scan(&tok.AccessToken, &tok.RefreshToken, &tok.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	return &tok, nil
}

func (s *PostgresTokenStore) Save(ctx context.Context, tenantID, integration string, tok *Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (tenant_id, integration, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, integration) DO UPDATE
		SET access_token = $3, refresh_token = $4, expires_at = $5, updated_at = NOW()
	`, tenantID, integration, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save oauth token: %w", err)
	}
	return nil
}

// TokenSource yields a live access token for each API call. The
// Refresher is the provider itself; it is only invoked on expiry.
type TokenSource interface {
	AccessToken(ctx context.Context, r Refresher) (string, error)
}

// TokenManager serves access tokens from the store and refreshes
// expired ones under a per-integration circuit breaker, so a broken
// identity provider cannot hold up every remediation call.
type TokenManager struct {
	store    TokenStore
	breakers *resilience.Registry
	skew     time.Duration

	mu  sync.Mutex
	now func() time.Time
}

func NewTokenManager(store TokenStore, breakers *resilience.Registry) *TokenManager {
	return &TokenManager{
		store:    store,
		breakers: breakers,
		skew:     30 * time.Second,
		now:      time.Now,
	}
}

// AccessToken returns a valid access token for the pair, refreshing
// and re-persisting it when the stored one is within the expiry skew.
func (m *TokenManager) AccessToken(ctx context.Context, tenantID, integration string, r Refresher) (string, error) {
	// One refresh at a time; concurrent callers reuse the result.
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := m.store.Get(ctx, tenantID, integration)
	if err != nil {
		return "", err
	}
	if !tok.ExpiredAt(m.now().Add(m.skew)) {
		return tok.AccessToken, nil
	}

	var fresh *Token
	refresh := func(ctx context.Context) error {
		t, err := r.RefreshToken(ctx, tok.RefreshToken)
		if err != nil {
			return err
		}
		fresh = t
		return nil
	}
	if m.breakers != nil {
		err = m.breakers.Execute(ctx, "remediation:"+integration, refresh)
	} else {
		err = refresh(ctx)
	}
	if err != nil {
		tokenRefreshes.WithLabelValues(integration, "failed").Inc()
		return "", fmt.Errorf("refresh %s token for %s: %w", integration, tenantID, err)
	}
	tokenRefreshes.WithLabelValues(integration, "ok").Inc()

	// Providers may omit the refresh token on renewal; keep the old one.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := m.store.Save(ctx, tenantID, integration, fresh); err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// For binds the manager to one (tenant, integration) pair.
func (m *TokenManager) For(tenantID, integration string) TokenSource {
	return &boundSource{m: m, tenantID: tenantID, integration: integration}
}

type boundSource struct {
	m           *TokenManager
	tenantID    string
	integration string
}

func (b *boundSource) AccessToken(ctx context.Context, r Refresher) (string, error) {
	return b.m.AccessToken(ctx, b.tenantID, b.integration, r)
}

// StaticTokenSource returns a fixed token, for tests and for service
// accounts whose credential never rotates.
type StaticTokenSource string

func (s StaticTokenSource) AccessToken(context.Context, Refresher) (string, error) {
	return string(s), nil
}
