package dkim

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ignite/mailguard/internal/dnsx"
)

// DefaultKeyTTL bounds how long fetched keys are reused.
const DefaultKeyTTL = 300 * time.Second

// ErrNoKey means the selector has no key record published.
var ErrNoKey = errors.New("dkim: no key record")

// PublicKey is a parsed _domainkey TXT record.
type PublicKey struct {
	KeyType string // k=, default rsa
	Key     crypto.PublicKey
	Hashes  []string // h= restriction; nil allows any
	Revoked bool     // p= present but empty
}

// AllowsHash reports whether the key's h= tag permits the hash name
// ("sha1" or "sha256").
func (k *PublicKey) AllowsHash(h string) bool {
	if len(k.Hashes) == 0 {
		return true
	}
	return containsFold(k.Hashes, h)
}

// parsePublicKey parses one TXT record as a DKIM key.
func parsePublicKey(txt string) (*PublicKey, error) {
	tags, err := parseTags(txt)
	if err != nil {
		return nil, err
	}
	if v, ok := tags["v"]; ok && v != "DKIM1" {
		return nil, fmt.Errorf("bad key record version %q", v)
	}
	p, ok := tags["p"]
	if !ok {
		return nil, errors.New("key record has no p= tag")
	}

	keyType := strings.ToLower(tags["k"])
	if keyType == "" {
		keyType = "rsa"
	}
	pk := &PublicKey{KeyType: keyType}
	if h, ok := tags["h"]; ok {
		for _, name := range strings.Split(h, ":") {
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				pk.Hashes = append(pk.Hashes, name)
			}
		}
	}

	// Empty p= is an explicit revocation, not a parse failure.
	if stripWhitespace(p) == "" {
		pk.Revoked = true
		return pk, nil
	}

	der, err := base64.StdEncoding.DecodeString(stripWhitespace(p))
	if err != nil {
		return nil, fmt.Errorf("bad p= value: %v", err)
	}

	switch keyType {
	case "rsa":
		if parsed, err := x509.ParsePKIXPublicKey(der); err == nil {
			rsaKey, ok := parsed.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("key record is not an rsa key")
			}
			pk.Key = rsaKey
			return pk, nil
		}
		rsaKey, err := x509.ParsePKCS1PublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("unparsable rsa key: %v", err)
		}
		pk.Key = rsaKey
		return pk, nil

	case "ed25519":
		// RFC 8463 publishes the raw 32-byte key, not an SPKI blob.
		if len(der) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ed25519 key has %d bytes, want %d", len(der), ed25519.PublicKeySize)
		}
		pk.Key = ed25519.PublicKey(der)
		return pk, nil

	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}

type keyEntry struct {
	key     *PublicKey
	expires time.Time
}

// KeyCache fetches and caches selector keys under (selector, domain).
// Lookup errors are never cached.
type KeyCache struct {
	resolver dnsx.Resolver
	ttl      time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]keyEntry
}

// NewKeyCache builds a cache over resolver. ttl <= 0 selects the
// default.
func NewKeyCache(resolver dnsx.Resolver, ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &KeyCache{
		resolver: resolver,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]keyEntry),
	}
}

func keyCacheKey(selector, domain string) string {
	return selector + "|" + strings.ToLower(domain)
}

// Get returns the key for selector._domainkey.domain, from cache when
// fresh. DNS failures surface as errors satisfying dnsx.IsTemporary;
// a missing or unparsable record returns ErrNoKey or a parse error.
func (c *KeyCache) Get(ctx context.Context, selector, domain string) (*PublicKey, error) {
	ck := keyCacheKey(selector, domain)
	c.mu.RLock()
	e, ok := c.entries[ck]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		return e.key, nil
	}

	name := selector + "._domainkey." + domain
	// TXT fragments of one record arrive pre-concatenated from the
	// resolver; multiple records are tried in order.
	records, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("key lookup for %s: %w", name, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoKey, name)
	}

	var lastErr error
	for _, rec := range records {
		key, perr := parsePublicKey(rec)
		if perr != nil {
			lastErr = perr
			continue
		}
		c.mu.Lock()
		c.entries[ck] = keyEntry{key: key, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return key, nil
	}
	return nil, fmt.Errorf("unusable key record for %s: %v", name, lastErr)
}

// Flush drops all cached keys.
func (c *KeyCache) Flush() {
	c.mu.Lock()
	c.entries = make(map[string]keyEntry)
	c.mu.Unlock()
}

// Len reports how many keys are cached (expired entries included
// until their next Get).
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
