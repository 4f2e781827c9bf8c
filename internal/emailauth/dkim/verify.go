package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	_ "crypto/sha1" // registered for rsa-sha1 signatures
	_ "crypto/sha256"
	"fmt"
	"time"

	"github.com/ignite/mailguard/internal/dnsx"
)

const signatureHeaderName = "dkim-signature"

// Verifier checks DKIM signatures against DNS-published keys. It is
// stateless apart from the key cache and safe for concurrent use.
type Verifier struct {
	keys *KeyCache
	now  func() time.Time
}

// Option configures a Verifier.
type Option func(*verifierConfig)

type verifierConfig struct {
	keyTTL time.Duration
	now    func() time.Time
}

// WithKeyTTL overrides the key-cache TTL.
func WithKeyTTL(ttl time.Duration) Option {
	return func(c *verifierConfig) { c.keyTTL = ttl }
}

// WithClock injects a clock, used by expiry tests.
func WithClock(now func() time.Time) Option {
	return func(c *verifierConfig) { c.now = now }
}

// NewVerifier builds a Verifier resolving keys through resolver.
func NewVerifier(resolver dnsx.Resolver, opts ...Option) *Verifier {
	cfg := verifierConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	cache := NewKeyCache(resolver, cfg.keyTTL)
	cache.now = cfg.now
	return &Verifier{keys: cache, now: cfg.now}
}

// Verify checks every DKIM-Signature header in rawHeaders against
// body. Signatures are independent: one result per signature, in
// header order. A message without signatures yields an empty slice.
func (v *Verifier) Verify(ctx context.Context, rawHeaders, body []byte) []*VerifyResult {
	fields := parseHeaderBlock(rawHeaders)
	var results []*VerifyResult
	for i, f := range fields {
		if f.name != signatureHeaderName {
			continue
		}
		results = append(results, v.verifyField(ctx, fields, i, body))
	}
	return results
}

// VerifySignature checks a single signature given as the raw header
// field text ("DKIM-Signature: v=1; ..."), which must also appear in
// rawHeaders for correct bottom-up header selection.
func (v *Verifier) VerifySignature(ctx context.Context, rawHeaders, body []byte, signatureField string) *VerifyResult {
	fields := parseHeaderBlock(rawHeaders)
	sigFields := parseHeaderBlock([]byte(signatureField))
	if len(sigFields) == 0 || sigFields[0].name != signatureHeaderName {
		return &VerifyResult{Code: Permerror, Err: "not a DKIM-Signature field"}
	}
	target := sigFields[0]

	// Prefer the in-block occurrence so self-exclusion works.
	for i, f := range fields {
		if f.name == signatureHeaderName && f.raw == target.raw {
			return v.verifyField(ctx, fields, i, body)
		}
	}
	fields = append(fields, target)
	return v.verifyField(ctx, fields, len(fields)-1, body)
}

func (v *Verifier) verifyField(ctx context.Context, fields []headerField, sigIdx int, body []byte) *VerifyResult {
	sigField := fields[sigIdx]
	res := &VerifyResult{}

	sig, err := parseSignature(sigField.value())
	if err != nil {
		res.Code = Permerror
		res.Err = err.Error()
		return res
	}
	res.Domain = sig.Domain
	res.Selector = sig.Selector
	res.Signature = sig

	if sig.Expiry > 0 && sig.Expiry < v.now().Unix() {
		res.Code = Fail
		res.Err = "signature expired"
		return res
	}

	hash, hashName, err := hashFor(sig.Algorithm)
	if err != nil {
		res.Code = Permerror
		res.Err = err.Error()
		return res
	}

	key, err := v.keys.Get(ctx, sig.Selector, sig.Domain)
	if err != nil {
		if dnsx.IsTemporary(err) {
			res.Code = Temperror
		} else {
			res.Code = Permerror
		}
		res.Err = err.Error()
		return res
	}
	if key.Revoked {
		res.Code = Fail
		res.Err = "key revoked"
		return res
	}
	if !key.AllowsHash(hashName) {
		res.Code = Fail
		res.Err = fmt.Sprintf("key forbids hash %s", hashName)
		return res
	}

	// Body hash.
	canonBody := canonicalizeBody(sig.BodyCanon, body)
	if sig.BodyLength >= 0 && sig.BodyLength < int64(len(canonBody)) {
		canonBody = canonBody[:sig.BodyLength]
	}
	bh := hash.New()
	bh.Write(canonBody)
	if !bytes.Equal(bh.Sum(nil), sig.BodyHash) {
		res.Code = Fail
		res.Err = "Body hash mismatch"
		return res
	}

	// Header hash: h= names select the bottom-most unused occurrence;
	// over-signed names contribute nothing.
	hh := hash.New()
	used := make(map[string]int)
	for _, name := range sig.Headers {
		f, ok := selectHeader(fields, sigIdx, name, used)
		if !ok {
			continue
		}
		hh.Write([]byte(canonicalizeHeader(sig.HeaderCanon, f)))
		hh.Write([]byte("\r\n"))
	}
	// The signature field itself goes last, with the b= value emptied
	// and without a trailing CRLF.
	stripped := headerField{name: sigField.name, raw: stripBValue(sigField.raw)}
	hh.Write([]byte(canonicalizeHeader(sig.HeaderCanon, stripped)))
	digest := hh.Sum(nil)

	switch pub := key.Key.(type) {
	case *rsa.PublicKey:
		if sig.Algorithm == AlgEd25519SHA256 {
			res.Code = Fail
			res.Err = "key type does not match a= algorithm"
			return res
		}
		if err := rsa.VerifyPKCS1v15(pub, hash, digest, sig.B); err != nil {
			res.Code = Fail
			res.Err = "signature verification failed"
			return res
		}
	case ed25519.PublicKey:
		if sig.Algorithm != AlgEd25519SHA256 {
			res.Code = Fail
			res.Err = "key type does not match a= algorithm"
			return res
		}
		if !ed25519.Verify(pub, digest, sig.B) {
			res.Code = Fail
			res.Err = "signature verification failed"
			return res
		}
	default:
		res.Code = Temperror
		res.Err = "unsupported key material"
		return res
	}

	res.Code = Pass
	return res
}

// selectHeader picks the bottom-most not-yet-used occurrence of name,
// skipping the signature field under verification.
func selectHeader(fields []headerField, sigIdx int, name string, used map[string]int) (headerField, bool) {
	skip := used[name]
	for i := len(fields) - 1; i >= 0; i-- {
		if i == sigIdx || fields[i].name != name {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		used[name]++
		return fields[i], true
	}
	return headerField{}, false
}

// hashFor maps an a= algorithm to its hash.
func hashFor(alg string) (crypto.Hash, string, error) {
	switch alg {
	case AlgRSASHA1:
		return crypto.SHA1, "sha1", nil
	case AlgRSASHA256, AlgEd25519SHA256:
		return crypto.SHA256, "sha256", nil
	default:
		return 0, "", fmt.Errorf("unsupported algorithm %q", alg)
	}
}
