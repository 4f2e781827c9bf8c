// Package dkim verifies DKIM-Signature headers (RFC 6376, plus the
// Ed25519 variant of RFC 8463) against DNS-published keys. Each
// signature on a message is verified independently; results use the
// RFC result strings.
package dkim

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Result strings.
const (
	Pass      = "pass"
	Fail      = "fail"
	Neutral   = "neutral"
	Temperror = "temperror"
	Permerror = "permerror"
)

// Supported a= algorithms.
const (
	AlgRSASHA1       = "rsa-sha1"
	AlgRSASHA256     = "rsa-sha256"
	AlgEd25519SHA256 = "ed25519-sha256"
)

// Canonicalization modes.
const (
	CanonSimple  = "simple"
	CanonRelaxed = "relaxed"
)

// Signature is one parsed DKIM-Signature header.
type Signature struct {
	Version     string
	Algorithm   string
	B           []byte // decoded signature
	BodyHash    []byte // decoded bh=
	HeaderCanon string
	BodyCanon   string
	Domain      string   // d=
	Selector    string   // s=
	Headers     []string // h=, case-folded, order preserved
	Identity    string   // i=
	Timestamp   int64    // t=, 0 when absent
	Expiry      int64    // x=, 0 when absent
	BodyLength  int64    // l=, -1 when absent

	rawValue string // original header value, folding preserved
}

// VerifyResult is the outcome for one signature.
type VerifyResult struct {
	Code      string     `json:"result"`
	Domain    string     `json:"domain,omitempty"`
	Selector  string     `json:"selector,omitempty"`
	Signature *Signature `json:"-"`
	Err       string     `json:"error,omitempty"`
}

var requiredTags = []string{"v", "a", "d", "s", "h", "bh", "b"}

// parseSignature parses a DKIM-Signature header value into a
// Signature. The value may contain folding whitespace.
func parseSignature(value string) (*Signature, error) {
	tags, err := parseTags(value)
	if err != nil {
		return nil, err
	}
	for _, req := range requiredTags {
		if _, ok := tags[req]; !ok {
			return nil, fmt.Errorf("missing required tag %s=", req)
		}
	}

	sig := &Signature{
		Version:     tags["v"],
		Algorithm:   strings.ToLower(tags["a"]),
		Domain:      strings.ToLower(tags["d"]),
		Selector:    tags["s"],
		Identity:    tags["i"],
		HeaderCanon: CanonSimple,
		BodyCanon:   CanonSimple,
		BodyLength:  -1,
		rawValue:    value,
	}

	if sig.Version != "1" {
		return nil, fmt.Errorf("unsupported version %q", sig.Version)
	}
	switch sig.Algorithm {
	case AlgRSASHA1, AlgRSASHA256, AlgEd25519SHA256:
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", sig.Algorithm)
	}
	if sig.Domain == "" || sig.Selector == "" {
		return nil, fmt.Errorf("empty d= or s= tag")
	}

	// Whitespace inside b= and bh= is stripped before decoding.
	sig.B, err = base64.StdEncoding.DecodeString(stripWhitespace(tags["b"]))
	if err != nil {
		return nil, fmt.Errorf("bad b= value: %v", err)
	}
	sig.BodyHash, err = base64.StdEncoding.DecodeString(stripWhitespace(tags["bh"]))
	if err != nil {
		return nil, fmt.Errorf("bad bh= value: %v", err)
	}
	if len(sig.B) == 0 {
		return nil, fmt.Errorf("empty b= value")
	}

	for _, h := range strings.Split(tags["h"], ":") {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			sig.Headers = append(sig.Headers, h)
		}
	}
	if len(sig.Headers) == 0 {
		return nil, fmt.Errorf("empty h= tag")
	}
	if !containsFold(sig.Headers, "from") {
		return nil, fmt.Errorf("h= does not cover the From header")
	}

	if c, ok := tags["c"]; ok {
		if err := sig.parseCanon(c); err != nil {
			return nil, err
		}
	}
	if t, ok := tags["t"]; ok {
		if sig.Timestamp, err = strconv.ParseInt(t, 10, 64); err != nil {
			return nil, fmt.Errorf("bad t= value %q", t)
		}
	}
	if x, ok := tags["x"]; ok {
		if sig.Expiry, err = strconv.ParseInt(x, 10, 64); err != nil {
			return nil, fmt.Errorf("bad x= value %q", x)
		}
	}
	if l, ok := tags["l"]; ok {
		if sig.BodyLength, err = strconv.ParseInt(l, 10, 64); err != nil || sig.BodyLength < 0 {
			return nil, fmt.Errorf("bad l= value %q", l)
		}
	}

	return sig, nil
}

// parseCanon handles c=header/body with the body mode defaulting to
// simple when only one token is present.
func (s *Signature) parseCanon(c string) error {
	parts := strings.SplitN(c, "/", 2)
	header := strings.TrimSpace(parts[0])
	body := CanonSimple
	if len(parts) == 2 {
		body = strings.TrimSpace(parts[1])
	}
	if header != CanonSimple && header != CanonRelaxed {
		return fmt.Errorf("unknown canonicalization %q", header)
	}
	if body != CanonSimple && body != CanonRelaxed {
		return fmt.Errorf("unknown canonicalization %q", body)
	}
	s.HeaderCanon = header
	s.BodyCanon = body
	return nil
}

// parseTags splits a ;-separated tag list. Duplicate tags are an
// error per RFC 6376.
func parseTags(value string) (map[string]string, error) {
	tags := make(map[string]string)
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq < 1 {
			return nil, fmt.Errorf("malformed tag %q", part)
		}
		name := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		if _, dup := tags[name]; dup {
			return nil, fmt.Errorf("duplicate tag %s=", name)
		}
		tags[name] = val
	}
	return tags, nil
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
