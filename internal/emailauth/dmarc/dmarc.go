// Package dmarc resolves DMARC (RFC 7489) policy records and evaluates
// identifier alignment over SPF and DKIM outcomes.
package dmarc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// RFC 7489 result strings.
const (
	Pass      = "pass"
	Fail      = "fail"
	None      = "none"
	Temperror = "temperror"
	Permerror = "permerror"
)

// Policy values for p= and sp=.
const (
	PolicyNone       = "none"
	PolicyQuarantine = "quarantine"
	PolicyReject     = "reject"
)

// Alignment modes for adkim= and aspf=.
const (
	AlignStrict  = "s"
	AlignRelaxed = "r"
)

// ErrNoRecord means neither the exact domain nor its organizational
// domain publishes a DMARC record.
var ErrNoRecord = errors.New("no DMARC record")

// Record is a parsed v=DMARC1 policy.
type Record struct {
	Version         string   `json:"v"`
	Policy          string   `json:"p"`
	SubdomainPolicy string   `json:"sp,omitempty"`
	Percent         int      `json:"pct"`
	DKIMAlignment   string   `json:"adkim"`
	SPFAlignment    string   `json:"aspf"`
	AggregateURIs   []string `json:"rua,omitempty"`
	FailureURIs     []string `json:"ruf,omitempty"`
	ReportInterval  int      `json:"ri,omitempty"`
	FailureOptions  string   `json:"fo,omitempty"`
	Raw             string   `json:"-"`
}

var policyValues = map[string]bool{
	PolicyNone:       true,
	PolicyQuarantine: true,
	PolicyReject:     true,
}

// ParseRecord parses one TXT record already known to carry v=DMARC1.
// Unknown tags are ignored per the RFC; a missing or invalid p= is a
// hard parse error.
func ParseRecord(raw string) (*Record, error) {
	tags, err := parseTags(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(tags["v"], "DMARC1") {
		return nil, fmt.Errorf("version %q is not DMARC1", tags["v"])
	}
	rec := &Record{
		Version:       "DMARC1",
		Percent:       100,
		DKIMAlignment: AlignRelaxed,
		SPFAlignment:  AlignRelaxed,
		Raw:           raw,
	}

	p := strings.ToLower(tags["p"])
	if p == "" {
		return nil, errors.New("missing required p= tag")
	}
	if !policyValues[p] {
		return nil, fmt.Errorf("invalid policy %q", tags["p"])
	}
	rec.Policy = p

	if sp, ok := tags["sp"]; ok {
		sp = strings.ToLower(sp)
		if !policyValues[sp] {
			return nil, fmt.Errorf("invalid subdomain policy %q", tags["sp"])
		}
		rec.SubdomainPolicy = sp
	}
	if pct, ok := tags["pct"]; ok {
		n, err := strconv.Atoi(pct)
		if err != nil || n < 0 || n > 100 {
			return nil, fmt.Errorf("invalid pct %q", pct)
		}
		rec.Percent = n
	}
	if a, ok := tags["adkim"]; ok {
		a = strings.ToLower(a)
		if a != AlignStrict && a != AlignRelaxed {
			return nil, fmt.Errorf("invalid adkim %q", tags["adkim"])
		}
		rec.DKIMAlignment = a
	}
	if a, ok := tags["aspf"]; ok {
		a = strings.ToLower(a)
		if a != AlignStrict && a != AlignRelaxed {
			return nil, fmt.Errorf("invalid aspf %q", tags["aspf"])
		}
		rec.SPFAlignment = a
	}
	if rua, ok := tags["rua"]; ok {
		rec.AggregateURIs = splitURIs(rua)
	}
	if ruf, ok := tags["ruf"]; ok {
		rec.FailureURIs = splitURIs(ruf)
	}
	if ri, ok := tags["ri"]; ok {
		if n, err := strconv.Atoi(ri); err == nil && n >= 0 {
			rec.ReportInterval = n
		}
	}
	if fo, ok := tags["fo"]; ok {
		rec.FailureOptions = fo
	}
	return rec, nil
}

// parseTags splits a "k=v; k=v" tag list. Tag names fold to lowercase;
// values keep their case for the caller to interpret.
func parseTags(raw string) (map[string]string, error) {
	tags := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed tag %q", part)
		}
		tags[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return tags, nil
}

func splitURIs(v string) []string {
	var out []string
	for _, u := range strings.Split(v, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// OrganizationalDomain returns the registrable domain under the public
// suffix, falling back to the input when the PSL has no answer (the
// input already is a suffix, single-label hosts, and so on).
func OrganizationalDomain(domain string) string {
	domain = CanonicalDomain(domain)
	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return org
}

// CanonicalDomain lowercases and strips the trailing root dot.
func CanonicalDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
}

// isSubdomain reports whether child sits strictly below parent.
func isSubdomain(child, parent string) bool {
	return child != parent && strings.HasSuffix(child, "."+parent)
}
