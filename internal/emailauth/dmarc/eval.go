package dmarc

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/mailguard/internal/dnsx"
)

// Evaluator resolves and applies DMARC policy using a DNS resolver
// (normally the process-wide cache).
type Evaluator struct {
	resolver dnsx.Resolver
}

func NewEvaluator(resolver dnsx.Resolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

// DKIMIdentity is the slice of a DKIM verification the DMARC check
// needs: the signing domain and its RFC result string.
type DKIMIdentity struct {
	Domain string
	Result string
}

// EvalInput carries the identifiers and upstream authentication
// outcomes for one message. HeaderFrom and MailFrom are domains.
type EvalInput struct {
	HeaderFrom string
	MailFrom   string
	SPFCode    string
	DKIM       []DKIMIdentity
}

// Evaluation is the DMARC outcome for one message.
type Evaluation struct {
	Code          string  `json:"result"`
	Record        *Record `json:"record,omitempty"`
	AppliedPolicy string  `json:"appliedPolicy"`
	SPFAligned    bool    `json:"spfAligned"`
	DKIMAligned   bool    `json:"dkimAligned"`
	Reason        string  `json:"reason,omitempty"`
}

// GetRecord fetches the DMARC record for domain: TXT at
// `_dmarc.<domain>`, falling back to the organizational domain when
// the exact name publishes nothing. ErrNoRecord when neither does.
func (e *Evaluator) GetRecord(ctx context.Context, domain string) (*Record, error) {
	domain = CanonicalDomain(domain)
	if domain == "" {
		return nil, fmt.Errorf("dmarc: empty domain")
	}
	rec, err := e.recordAt(ctx, domain)
	if err != nil || rec != nil {
		return rec, err
	}
	org := OrganizationalDomain(domain)
	if org != "" && org != domain {
		rec, err = e.recordAt(ctx, org)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	return nil, ErrNoRecord
}

// recordAt looks for exactly one usable DMARC record at
// `_dmarc.<domain>`. No candidates is (nil, nil); several candidates
// or a record that fails to parse is an error the caller reports as
// permerror.
func (e *Evaluator) recordAt(ctx context.Context, domain string) (*Record, error) {
	txts, err := e.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return nil, fmt.Errorf("dmarc: lookup _dmarc.%s: %w", domain, err)
	}
	var found *Record
	for _, txt := range txts {
		t := strings.TrimSpace(txt)
		if !strings.HasPrefix(strings.ToLower(t), "v=dmarc") {
			// Unrelated TXT data (site verifications and the like).
			continue
		}
		rec, err := ParseRecord(t)
		if err != nil {
			return nil, fmt.Errorf("dmarc: record at _dmarc.%s: %w", domain, err)
		}
		if found != nil {
			return nil, fmt.Errorf("dmarc: multiple DMARC records at _dmarc.%s", domain)
		}
		found = rec
	}
	return found, nil
}

// Evaluate resolves policy for the header-from domain and computes
// identifier alignment. The verdict is pass when either the SPF or any
// passing DKIM identity aligns; the applied policy honors sp= for
// strict subdomains. pct= is carried on the record but never downgrades
// the applied policy here.
func (e *Evaluator) Evaluate(ctx context.Context, in EvalInput) *Evaluation {
	headerFrom := CanonicalDomain(in.HeaderFrom)
	if headerFrom == "" {
		return &Evaluation{Code: Permerror, AppliedPolicy: PolicyNone, Reason: "empty header-from domain"}
	}

	rec, err := e.GetRecord(ctx, headerFrom)
	if err != nil {
		ev := &Evaluation{AppliedPolicy: PolicyNone}
		switch {
		case err == ErrNoRecord:
			ev.Code = None
		case dnsx.IsTemporary(err):
			ev.Code = Temperror
			ev.Reason = err.Error()
		default:
			ev.Code = Permerror
			ev.Reason = err.Error()
		}
		return ev
	}

	ev := &Evaluation{Record: rec}
	ev.SPFAligned = in.SPFCode == Pass && aligned(headerFrom, CanonicalDomain(in.MailFrom), rec.SPFAlignment)
	for _, id := range in.DKIM {
		if id.Result == Pass && aligned(headerFrom, CanonicalDomain(id.Domain), rec.DKIMAlignment) {
			ev.DKIMAligned = true
			break
		}
	}

	if ev.SPFAligned || ev.DKIMAligned {
		ev.Code = Pass
	} else {
		ev.Code = Fail
		ev.Reason = "no aligned authenticated identifier"
	}

	ev.AppliedPolicy = rec.Policy
	if rec.SubdomainPolicy != "" && isSubdomain(headerFrom, OrganizationalDomain(headerFrom)) {
		ev.AppliedPolicy = rec.SubdomainPolicy
	}
	return ev
}

// aligned applies the strict or relaxed identifier-alignment rule.
func aligned(headerFrom, authDomain, mode string) bool {
	if authDomain == "" {
		return false
	}
	if mode == AlignStrict {
		return headerFrom == authDomain
	}
	return OrganizationalDomain(headerFrom) == OrganizationalDomain(authDomain)
}
