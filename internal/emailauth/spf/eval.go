package spf

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/ignite/mailguard/internal/dnsx"
)

// DefaultMaxLookups is the RFC 7208 DNS-lookup budget. The initial TXT
// fetch on the policy domain is free; a, mx, include, exists, redirect
// and every MX exchange resolution count against it.
const DefaultMaxLookups = 10

// maxMXExchanges caps how many exchanges of one MX answer are chased.
const maxMXExchanges = 10

// Evaluator runs SPF checks against a DNS resolver (normally the
// process-wide cache).
type Evaluator struct {
	resolver   dnsx.Resolver
	maxLookups int
}

// NewEvaluator returns an Evaluator with the standard lookup budget.
func NewEvaluator(resolver dnsx.Resolver) *Evaluator {
	return &Evaluator{resolver: resolver, maxLookups: DefaultMaxLookups}
}

// Validate evaluates domain's SPF policy for a message sent from
// senderIP with the given envelope sender. DNS trouble comes back as
// temperror, policy problems as permerror; the method itself never
// fails.
func (e *Evaluator) Validate(ctx context.Context, senderIP, sender, domain string) *Result {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	res := &Result{Domain: domain}

	ip := net.ParseIP(strings.TrimSpace(senderIP))
	if ip == nil {
		res.Code = Permerror
		res.Reason = fmt.Sprintf("invalid sender ip %q", senderIP)
		return res
	}
	// ::ffff:a.b.c.d senders take the IPv4 path.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if domain == "" {
		res.Code = Permerror
		res.Reason = "empty domain"
		return res
	}

	s := &session{
		ev:     e,
		ip:     ip,
		isV4:   ip.To4() != nil,
		sender: sender,
	}
	code, mech, reason := s.checkHost(ctx, domain)
	res.Code = code
	res.Mechanism = mech
	res.Reason = reason
	res.LookupCount = s.lookups
	return res
}

type session struct {
	ev      *Evaluator
	ip      net.IP
	isV4    bool
	sender  string
	lookups int
}

// bump consumes one unit of the lookup budget.
func (s *session) bump() bool {
	s.lookups++
	return s.lookups <= s.ev.maxLookups
}

const budgetReason = "dns lookup budget exceeded"

// checkHost fetches and evaluates the SPF policy of domain.
func (s *session) checkHost(ctx context.Context, domain string) (string, *Mechanism, string) {
	txts, err := s.ev.resolver.LookupTXT(ctx, domain)
	if err != nil {
		return Temperror, nil, fmt.Sprintf("txt lookup for %s failed: %v", domain, err)
	}
	records := FilterRecords(txts)
	switch {
	case len(records) == 0:
		return None, nil, ""
	case len(records) > 1:
		return Permerror, nil, fmt.Sprintf("%d spf records on %s", len(records), domain)
	}

	rec, err := Parse(records[0])
	if err != nil {
		return Permerror, nil, err.Error()
	}
	return s.evalRecord(ctx, domain, rec)
}

func (s *session) evalRecord(ctx context.Context, domain string, rec *Record) (string, *Mechanism, string) {
	for i := range rec.Mechanisms {
		m := &rec.Mechanisms[i]
		matched, code, reason := s.matchMechanism(ctx, domain, m)
		if code != "" {
			return code, m, reason
		}
		if matched {
			return qualifierResult[m.Qualifier], m, ""
		}
	}

	if rec.Redirect != "" {
		if !s.bump() {
			return Permerror, nil, budgetReason
		}
		code, mech, reason := s.checkHost(ctx, rec.Redirect)
		if code == None {
			return Permerror, nil, fmt.Sprintf("redirect target %s has no spf record", rec.Redirect)
		}
		return code, mech, reason
	}

	return Neutral, nil, ""
}

// matchMechanism returns (matched, shortCircuitCode, reason). A
// non-empty code aborts evaluation with that result.
func (s *session) matchMechanism(ctx context.Context, domain string, m *Mechanism) (bool, string, string) {
	switch m.Type {
	case MechAll:
		return true, "", ""

	case MechIP4:
		if !s.isV4 {
			return false, "", ""
		}
		return ipInCIDR(s.ip, m.Value, m.CIDR4), "", ""

	case MechIP6:
		if s.isV4 {
			return false, "", ""
		}
		return ipInCIDR(s.ip, m.Value, m.CIDR6), "", ""

	case MechA:
		if !s.bump() {
			return false, Permerror, budgetReason
		}
		target := m.Value
		if target == "" {
			target = domain
		}
		addrs, err := s.lookupAddrs(ctx, target)
		if err != nil {
			return false, Temperror, fmt.Sprintf("a lookup for %s failed: %v", target, err)
		}
		return s.anyAddrMatches(addrs, m), "", ""

	case MechMX:
		if !s.bump() {
			return false, Permerror, budgetReason
		}
		target := m.Value
		if target == "" {
			target = domain
		}
		mxs, err := s.ev.resolver.LookupMX(ctx, target)
		if err != nil {
			return false, Temperror, fmt.Sprintf("mx lookup for %s failed: %v", target, err)
		}
		if len(mxs) > maxMXExchanges {
			return false, Permerror, fmt.Sprintf("%d mx records on %s", len(mxs), target)
		}
		for _, mx := range mxs {
			if !s.bump() {
				return false, Permerror, budgetReason
			}
			addrs, err := s.lookupAddrs(ctx, mx.Host)
			if err != nil {
				return false, Temperror, fmt.Sprintf("mx host lookup for %s failed: %v", mx.Host, err)
			}
			if s.anyAddrMatches(addrs, m) {
				return true, "", ""
			}
		}
		return false, "", ""

	case MechPTR:
		// Deprecated; evaluated as a no-lookup non-match.
		return false, "", ""

	case MechExists:
		if !s.bump() {
			return false, Permerror, budgetReason
		}
		ips, err := s.ev.resolver.LookupA(ctx, m.Value)
		if err != nil {
			return false, Temperror, fmt.Sprintf("exists lookup for %s failed: %v", m.Value, err)
		}
		return len(ips) > 0, "", ""

	case MechInclude:
		if !s.bump() {
			return false, Permerror, budgetReason
		}
		code, _, reason := s.checkHost(ctx, m.Value)
		switch code {
		case Pass:
			return true, "", ""
		case Fail, Softfail, Neutral:
			return false, "", ""
		case Temperror:
			return false, Temperror, reason
		case None:
			return false, Permerror, fmt.Sprintf("include target %s has no spf record", m.Value)
		default:
			return false, Permerror, reason
		}

	default:
		return false, Permerror, fmt.Sprintf("unknown mechanism %q", m.Type)
	}
}

// lookupAddrs resolves the record type matching the sender's family.
func (s *session) lookupAddrs(ctx context.Context, domain string) ([]string, error) {
	if s.isV4 {
		return s.ev.resolver.LookupA(ctx, domain)
	}
	return s.ev.resolver.LookupAAAA(ctx, domain)
}

func (s *session) anyAddrMatches(addrs []string, m *Mechanism) bool {
	bits := m.CIDR4
	if !s.isV4 {
		bits = m.CIDR6
	}
	for _, a := range addrs {
		if ipInCIDR(s.ip, a, bits) {
			return true
		}
	}
	return false
}

// ipInCIDR reports whether ip falls in addr/bits. bits < 0 means an
// exact host match.
func ipInCIDR(ip net.IP, addr string, bits int) bool {
	base := net.ParseIP(addr)
	if base == nil {
		return false
	}
	if v4 := base.To4(); v4 != nil {
		base = v4
	}
	if (base.To4() != nil) != (ip.To4() != nil) {
		return false
	}
	if bits < 0 {
		return ip.Equal(base)
	}
	mask := net.CIDRMask(bits, len(base)*8)
	if mask == nil {
		return false
	}
	network := &net.IPNet{IP: base.Mask(mask), Mask: mask}
	return network.Contains(ip)
}
