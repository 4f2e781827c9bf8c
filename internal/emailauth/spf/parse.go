package spf

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const versionTag = "v=spf1"

// IsSPF reports whether a TXT record is an SPF policy. The prefix
// match is exact: "v=spf10" is a different (non-SPF) version.
func IsSPF(txt string) bool {
	return txt == versionTag || strings.HasPrefix(txt, versionTag+" ")
}

// FilterRecords returns the SPF policies among a domain's TXT records.
func FilterRecords(txts []string) []string {
	var out []string
	for _, t := range txts {
		if IsSPF(t) {
			out = append(out, t)
		}
	}
	return out
}

// Parse turns one v=spf1 record into a Record. Unknown mechanisms and
// malformed terms are permanent errors; unknown modifiers are ignored
// per RFC 7208.
func Parse(raw string) (*Record, error) {
	if !IsSPF(raw) {
		return nil, fmt.Errorf("not an spf record: %q", raw)
	}
	rec := &Record{}
	terms := strings.Fields(strings.TrimPrefix(raw, versionTag))
	for _, term := range terms {
		if eq := strings.Index(term, "="); eq > 0 && isModifierName(term[:eq]) {
			// modifier
			name := strings.ToLower(term[:eq])
			val := term[eq+1:]
			switch name {
			case "redirect":
				if err := checkDomainSpec(val); err != nil {
					return nil, err
				}
				rec.Redirect = strings.ToLower(val)
			case "exp":
				rec.Exp = val
			default:
				// unrecognized modifiers are ignored
			}
			continue
		}

		mech, err := parseMechanism(term)
		if err != nil {
			return nil, err
		}
		rec.Mechanisms = append(rec.Mechanisms, mech)
	}
	return rec, nil
}

func parseMechanism(term string) (Mechanism, error) {
	m := Mechanism{Qualifier: '+', CIDR4: -1, CIDR6: -1}

	switch term[0] {
	case '+', '-', '~', '?':
		m.Qualifier = term[0]
		term = term[1:]
	}
	if term == "" {
		return m, fmt.Errorf("empty mechanism")
	}

	name := strings.ToLower(term)
	rest := ""
	if i := strings.IndexAny(term, ":/"); i >= 0 {
		name = strings.ToLower(term[:i])
		rest = term[i:]
	}

	switch name {
	case MechAll, MechPTR:
		if strings.HasPrefix(rest, ":") {
			return m, fmt.Errorf("mechanism %q takes no value", name)
		}
		m.Type = name
		return m, nil

	case MechIP4, MechIP6:
		if !strings.HasPrefix(rest, ":") {
			return m, fmt.Errorf("mechanism %q requires an address", name)
		}
		// A single "/N" suffix lands in the c4 slot of the splitter.
		val, prefix, c6, err := splitDualCIDR(rest[1:])
		if err != nil {
			return m, err
		}
		if val == "" || c6 != -1 {
			return m, fmt.Errorf("bad address in %q", term)
		}
		ip := net.ParseIP(val)
		if ip == nil {
			return m, fmt.Errorf("bad address in %q", term)
		}
		m.Type = name
		m.Value = val
		if name == MechIP4 {
			if ip.To4() == nil || strings.Contains(val, ":") || prefix > 32 {
				return m, fmt.Errorf("bad ip4 term %q", term)
			}
			m.CIDR4 = prefix
		} else {
			if !strings.Contains(val, ":") || prefix > 128 {
				return m, fmt.Errorf("bad ip6 term %q", term)
			}
			m.CIDR6 = prefix
		}
		return m, nil

	case MechA, MechMX:
		// Forms: "a", "a:dom", "a:dom/24//64", "a/24", "a//64".
		s := strings.TrimPrefix(rest, ":")
		val, c4, c6, err := splitDualCIDR(s)
		if err != nil {
			return m, err
		}
		if val != "" {
			if err := checkDomainSpec(val); err != nil {
				return m, err
			}
		}
		if c4 > 32 || c6 > 128 {
			return m, fmt.Errorf("bad prefix length in %q", term)
		}
		m.Type = name
		m.Value = strings.ToLower(val)
		m.CIDR4, m.CIDR6 = c4, c6
		return m, nil

	case MechExists, MechInclude:
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return m, fmt.Errorf("mechanism %q requires a domain", name)
		}
		val := rest[1:]
		if strings.Contains(val, "/") {
			return m, fmt.Errorf("mechanism %q takes no prefix length", name)
		}
		if err := checkDomainSpec(val); err != nil {
			return m, err
		}
		m.Type = name
		m.Value = strings.ToLower(val)
		return m, nil

	default:
		return m, fmt.Errorf("unknown mechanism %q", name)
	}
}

// splitDualCIDR splits "value[/c4][//c6]" into its parts. Missing
// prefixes come back as -1.
func splitDualCIDR(s string) (value string, c4, c6 int, err error) {
	c4, c6 = -1, -1
	base := s
	if j := strings.Index(s, "//"); j >= 0 {
		base = s[:j]
		c6, err = parsePrefix(s[j+2:], 128)
		if err != nil {
			return "", 0, 0, err
		}
	}
	value = base
	if i := strings.Index(base, "/"); i >= 0 {
		value = base[:i]
		c4, err = parsePrefix(base[i+1:], 128)
		if err != nil {
			return "", 0, 0, err
		}
	}
	return value, c4, c6, nil
}

func parsePrefix(s string, max int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > max {
		return 0, fmt.Errorf("bad cidr prefix %q", s)
	}
	return n, nil
}

// isModifierName reports whether s is a valid modifier name per the
// RFC 7208 ABNF: alpha first, then alphanumerics, "-", "_" or ".".
func isModifierName(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.'):
		default:
			return false
		}
	}
	return len(s) > 0
}

// checkDomainSpec rejects domain-specs this evaluator cannot handle.
// Macro expansion is out of scope, so any macro escape is a permanent
// error rather than a silently wrong match.
func checkDomainSpec(s string) error {
	if s == "" {
		return fmt.Errorf("empty domain")
	}
	if strings.Contains(s, "%") {
		return fmt.Errorf("macros are not supported: %q", s)
	}
	if len(s) > 253 {
		return fmt.Errorf("domain too long: %q", s)
	}
	return nil
}
