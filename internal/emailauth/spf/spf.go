// Package spf parses and evaluates SPF (RFC 7208) policies against a
// sending IP. Results use the RFC result strings; DNS churn is bounded
// by the standard 10-lookup budget.
package spf

// RFC 7208 result strings. These exact values end up in stored
// verdicts, so they are plain strings rather than an enum.
const (
	Pass      = "pass"
	Fail      = "fail"
	Softfail  = "softfail"
	Neutral   = "neutral"
	None      = "none"
	Temperror = "temperror"
	Permerror = "permerror"
)

// Mechanism types.
const (
	MechAll     = "all"
	MechIP4     = "ip4"
	MechIP6     = "ip6"
	MechA       = "a"
	MechMX      = "mx"
	MechPTR     = "ptr"
	MechExists  = "exists"
	MechInclude = "include"
)

// Mechanism is one parsed term of an SPF record. CIDR4/CIDR6 are -1
// when the record does not carry an explicit prefix length.
type Mechanism struct {
	Qualifier byte   `json:"qualifier"`
	Type      string `json:"type"`
	Value     string `json:"value,omitempty"`
	CIDR4     int    `json:"cidr4,omitempty"`
	CIDR6     int    `json:"cidr6,omitempty"`
}

// String renders the mechanism roughly as it appeared in the record.
func (m Mechanism) String() string {
	s := string(m.Qualifier) + m.Type
	if m.Value != "" {
		s += ":" + m.Value
	}
	return s
}

// qualifierResult maps a qualifier to its match result.
var qualifierResult = map[byte]string{
	'+': Pass,
	'-': Fail,
	'~': Softfail,
	'?': Neutral,
}

// Record is one parsed v=spf1 policy. Mechanisms preserve record
// order; Redirect and Exp are the post-mechanism modifiers.
type Record struct {
	Mechanisms []Mechanism
	Redirect   string
	Exp        string
}

// Result is the outcome of evaluating a domain's policy for a sender.
type Result struct {
	Code        string     `json:"result"`
	Mechanism   *Mechanism `json:"mechanism,omitempty"`
	LookupCount int        `json:"lookupCount"`
	Domain      string     `json:"domain"`
	Reason      string     `json:"reason,omitempty"`
}
