package spf

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailguard/internal/dnsx"
)

func evalWith(r dnsx.Resolver) *Evaluator {
	return NewEvaluator(r)
}

func TestIsSPF(t *testing.T) {
	tests := []struct {
		txt      string
		expected bool
	}{
		{"v=spf1 -all", true},
		{"v=spf1", true},
		{"v=spf10", false},
		{"v=spf10 -all", false},
		{"V=SPF1 -all", false},
		{"spf1 -all", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.txt, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsSPF(tt.txt))
		})
	}
}

func TestParseMechanisms(t *testing.T) {
	rec, err := Parse("v=spf1 ip4:192.0.2.0/24 +mx a:mail.example.com/28 -exists:stop.example.net ~all")
	require.NoError(t, err)
	require.Len(t, rec.Mechanisms, 5)

	assert.Equal(t, Mechanism{Qualifier: '+', Type: "ip4", Value: "192.0.2.0", CIDR4: 24, CIDR6: -1}, rec.Mechanisms[0])
	assert.Equal(t, Mechanism{Qualifier: '+', Type: "mx", CIDR4: -1, CIDR6: -1}, rec.Mechanisms[1])
	assert.Equal(t, Mechanism{Qualifier: '+', Type: "a", Value: "mail.example.com", CIDR4: 28, CIDR6: -1}, rec.Mechanisms[2])
	assert.Equal(t, Mechanism{Qualifier: '-', Type: "exists", Value: "stop.example.net", CIDR4: -1, CIDR6: -1}, rec.Mechanisms[3])
	assert.Equal(t, Mechanism{Qualifier: '~', Type: "all", CIDR4: -1, CIDR6: -1}, rec.Mechanisms[4])
}

func TestParseDualCIDR(t *testing.T) {
	rec, err := Parse("v=spf1 a:example.com/24//64 mx//96 a/24 -all")
	require.NoError(t, err)
	require.Len(t, rec.Mechanisms, 4)

	assert.Equal(t, 24, rec.Mechanisms[0].CIDR4)
	assert.Equal(t, 64, rec.Mechanisms[0].CIDR6)
	assert.Equal(t, -1, rec.Mechanisms[1].CIDR4)
	assert.Equal(t, 96, rec.Mechanisms[1].CIDR6)
	assert.Equal(t, 24, rec.Mechanisms[2].CIDR4)
	assert.Equal(t, "", rec.Mechanisms[2].Value)
}

func TestParseModifiers(t *testing.T) {
	rec, err := Parse("v=spf1 mx redirect=_spf.example.com exp=explain.example.com unknown=ignored -all")
	require.NoError(t, err)
	assert.Equal(t, "_spf.example.com", rec.Redirect)
	assert.Equal(t, "explain.example.com", rec.Exp)
	assert.Len(t, rec.Mechanisms, 2)
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"v=spf1 bogus",
		"v=spf1 ip4:not-an-ip",
		"v=spf1 ip4:2001:db8::1",
		"v=spf1 ip6:192.0.2.1",
		"v=spf1 ip4:192.0.2.0/33",
		"v=spf1 include",
		"v=spf1 include:",
		"v=spf1 exists:%{i}.example.com",
		"v=spf1 all:value",
		"v=spf1 a:example.com/99",
	}

	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			_, err := Parse(raw)
			assert.Error(t, err)
		})
	}
}

func TestValidateExactIP(t *testing.T) {
	r := dnsx.NewStatic().AddTXT("example.com", "v=spf1 ip4:192.0.2.1 -all")

	res := evalWith(r).Validate(context.Background(), "192.0.2.1", "a@example.com", "example.com")

	assert.Equal(t, Pass, res.Code)
	require.NotNil(t, res.Mechanism)
	assert.Equal(t, "ip4", res.Mechanism.Type)
	assert.Zero(t, res.LookupCount)
}

func TestValidateQualifiers(t *testing.T) {
	tests := []struct {
		record   string
		expected string
	}{
		{"v=spf1 -all", Fail},
		{"v=spf1 ~all", Softfail},
		{"v=spf1 ?all", Neutral},
		{"v=spf1 +all", Pass},
		{"v=spf1 all", Pass},
	}

	for _, tt := range tests {
		t.Run(tt.record, func(t *testing.T) {
			r := dnsx.NewStatic().AddTXT("example.com", tt.record)
			res := evalWith(r).Validate(context.Background(), "203.0.113.9", "a@example.com", "example.com")
			assert.Equal(t, tt.expected, res.Code)
		})
	}
}

func TestValidateIPv4MappedIPv6(t *testing.T) {
	r := dnsx.NewStatic().AddTXT("example.com", "v=spf1 ip4:192.0.2.0/24 -all")

	res := evalWith(r).Validate(context.Background(), "::ffff:192.0.2.55", "a@example.com", "example.com")
	assert.Equal(t, Pass, res.Code)
}

func TestValidateIP6(t *testing.T) {
	r := dnsx.NewStatic().AddTXT("example.com", "v=spf1 ip6:2001:db8::/32 -all")

	res := evalWith(r).Validate(context.Background(), "2001:db8::99", "a@example.com", "example.com")
	assert.Equal(t, Pass, res.Code)

	res = evalWith(r).Validate(context.Background(), "2001:db9::1", "a@example.com", "example.com")
	assert.Equal(t, Fail, res.Code)
}

func TestValidateNoRecord(t *testing.T) {
	r := dnsx.NewStatic().AddTXT("example.com", "some unrelated txt", "v=spf10 future")

	res := evalWith(r).Validate(context.Background(), "192.0.2.1", "a@example.com", "example.com")
	assert.Equal(t, None, res.Code)
}

func TestValidateMultipleRecordsIsPermerror(t *testing.T) {
	r := dnsx.NewStatic().AddTXT("example.com", "v=spf1 -all", "v=spf1 +all")

	res := evalWith(r).Validate(context.Background(), "192.0.2.1", "a@example.com", "example.com")
	assert.Equal(t, Permerror, res.Code)
}

func TestValidateAMechanism(t *testing.T) {
	r := dnsx.NewStatic().
		AddTXT("example.com", "v=spf1 a -all").
		AddA("example.com", "192.0.2.10")

	res := evalWith(r).Validate(context.Background(), "192.0.2.10", "a@example.com", "example.com")
	assert.Equal(t, Pass, res.Code)
	assert.Equal(t, 1, res.LookupCount)

	res = evalWith(r).Validate(context.Background(), "192.0.2.11", "a@example.com", "example.com")
	assert.Equal(t, Fail, res.Code)
}

func TestValidateMXCountsPerExchange(t *testing.T) {
	r := dnsx.NewStatic().
		AddTXT("example.com", "v=spf1 mx -all").
		AddMX("example.com", 10, "mx1.example.com").
		AddMX("example.com", 20, "mx2.example.com").
		AddA("mx1.example.com", "198.51.100.1").
		AddA("mx2.example.com", "198.51.100.2")

	res := evalWith(r).Validate(context.Background(), "198.51.100.2", "a@example.com", "example.com")
	assert.Equal(t, Pass, res.Code)
	// one for mx itself, one per exchange resolved
	assert.Equal(t, 3, res.LookupCount)
}

func TestValidateExists(t *testing.T) {
	r := dnsx.NewStatic().
		AddTXT("example.com", "v=spf1 exists:gate.example.com -all").
		AddA("gate.example.com", "127.0.0.2")

	res := evalWith(r).Validate(context.Background(), "203.0.113.1", "a@example.com", "example.com")
	assert.Equal(t, Pass, res.Code)
}

func TestValidatePtrNeverMatches(t *testing.T) {
	r := dnsx.NewStatic().AddTXT("example.com", "v=spf1 ptr -all")

	res := evalWith(r).Validate(context.Background(), "192.0.2.1", "a@example.com", "example.com")
	assert.Equal(t, Fail, res.Code)
	assert.Zero(t, res.LookupCount)
}

func TestValidateIncludePass(t *testing.T) {
	r := dnsx.NewStatic().
		AddTXT("example.com", "v=spf1 include:_spf.example.net -all").
		AddTXT("_spf.example.net", "v=spf1 ip4:192.0.2.0/24 -all")

	res := evalWith(r).Validate(context.Background(), "192.0.2.77", "a@example.com", "example.com")
	assert.Equal(t, Pass, res.Code)
	assert.Equal(t, 1, res.LookupCount)
}

func TestValidateIncludeFailContinues(t *testing.T) {
	r := dnsx.NewStatic().
		AddTXT("example.com", "v=spf1 include:_spf.example.net ~all").
		AddTXT("_spf.example.net", "v=spf1 -all")

	res := evalWith(r).Validate(context.Background(), "203.0.113.1", "a@example.com", "example.com")
	assert.Equal(t, Softfail, res.Code)
}

func TestValidateIncludeOfMissingRecordIsPermerror(t *testing.T) {
	r := dnsx.NewStatic().AddTXT("example.com", "v=spf1 include:_spf.example.net -all")

	res := evalWith(r).Validate(context.Background(), "203.0.113.1", "a@example.com", "example.com")
	assert.Equal(t, Permerror, res.Code)
}

func TestValidateIncludeTemperrorPropagates(t *testing.T) {
	r := dnsx.NewStatic().
		AddTXT("example.com", "v=spf1 include:_spf.example.net -all").
		SetErr("_spf.example.net", &net.DNSError{Err: "servfail", IsTemporary: true})

	res := evalWith(r).Validate(context.Background(), "203.0.113.1", "a@example.com", "example.com")
	assert.Equal(t, Temperror, res.Code)
}

func TestValidateRedirect(t *testing.T) {
	r := dnsx.NewStatic().
		AddTXT("example.com", "v=spf1 redirect=_spf.example.org").
		AddTXT("_spf.example.org", "v=spf1 ip4:192.0.2.0/24 -all")

	res := evalWith(r).Validate(context.Background(), "192.0.2.3", "a@example.com", "example.com")
	assert.Equal(t, Pass, res.Code)
	assert.Equal(t, 1, res.LookupCount)
}

func TestValidateRedirectToMissingRecordIsPermerror(t *testing.T) {
	r := dnsx.NewStatic().AddTXT("example.com", "v=spf1 redirect=_spf.example.org")

	res := evalWith(r).Validate(context.Background(), "192.0.2.3", "a@example.com", "example.com")
	assert.Equal(t, Permerror, res.Code)
}

func TestValidateBudgetExhaustion(t *testing.T) {
	r := dnsx.NewStatic()
	// d0 includes d1 includes d2 ... includes d11
	for i := 0; i < 11; i++ {
		r.AddTXT(fmt.Sprintf("d%d.example.com", i),
			fmt.Sprintf("v=spf1 include:d%d.example.com -all", i+1))
	}
	r.AddTXT("d11.example.com", "v=spf1 +all")

	res := evalWith(r).Validate(context.Background(), "203.0.113.1", "a@d0.example.com", "d0.example.com")
	assert.Equal(t, Permerror, res.Code)
	assert.Greater(t, res.LookupCount, 10)
	assert.Equal(t, 11, res.LookupCount)
}

func TestValidateTemperrorOnDNSFailure(t *testing.T) {
	r := dnsx.NewStatic().SetErr("example.com", &net.DNSError{Err: "timeout", IsTimeout: true})

	res := evalWith(r).Validate(context.Background(), "192.0.2.1", "a@example.com", "example.com")
	assert.Equal(t, Temperror, res.Code)
}

func TestValidateInvalidSenderIP(t *testing.T) {
	r := dnsx.NewStatic().AddTXT("example.com", "v=spf1 -all")

	res := evalWith(r).Validate(context.Background(), "not-an-ip", "a@example.com", "example.com")
	assert.Equal(t, Permerror, res.Code)
}

func TestValidateUnknownMechanismIsPermerror(t *testing.T) {
	r := dnsx.NewStatic().AddTXT("example.com", "v=spf1 ip4:192.0.2.1 futuremech -all")

	res := evalWith(r).Validate(context.Background(), "203.0.113.5", "a@example.com", "example.com")
	assert.Equal(t, Permerror, res.Code)
}

func TestValidateResultIsDeterministic(t *testing.T) {
	r := dnsx.NewStatic().
		AddTXT("example.com", "v=spf1 a mx -all").
		AddA("example.com", "192.0.2.10").
		AddMX("example.com", 10, "mx1.example.com").
		AddA("mx1.example.com", "198.51.100.1")

	e := evalWith(r)
	first := e.Validate(context.Background(), "198.51.100.1", "a@example.com", "example.com")
	for i := 0; i < 5; i++ {
		again := e.Validate(context.Background(), "198.51.100.1", "a@example.com", "example.com")
		assert.Equal(t, first.Code, again.Code)
		assert.Equal(t, first.LookupCount, again.LookupCount)
	}
}
