package pipeline

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/ignite/mailguard/internal/emailauth/dkim"
	"github.com/ignite/mailguard/internal/emailauth/dmarc"
	"github.com/ignite/mailguard/internal/emailauth/spf"
	"github.com/ignite/mailguard/internal/message"
)

// Brand names impersonated in display-name spoofing. Matched against
// the display name and checked for absence in the sending domain.
var spoofedBrands = []string{
	"paypal", "amazon", "microsoft", "apple", "google", "facebook",
	"netflix", "docusign", "dropbox", "adobe", "chase", "wells fargo",
	"bank of america", "irs", "fedex", "ups", "dhl",
}

// Executive-impersonation and wire-fraud phrasing typical of BEC.
var becPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwire (the )?(funds|money|payment|transfer)\b`),
	regexp.MustCompile(`(?i)\bchange\b.{0,20}\b(bank|payment|account) (details|information)\b`),
	regexp.MustCompile(`(?i)\bare you (at your desk|available|free)\b`),
	regexp.MustCompile(`(?i)\bneed (you to|a) (handle|process|complete)\b.{0,30}\b(payment|transaction|transfer)\b`),
	regexp.MustCompile(`(?i)\bconfidential\b.{0,30}\b(acquisition|transaction|deal)\b`),
	regexp.MustCompile(`(?i)\bupdate\b.{0,20}\bdirect deposit\b`),
}

// Urgency pressure phrasing.
var urgencyPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\burgent(ly)?\b`),
	regexp.MustCompile(`(?i)\bimmediate(ly| action)\b`),
	regexp.MustCompile(`(?i)\bact now\b`),
	regexp.MustCompile(`(?i)\bwithin 24 hours\b`),
	regexp.MustCompile(`(?i)\bbefore (it'?s|it is) too late\b`),
	regexp.MustCompile(`(?i)\b(right away|asap)\b`),
	regexp.MustCompile(`(?i)\baccount will be (suspended|closed|locked)\b`),
	regexp.MustCompile(`(?i)\bfinal (notice|warning)\b`),
}

// Gift-card fraud phrasing.
var giftCardPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bgift ?cards?\b`),
	regexp.MustCompile(`(?i)\b(itunes|google play|amazon|steam|ebay) cards?\b`),
	regexp.MustCompile(`(?i)\bscratch (off )?the (back|code)\b`),
	regexp.MustCompile(`(?i)\bsend (me )?(the )?(card )?(numbers?|codes?|pins?)\b`),
	regexp.MustCompile(`(?i)\bbuy\b.{0,30}\bcards?\b.{0,40}\b(send|email|text)\b`),
}

// Credential-phishing call-to-action phrasing.
var credentialPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bverify your (account|identity|password|email)\b`),
	regexp.MustCompile(`(?i)\bconfirm your (account|identity|password|payment)\b`),
	regexp.MustCompile(`(?i)\b(re-?)?activate your account\b`),
	regexp.MustCompile(`(?i)\bunusual (sign-?in|activity|login)\b`),
	regexp.MustCompile(`(?i)\byour (password|account) (has )?expired?\b`),
	regexp.MustCompile(`(?i)\bupdate your (billing|payment) (details|information)\b`),
	regexp.MustCompile(`(?i)\bclick (here|below) to (verify|confirm|restore|unlock)\b`),
}

var urlShorteners = []string{"bit.ly", "tinyurl.com", "t.co", "goo.gl", "ow.ly", "is.gd", "cutt.ly"}

var suspiciousTLDs = []string{".xyz", ".top", ".click", ".loan", ".work", ".gq", ".ml", ".tk", ".zip"}

// Extensions that execute when opened.
var executableExtensions = map[string]bool{
	".exe": true, ".scr": true, ".bat": true, ".cmd": true, ".com": true,
	".pif": true, ".js": true, ".jse": true, ".vbs": true, ".vbe": true,
	".wsf": true, ".hta": true, ".msi": true, ".jar": true, ".ps1": true,
}

// Document extensions that double-extension tricks hide behind.
var decoyExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".txt": true, ".jpg": true, ".jpeg": true, ".png": true, ".html": true,
	".csv": true, ".zip": true,
}

var urlRe = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)

// authSignals converts authentication failures into weighted signals.
// DMARC drives the weight: a failing message under p=reject is worth
// far more than one the domain owner does not police.
func authSignals(auth *AuthResults) []Signal {
	var signals []Signal

	if ev := auth.DMARC; ev != nil && ev.Code == dmarc.Fail {
		weight := 0.25
		switch ev.AppliedPolicy {
		case dmarc.PolicyReject:
			weight = 0.5
		case dmarc.PolicyQuarantine:
			weight = 0.4
		}
		signals = append(signals, Signal{
			Category:    "authentication",
			Description: "DMARC failed: no aligned authenticated identifier",
			Weight:      weight,
			Evidence:    fmt.Sprintf("applied policy %s", ev.AppliedPolicy),
		})
	}

	if r := auth.SPF; r != nil {
		switch r.Code {
		case spf.Fail:
			signals = append(signals, Signal{
				Category:    "authentication",
				Description: "SPF hard fail for sending IP",
				Weight:      0.15,
				Evidence:    r.Reason,
			})
		case spf.Permerror:
			signals = append(signals, Signal{
				Category:    "authentication",
				Description: "SPF policy is unevaluable",
				Weight:      0.05,
				Evidence:    r.Reason,
			})
		}
	}

	// A message that carries signatures, all of which fail, is worse
	// than an unsigned one.
	if len(auth.DKIM) > 0 {
		failed := 0
		for _, r := range auth.DKIM {
			if r.Code == dkim.Fail {
				failed++
			}
		}
		if failed == len(auth.DKIM) {
			signals = append(signals, Signal{
				Category:    "authentication",
				Description: "every DKIM signature failed verification",
				Weight:      0.15,
				Evidence:    fmt.Sprintf("%d signature(s)", failed),
			})
		}
	}

	return signals
}

// becSignals covers display-name spoofing, reply-to redirection,
// executive-impersonation phrasing and urgency pressure.
func becSignals(email *message.ParsedEmail) []Signal {
	var signals []Signal

	if brand := spoofedBrand(email.From); brand != "" {
		signals = append(signals, Signal{
			Category:    "bec",
			Description: "display name impersonates a known brand",
			Weight:      0.35,
			Evidence:    fmt.Sprintf("%q from %s", email.From.DisplayName, email.From.Domain),
		})
	}

	if rt := replyToMismatch(email); rt != "" {
		signals = append(signals, Signal{
			Category:    "bec",
			Description: "Reply-To routes replies to an unrelated domain",
			Weight:      0.2,
			Evidence:    rt,
		})
	}

	body := email.Subject + " " + email.Body()
	if phrase := firstMatch(becPhrases, body); phrase != "" {
		signals = append(signals, Signal{
			Category:    "bec",
			Description: "wire-transfer or payment-redirection phrasing",
			Weight:      0.25,
			Evidence:    phrase,
		})
	}

	if n := countMatches(urgencyPhrases, body); n >= 2 {
		signals = append(signals, Signal{
			Category:    "bec",
			Description: "urgency pressure phrasing",
			Weight:      0.15,
			Evidence:    fmt.Sprintf("%d urgency phrases", n),
		})
	}

	return signals
}

// spoofedBrand reports the brand a display name impersonates, or ""
// when the name and domain agree.
func spoofedBrand(from message.Address) string {
	name := strings.ToLower(from.DisplayName)
	if name == "" {
		return ""
	}
	// A display name carrying a full address from another domain is a
	// spoof regardless of brand.
	if d := message.DomainOf(name); d != "" && d != from.Domain {
		return name
	}
	for _, brand := range spoofedBrands {
		if strings.Contains(name, brand) && !strings.Contains(from.Domain, strings.ReplaceAll(brand, " ", "")) {
			return brand
		}
	}
	return ""
}

// replyToMismatch returns evidence text when Reply-To's org domain
// differs from the sender's, allowing registered legitimate reply
// domains through.
func replyToMismatch(email *message.ParsedEmail) string {
	replyTo := email.Header("Reply-To")
	if replyTo == "" {
		return ""
	}
	addr := replyTo
	if start := strings.LastIndex(replyTo, "<"); start >= 0 {
		if end := strings.Index(replyTo[start:], ">"); end > 0 {
			addr = replyTo[start+1 : start+end]
		}
	}
	rd := message.DomainOf(addr)
	if rd == "" || rd == email.From.Domain {
		return ""
	}
	if dmarc.OrganizationalDomain(rd) == dmarc.OrganizationalDomain(email.From.Domain) {
		return ""
	}
	return fmt.Sprintf("reply-to %s, from %s", rd, email.From.Domain)
}

// giftCardSignals flags gift-card purchase requests.
func giftCardSignals(email *message.ParsedEmail) []Signal {
	body := email.Subject + " " + email.Body()
	n := countMatches(giftCardPhrases, body)
	if n == 0 {
		return nil
	}
	weight := 0.2
	if n >= 2 {
		weight = 0.35
	}
	return []Signal{{
		Category:    "gift_card",
		Description: "gift-card purchase request phrasing",
		Weight:      weight,
		Evidence:    fmt.Sprintf("%d gift-card phrases", n),
	}}
}

// credentialSignals covers account-verification lures and the URL
// tricks that carry them: lookalike domains, shorteners, raw-IP hosts
// and throwaway TLDs.
func credentialSignals(email *message.ParsedEmail) []Signal {
	var signals []Signal
	body := email.Body()

	if phrase := firstMatch(credentialPhrases, email.Subject+" "+body); phrase != "" {
		signals = append(signals, Signal{
			Category:    "credential_phishing",
			Description: "account-verification lure phrasing",
			Weight:      0.3,
			Evidence:    phrase,
		})
	}

	urls := urlRe.FindAllString(body+" "+email.HTMLBody, -1)
	var lookalike, shortened, rawIP, badTLD []string
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		host := strings.ToLower(u.Hostname())
		switch {
		case isLookalikeDomain(host, email.From.Domain):
			lookalike = append(lookalike, host)
		case isShortener(host):
			shortened = append(shortened, host)
		case net.ParseIP(host) != nil:
			rawIP = append(rawIP, host)
		case hasSuspiciousTLD(host):
			badTLD = append(badTLD, host)
		}
	}

	if len(lookalike) > 0 {
		signals = append(signals, Signal{
			Category:    "credential_phishing",
			Description: "link host mimics the sending domain",
			Weight:      0.35,
			Evidence:    strings.Join(dedupe(lookalike), ", "),
		})
	}
	if len(rawIP) > 0 {
		signals = append(signals, Signal{
			Category:    "credential_phishing",
			Description: "link points at a raw IP address",
			Weight:      0.2,
			Evidence:    strings.Join(dedupe(rawIP), ", "),
		})
	}
	if len(shortened) > 0 {
		signals = append(signals, Signal{
			Category:    "credential_phishing",
			Description: "link behind a URL shortener",
			Weight:      0.1,
			Evidence:    strings.Join(dedupe(shortened), ", "),
		})
	}
	if len(badTLD) > 0 {
		signals = append(signals, Signal{
			Category:    "credential_phishing",
			Description: "link on a throwaway TLD",
			Weight:      0.1,
			Evidence:    strings.Join(dedupe(badTLD), ", "),
		})
	}

	return signals
}

// isLookalikeDomain spots hosts that embed the sender's registrable
// name without being under it (paypal.com.evil.net, paypal-login.com).
func isLookalikeDomain(host, fromDomain string) bool {
	if fromDomain == "" || host == fromDomain {
		return false
	}
	org := dmarc.OrganizationalDomain(fromDomain)
	if org == "" || host == org || strings.HasSuffix(host, "."+org) {
		return false
	}
	label, _, found := strings.Cut(org, ".")
	// Short labels match too much to be evidence of anything.
	if !found || len(label) < 4 {
		return false
	}
	return strings.Contains(host, label)
}

func isShortener(host string) bool {
	for _, s := range urlShorteners {
		if host == s {
			return true
		}
	}
	return false
}

func hasSuspiciousTLD(host string) bool {
	for _, tld := range suspiciousTLDs {
		if strings.HasSuffix(host, tld) {
			return true
		}
	}
	return false
}

// attachmentSignals flags executable payloads and double-extension
// names.
func attachmentSignals(email *message.ParsedEmail) []Signal {
	var signals []Signal
	for _, att := range email.Attachments {
		name := strings.ToLower(att.Filename)
		ext := extensionOf(name)
		inner := extensionOf(strings.TrimSuffix(name, ext))

		switch {
		// report.pdf.exe style: decoy document extension hiding the
		// real one.
		case decoyExtensions[inner] && ext != "" && !decoyExtensions[ext]:
			signals = append(signals, Signal{
				Category:    "attachment",
				Description: "double-extension attachment name",
				Weight:      0.4,
				Evidence:    att.Filename,
			})
		case executableExtensions[ext]:
			signals = append(signals, Signal{
				Category:    "attachment",
				Description: "executable attachment type",
				Weight:      0.35,
				Evidence:    att.Filename,
			})
		}
	}

	if len(email.Attachments) > 0 && len(strings.TrimSpace(email.Body())) < 50 {
		signals = append(signals, Signal{
			Category:    "attachment",
			Description: "attachment with minimal body text",
			Weight:      0.1,
			Evidence:    fmt.Sprintf("%d attachment(s)", len(email.Attachments)),
		})
	}
	return signals
}

func extensionOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

func firstMatch(patterns []*regexp.Regexp, s string) string {
	for _, re := range patterns {
		if m := re.FindString(s); m != "" {
			return m
		}
	}
	return ""
}

func countMatches(patterns []*regexp.Regexp, s string) int {
	n := 0
	for _, re := range patterns {
		if re.MatchString(s) {
			n++
		}
	}
	return n
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
