package senders

import (
	"regexp"
	"strings"

	"github.com/ignite/mailguard/internal/message"
)

// Type is the inferred email type.
type Type string

const (
	TypeMarketing     Type = "marketing"
	TypeTransactional Type = "transactional"
	TypeAutomated     Type = "automated"
	TypePersonal      Type = "personal"
	TypeUnknown       Type = "unknown"
)

// Classification is the classifier output consumed by the scoring
// pipeline: the type, how sure we are, the multiplicative threat-score
// modifier, and the detector gates.
type Classification struct {
	Type                  Type        `json:"type"`
	Confidence            float64     `json:"confidence"`
	ThreatScoreModifier   float64     `json:"threatScoreModifier"`
	SkipBECDetection      bool        `json:"skipBecDetection"`
	SkipGiftCardDetection bool        `json:"skipGiftCardDetection"`
	Signals               []string    `json:"signals,omitempty"`
	MarketingConfidence   float64     `json:"marketingConfidence"`
	Sender                *SenderInfo `json:"sender,omitempty"`
}

// Classifier infers the email type from the sender registry first and
// message content second.
type Classifier struct {
	registry *Registry
}

func NewClassifier(registry *Registry) *Classifier {
	return &Classifier{registry: registry}
}

// Subject patterns that mark transactional intent.
var transactionalSubjects = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\border\b.*\b(confirm|confirmation|shipped|update)`),
	regexp.MustCompile(`(?i)\b(receipt|invoice|statement)\b`),
	regexp.MustCompile(`(?i)\bpayment\b.*\b(received|confirmation|due|failed)`),
	regexp.MustCompile(`(?i)\b(shipping|delivery|tracking)\b.*\b(confirmation|update|notification|number)`),
	regexp.MustCompile(`(?i)\bpassword\b.*\breset\b`),
	regexp.MustCompile(`(?i)\byour\b.*\b(reservation|booking|appointment)\b`),
	regexp.MustCompile(`(?i)\baccount\b.*\b(statement|activity|summary)\b`),
	regexp.MustCompile(`(?i)\bverification code\b`),
}

// Subject patterns that mark machine-generated mail.
var automatedSubjects = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^automatic reply`),
	regexp.MustCompile(`(?i)^out of (the )?office`),
	regexp.MustCompile(`(?i)\b(backup|sync|export|import)\b.*\b(complete|completed|finished|failed)`),
	regexp.MustCompile(`(?i)\bbuild\b.*\b(passed|failed|succeeded|broken)`),
	regexp.MustCompile(`(?i)^\[?(alert|cron|nagios|jenkins|ci)\]?[:\s]`),
	regexp.MustCompile(`(?i)\b(daily|weekly|monthly)\b.*\b(digest|report|summary)\b`),
}

// Local parts that only machines use.
var automatedLocalParts = map[string]bool{
	"noreply":       true,
	"no-reply":      true,
	"no_reply":      true,
	"donotreply":    true,
	"do-not-reply":  true,
	"mailer-daemon": true,
	"postmaster":    true,
	"bounce":        true,
	"notifications": true,
	"alerts":        true,
}

var (
	promoLanguageRe = regexp.MustCompile(`(?i)\b(\d{1,2}% off|sale ends|limited time|exclusive (offer|deal)|free shipping|shop now|buy now|clearance|coupon|promo code|flash sale|deal of the day)\b`)
	viewInBrowserRe = regexp.MustCompile(`(?i)view (this email |it )?in (your )?browser`)
	unsubLinkRe     = regexp.MustCompile(`(?i)https?://[^\s"'<>]*unsubscribe[^\s"'<>]*`)
	trackingPixelRe = regexp.MustCompile(`(?i)<img[^>]+(width|height)\s*=\s*["']?1(px)?["']?[^>]*>`)
	pixelDimsRe     = regexp.MustCompile(`(?i)\b(width|height)\s*[:=]\s*["']?1(px)?\b`)
	socialURLRe     = regexp.MustCompile(`(?i)https?://(www\.)?(facebook|instagram|twitter|x|linkedin|youtube|tiktok|pinterest)\.com/`)
	legalFooterRe   = regexp.MustCompile(`(?i)©\s*(19|20)\d{2}`)
	legalLinksRe    = regexp.MustCompile(`(?i)\b(privacy( policy)?|terms( of (service|use))?|contact us)\b`)
	greetingRe      = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|dear)\b`)
)

// Bulk-sender header names (lowercased) and their marketing weight.
var bulkHeaders = []string{"feedback-id", "x-feedback-id", "x-campaign", "x-campaign-id", "x-mailer-campaign", "x-sg-eid", "x-mc-user"}

// marketingSignal is one weighted content observation.
type marketingSignal struct {
	name   string
	weight float64
}

// detectMarketing inspects headers and body for bulk-marketing
// signals. The returned confidence saturates at 1.0.
func detectMarketing(email *message.ParsedEmail) (float64, []string) {
	body := email.Body()
	var signals []marketingSignal

	if email.HasHeader("List-Unsubscribe") {
		signals = append(signals, marketingSignal{"list-unsubscribe header", 0.30})
	}
	for _, h := range bulkHeaders {
		if email.HasHeader(h) {
			signals = append(signals, marketingSignal{"bulk header " + h, 0.25})
			break
		}
	}
	if strings.EqualFold(email.Header("Precedence"), "bulk") {
		signals = append(signals, marketingSignal{"precedence bulk", 0.25})
	}
	if unsubLinkRe.MatchString(body) {
		signals = append(signals, marketingSignal{"unsubscribe link", 0.25})
	} else if strings.Contains(strings.ToLower(body), "unsubscribe") {
		signals = append(signals, marketingSignal{"unsubscribe text", 0.15})
	}
	if viewInBrowserRe.MatchString(body) {
		signals = append(signals, marketingSignal{"view-in-browser link", 0.20})
	}
	if trackingPixelRe.MatchString(email.HTMLBody) {
		signals = append(signals, marketingSignal{"tracking pixel", 0.20})
	} else if pixelDimsRe.MatchString(email.HTMLBody) {
		signals = append(signals, marketingSignal{"1px image dimensions", 0.15})
	}
	if promoLanguageRe.MatchString(email.Subject) || promoLanguageRe.MatchString(body) {
		signals = append(signals, marketingSignal{"promotional language", 0.15})
	}
	if socialURLRe.MatchString(body) {
		signals = append(signals, marketingSignal{"social media links", 0.10})
	}
	if legalFooterRe.MatchString(body) && legalLinksRe.MatchString(body) {
		signals = append(signals, marketingSignal{"legal footer", 0.10})
	}

	var confidence float64
	names := make([]string, 0, len(signals))
	for _, s := range signals {
		confidence += s.weight
		names = append(names, s.name)
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence, names
}

// categoryType maps a registry category to an email type.
func categoryType(cat Category) (Type, float64) {
	switch cat {
	case CategoryRetail, CategoryEcommerce, CategoryMarketing:
		return TypeMarketing, 0.9
	case CategoryTransactional, CategoryFinancial:
		return TypeTransactional, 0.85
	case CategorySaaS, CategoryAutomated:
		return TypeAutomated, 0.8
	case CategoryTrusted:
		return TypePersonal, 0.9
	default:
		return TypeUnknown, 0
	}
}

// Classify infers the email type. Registry hits win; otherwise content
// heuristics run in marketing → transactional → automated →
// conversational order.
func (c *Classifier) Classify(email *message.ParsedEmail) *Classification {
	out := &Classification{Type: TypeUnknown, ThreatScoreModifier: 1.0}

	sender := c.registry.Lookup(email.From.Address, email.From.Domain)
	out.Sender = sender
	out.MarketingConfidence, out.Signals = detectMarketing(email)

	if sender != nil {
		typ, conf := categoryType(sender.Category)
		if typ != TypeUnknown {
			out.Type = typ
			out.Confidence = conf
			c.finish(out)
			return out
		}
	}

	subject := email.Subject
	localPart := localPartOf(email.From.Address)
	switch {
	case out.MarketingConfidence >= 0.7:
		out.Type = TypeMarketing
		out.Confidence = out.MarketingConfidence
	case matchAny(transactionalSubjects, subject):
		out.Type = TypeTransactional
		out.Confidence = 0.7
	case matchAny(automatedSubjects, subject) || automatedLocalParts[localPart]:
		out.Type = TypeAutomated
		out.Confidence = 0.65
	case isConversational(email):
		out.Type = TypePersonal
		out.Confidence = 0.6
	}

	c.finish(out)
	return out
}

// finish fills the modifier and gates from the decided type.
func (c *Classifier) finish(out *Classification) {
	out.ThreatScoreModifier = modifierFor(out)
	out.SkipBECDetection = out.Type == TypeMarketing || out.Type == TypeTransactional
	out.SkipGiftCardDetection = out.Type == TypeMarketing || (out.Sender != nil &&
		(out.Sender.Category == CategoryRetail || out.Sender.Category == CategoryEcommerce))
}

// modifierFor implements the fixed trust table. The modifier is
// monotonic in trust: TRUSTED ≤ known marketing ≤ content marketing ≤
// transactional ≤ automated ≤ personal/unknown.
func modifierFor(out *Classification) float64 {
	if out.Sender != nil {
		switch out.Sender.Category {
		case CategoryTrusted:
			return 0.2
		case CategoryRetail, CategoryEcommerce, CategoryMarketing:
			return 0.3
		}
	}
	switch out.Type {
	case TypeMarketing:
		if len(out.Signals) >= 4 {
			return 0.4
		}
		return 0.5
	case TypeTransactional:
		return 0.6
	case TypeAutomated:
		return 0.7
	default:
		return 1.0
	}
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	if s == "" {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// isConversational spots human replies: Re:/Fwd: subjects or an
// opening greeting, with no unsubscribe machinery anywhere.
func isConversational(email *message.ParsedEmail) bool {
	if email.HasHeader("List-Unsubscribe") || strings.Contains(strings.ToLower(email.Body()), "unsubscribe") {
		return false
	}
	subject := strings.TrimSpace(email.Subject)
	lower := strings.ToLower(subject)
	if strings.HasPrefix(lower, "re:") || strings.HasPrefix(lower, "fw:") || strings.HasPrefix(lower, "fwd:") {
		return true
	}
	return greetingRe.MatchString(email.Body())
}

func localPartOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 {
		return strings.ToLower(address)
	}
	return strings.ToLower(address[:at])
}
