// Package senders maps sending domains to known-sender metadata and
// infers an email type (marketing, transactional, automated, personal)
// that gates and scales the threat signals applied downstream.
package senders

import (
	"strings"
)

// Category buckets a known sender. Categories order the trust ladder:
// TRUSTED senders get the lowest threat-score modifier, unknown senders
// the full 1.0.
type Category string

const (
	CategoryTrusted       Category = "TRUSTED"
	CategoryRetail        Category = "RETAIL"
	CategoryEcommerce     Category = "ECOMMERCE"
	CategoryMarketing     Category = "MARKETING"
	CategoryTransactional Category = "TRANSACTIONAL"
	CategoryFinancial     Category = "FINANCIAL"
	CategorySaaS          Category = "SAAS"
	CategoryAutomated     Category = "AUTOMATED"
)

// SenderInfo describes one known sending organization.
type SenderInfo struct {
	Domain         string   `json:"domain"`
	Name           string   `json:"name"`
	Category       Category `json:"category"`
	Subdomains     []string `json:"subdomains,omitempty"`
	FromAddresses  []string `json:"fromAddresses,omitempty"`
	ReplyToDomains []string `json:"replyToDomains,omitempty"`
}

// Registry is the process-wide domain→sender index. It is built once
// at startup and read-only afterwards, so lookups take no lock.
type Registry struct {
	byDomain    map[string]*SenderInfo
	bySubdomain map[string]*SenderInfo
}

// Option extends the builtin table, mainly for tests and future
// tenant-level additions.
type Option func(*Registry)

// WithSenders registers extra senders on top of the builtin table.
func WithSenders(infos ...SenderInfo) Option {
	return func(r *Registry) {
		for i := range infos {
			r.add(&infos[i])
		}
	}
}

// NewRegistry builds the registry from the builtin table plus options.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byDomain:    make(map[string]*SenderInfo, len(builtinSenders)*2),
		bySubdomain: make(map[string]*SenderInfo, 64),
	}
	for i := range builtinSenders {
		r.add(&builtinSenders[i])
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) add(info *SenderInfo) {
	r.byDomain[strings.ToLower(info.Domain)] = info
	for _, sub := range info.Subdomains {
		r.bySubdomain[strings.ToLower(sub)] = info
	}
}

// Lookup resolves a sending address/domain to a known sender: exact
// domain, then registered subdomain, then parent-domain walk (dropping
// left labels until two remain), then auto-classification of
// government and education suffixes. Returns nil for everything else.
func (r *Registry) Lookup(address, domain string) *SenderInfo {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if domain == "" {
		domain = domainOf(address)
	}
	if domain == "" {
		return nil
	}
	if info, ok := r.byDomain[domain]; ok {
		return info
	}
	if info, ok := r.bySubdomain[domain]; ok {
		return info
	}
	labels := strings.Split(domain, ".")
	for len(labels) > 2 {
		labels = labels[1:]
		if info, ok := r.byDomain[strings.Join(labels, ".")]; ok {
			return info
		}
	}
	return autoClassify(domain)
}

// autoClassifySuffixes are institutional TLD families that never need
// an explicit registry entry.
var autoClassifySuffixes = []string{".gov", ".gov.uk", ".gc.ca", ".edu", ".ac.uk"}

func autoClassify(domain string) *SenderInfo {
	for _, suffix := range autoClassifySuffixes {
		if strings.HasSuffix(domain, suffix) || domain == suffix[1:] {
			return &SenderInfo{
				Domain:   domain,
				Name:     "Government / Education",
				Category: CategoryTransactional,
			}
		}
	}
	return nil
}

func domainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// builtinSenders is the shipped known-sender table. Subdomain lists
// carry the dedicated sending hosts the big ESP setups use.
var builtinSenders = []SenderInfo{
	{
		Domain: "amazon.com", Name: "Amazon", Category: CategoryRetail,
		Subdomains:     []string{"email.amazon.com", "marketing.amazon.com", "order-update.amazon.com", "gc.email.amazon.com"},
		FromAddresses:  []string{"store-news@amazon.com", "order-update@amazon.com", "no-reply@amazon.com"},
		ReplyToDomains: []string{"amazon.com"},
	},
	{
		Domain: "walmart.com", Name: "Walmart", Category: CategoryRetail,
		Subdomains: []string{"email.walmart.com"},
	},
	{
		Domain: "target.com", Name: "Target", Category: CategoryRetail,
		Subdomains: []string{"e.target.com"},
	},
	{Domain: "bestbuy.com", Name: "Best Buy", Category: CategoryRetail, Subdomains: []string{"emailinfo.bestbuy.com"}},
	{Domain: "costco.com", Name: "Costco", Category: CategoryRetail},
	{Domain: "homedepot.com", Name: "The Home Depot", Category: CategoryRetail},
	{
		Domain: "ebay.com", Name: "eBay", Category: CategoryEcommerce,
		Subdomains: []string{"reply.ebay.com"},
	},
	{
		Domain: "etsy.com", Name: "Etsy", Category: CategoryEcommerce,
		Subdomains: []string{"mail.etsy.com"},
	},
	{
		Domain: "shopify.com", Name: "Shopify", Category: CategoryEcommerce,
		Subdomains:     []string{"t.shopifyemail.com"},
		ReplyToDomains: []string{"shopify.com"},
	},
	{Domain: "aliexpress.com", Name: "AliExpress", Category: CategoryEcommerce},
	{
		Domain: "paypal.com", Name: "PayPal", Category: CategoryFinancial,
		Subdomains:    []string{"mail.paypal.com", "e.paypal.com"},
		FromAddresses: []string{"service@paypal.com"},
	},
	{
		Domain: "stripe.com", Name: "Stripe", Category: CategoryFinancial,
		Subdomains: []string{"email.stripe.com"},
	},
	{Domain: "chase.com", Name: "Chase", Category: CategoryFinancial, Subdomains: []string{"alertsp.chase.com"}},
	{Domain: "bankofamerica.com", Name: "Bank of America", Category: CategoryFinancial},
	{Domain: "wellsfargo.com", Name: "Wells Fargo", Category: CategoryFinancial},
	{Domain: "americanexpress.com", Name: "American Express", Category: CategoryFinancial},
	{Domain: "citi.com", Name: "Citi", Category: CategoryFinancial},
	{Domain: "capitalone.com", Name: "Capital One", Category: CategoryFinancial},
	{Domain: "intuit.com", Name: "Intuit", Category: CategoryFinancial, Subdomains: []string{"notifications.intuit.com"}},
	{Domain: "venmo.com", Name: "Venmo", Category: CategoryFinancial, Subdomains: []string{"email.venmo.com"}},
	{Domain: "coinbase.com", Name: "Coinbase", Category: CategoryFinancial},
	{
		Domain: "google.com", Name: "Google", Category: CategoryTrusted,
		Subdomains:    []string{"accounts.google.com", "mail.google.com"},
		FromAddresses: []string{"no-reply@accounts.google.com"},
	},
	{
		Domain: "microsoft.com", Name: "Microsoft", Category: CategoryTrusted,
		Subdomains: []string{"email.microsoft.com", "accountprotection.microsoft.com"},
	},
	{Domain: "apple.com", Name: "Apple", Category: CategoryTrusted, Subdomains: []string{"email.apple.com", "insideapple.apple.com"}},
	{
		Domain: "github.com", Name: "GitHub", Category: CategorySaaS,
		FromAddresses: []string{"notifications@github.com", "noreply@github.com"},
	},
	{Domain: "gitlab.com", Name: "GitLab", Category: CategorySaaS},
	{
		Domain: "atlassian.com", Name: "Atlassian", Category: CategorySaaS,
		Subdomains: []string{"e.atlassian.com", "am.atlassian.com"},
	},
	{Domain: "slack.com", Name: "Slack", Category: CategorySaaS, Subdomains: []string{"email.slack.com"}},
	{Domain: "zoom.us", Name: "Zoom", Category: CategorySaaS, Subdomains: []string{"email.zoom.us"}},
	{Domain: "dropbox.com", Name: "Dropbox", Category: CategorySaaS, Subdomains: []string{"email.dropbox.com"}},
	{Domain: "salesforce.com", Name: "Salesforce", Category: CategorySaaS},
	{Domain: "docusign.net", Name: "DocuSign", Category: CategorySaaS},
	{Domain: "adobe.com", Name: "Adobe", Category: CategorySaaS, Subdomains: []string{"email.adobe.com"}},
	{Domain: "zendesk.com", Name: "Zendesk", Category: CategorySaaS},
	{Domain: "notion.so", Name: "Notion", Category: CategorySaaS},
	{Domain: "figma.com", Name: "Figma", Category: CategorySaaS},
	{
		Domain: "netflix.com", Name: "Netflix", Category: CategoryMarketing,
		Subdomains: []string{"members.netflix.com", "em.netflix.com"},
	},
	{Domain: "spotify.com", Name: "Spotify", Category: CategoryMarketing, Subdomains: []string{"email.spotify.com"}},
	{
		Domain: "linkedin.com", Name: "LinkedIn", Category: CategoryMarketing,
		FromAddresses: []string{"messages-noreply@linkedin.com"},
	},
	{Domain: "facebook.com", Name: "Facebook", Category: CategoryMarketing},
	{Domain: "facebookmail.com", Name: "Facebook", Category: CategoryMarketing},
	{Domain: "twitter.com", Name: "Twitter / X", Category: CategoryMarketing},
	{Domain: "x.com", Name: "Twitter / X", Category: CategoryMarketing},
	{Domain: "instagram.com", Name: "Instagram", Category: CategoryMarketing},
	{Domain: "pinterest.com", Name: "Pinterest", Category: CategoryMarketing},
	{Domain: "mailchimp.com", Name: "Mailchimp", Category: CategoryMarketing},
	{Domain: "hubspot.com", Name: "HubSpot", Category: CategoryMarketing},
	{
		Domain: "fedex.com", Name: "FedEx", Category: CategoryTransactional,
		FromAddresses: []string{"trackingupdates@fedex.com"},
	},
	{Domain: "ups.com", Name: "UPS", Category: CategoryTransactional, Subdomains: []string{"upsemail.com"}},
	{Domain: "usps.com", Name: "USPS", Category: CategoryTransactional},
	{Domain: "dhl.com", Name: "DHL", Category: CategoryTransactional},
	{
		Domain: "uber.com", Name: "Uber", Category: CategoryTransactional,
		Subdomains: []string{"email.uber.com"},
	},
	{Domain: "lyft.com", Name: "Lyft", Category: CategoryTransactional, Subdomains: []string{"mail.lyft.com"}},
	{
		Domain: "airbnb.com", Name: "Airbnb", Category: CategoryTransactional,
		Subdomains: []string{"email.airbnb.com"},
	},
	{Domain: "booking.com", Name: "Booking.com", Category: CategoryTransactional, Subdomains: []string{"mailer.booking.com"}},
	{Domain: "doordash.com", Name: "DoorDash", Category: CategoryTransactional, Subdomains: []string{"email.doordash.com"}},
	{Domain: "instacart.com", Name: "Instacart", Category: CategoryTransactional},
	{Domain: "opentable.com", Name: "OpenTable", Category: CategoryTransactional},
	{Domain: "sendgrid.net", Name: "SendGrid relay", Category: CategoryAutomated},
	{Domain: "mailgun.org", Name: "Mailgun relay", Category: CategoryAutomated},
	{Domain: "amazonses.com", Name: "Amazon SES relay", Category: CategoryAutomated},
	{Domain: "pagerduty.com", Name: "PagerDuty", Category: CategoryAutomated},
	{Domain: "statuspage.io", Name: "Statuspage", Category: CategoryAutomated},
	{Domain: "cron-job.org", Name: "cron-job.org", Category: CategoryAutomated},
}
