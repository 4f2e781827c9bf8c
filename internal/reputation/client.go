// Package reputation looks up source-IP intelligence from the
// configured GeoIP service and caches the answers. The pipeline turns
// high-risk origins into a scoring signal.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/mailguard/internal/pkg/httpretry"
	"github.com/ignite/mailguard/internal/resilience"
)

// IPReport is the provider's view of one source address.
type IPReport struct {
	IP        string  `json:"ip"`
	Country   string  `json:"country"`
	ASN       int     `json:"asn"`
	ASOrg     string  `json:"asOrg,omitempty"`
	IsProxy   bool    `json:"isProxy"`
	RiskScore float64 `json:"riskScore"`
}

// Client is the GeoIP service API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a GeoIP client against baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: timeout,
		}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// Lookup fetches the report for one IP.
func (c *Client) Lookup(ctx context.Context, ip string) (*IPReport, error) {
	reqURL := fmt.Sprintf("%s/v1/ip/%s", c.baseURL, url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("geoip: create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("geoip: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &resilience.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	var report IPReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("geoip: decode response: %w", err)
	}
	if report.IP == "" {
		report.IP = ip
	}
	return &report, nil
}
