package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/ignite/mailguard/internal/pkg/httpretry"
	"github.com/ignite/mailguard/internal/resilience"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1"

// Gmail has no folders; a move is a label swap. System labels have
// fixed IDs equal to their names.
var gmailSystemLabels = map[string]string{
	"INBOX": "INBOX",
	"SPAM":  "SPAM",
	"TRASH": "TRASH",
}

// GmailProvider remediates messages in one Gmail mailbox through the
// users.messages REST endpoints.
type GmailProvider struct {
	baseURL    string
	userID     string
	httpClient httpretry.HTTPDoer
	oauth      *oauth2.Config
	tokens     TokenSource

	mu       sync.Mutex
	labelIDs map[string]string
}

// NewGmailProvider builds the adapter. baseURL overrides the Gmail API
// endpoint for tests; empty means production. userID empty means the
// authenticated user ("me").
func NewGmailProvider(client httpretry.HTTPDoer, oauth *oauth2.Config, tokens TokenSource, baseURL, userID string) *GmailProvider {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	if baseURL == "" {
		baseURL = gmailBaseURL
	}
	if userID == "" {
		userID = "me"
	}
	return &GmailProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		httpClient: client,
		oauth:      oauth,
		tokens:     tokens,
		labelIDs:   make(map[string]string),
	}
}

func (p *GmailProvider) Name() string { return "gmail" }

type gmailModifyRequest struct {
	AddLabelIDs    []string `json:"addLabelIds,omitempty"`
	RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
}

type gmailLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type gmailLabelList struct {
	Labels []gmailLabel `json:"labels"`
}

// MoveTo adds the folder label and drops INBOX, which is how Gmail
// archives a message into a label.
func (p *GmailProvider) MoveTo(ctx context.Context, folder, messageID string) error {
	labelID, err := p.ensureLabel(ctx, folder)
	if err != nil {
		return err
	}
	mod := gmailModifyRequest{AddLabelIDs: []string{labelID}}
	if labelID != "INBOX" {
		mod.RemoveLabelIDs = []string{"INBOX"}
	}
	return p.modify(ctx, messageID, mod)
}

func (p *GmailProvider) AddLabels(ctx context.Context, messageID string, labels ...string) error {
	ids, err := p.ensureLabels(ctx, labels)
	if err != nil {
		return err
	}
	return p.modify(ctx, messageID, gmailModifyRequest{AddLabelIDs: ids})
}

func (p *GmailProvider) RemoveLabels(ctx context.Context, messageID string, labels ...string) error {
	ids, err := p.ensureLabels(ctx, labels)
	if err != nil {
		return err
	}
	return p.modify(ctx, messageID, gmailModifyRequest{RemoveLabelIDs: ids})
}

// Trash moves the message to Gmail's trash. A 404 means it is already
// gone, which is the state we wanted.
func (p *GmailProvider) Trash(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/users/%s/messages/%s/trash", url.PathEscape(p.userID), url.PathEscape(messageID))
	err := p.do(ctx, http.MethodPost, path, nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// RefreshToken exchanges the refresh token through the configured
// OAuth endpoint.
func (p *GmailProvider) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	if p.oauth == nil {
		return nil, fmt.Errorf("gmail: oauth config not set")
	}
	src := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("gmail: refresh token: %w", err)
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

func (p *GmailProvider) modify(ctx context.Context, messageID string, mod gmailModifyRequest) error {
	path := fmt.Sprintf("/users/%s/messages/%s/modify", url.PathEscape(p.userID), url.PathEscape(messageID))
	err := p.do(ctx, http.MethodPost, path, mod, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (p *GmailProvider) ensureLabels(ctx context.Context, names []string) ([]string, error) {
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, err := p.ensureLabel(ctx, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ensureLabel resolves a label name to its ID, creating the label on
// first use. Resolved IDs are cached for the provider's lifetime.
func (p *GmailProvider) ensureLabel(ctx context.Context, name string) (string, error) {
	if id, ok := gmailSystemLabels[strings.ToUpper(name)]; ok {
		return id, nil
	}
	p.mu.Lock()
	if id, ok := p.labelIDs[name]; ok {
		p.mu.Unlock()
		return id, nil
	}
	p.mu.Unlock()

	var list gmailLabelList
	listPath := fmt.Sprintf("/users/%s/labels", url.PathEscape(p.userID))
	if err := p.do(ctx, http.MethodGet, listPath, nil, &list); err != nil {
		return "", err
	}
	for _, l := range list.Labels {
		if strings.EqualFold(l.Name, name) {
			p.cacheLabel(name, l.ID)
			return l.ID, nil
		}
	}

	var created gmailLabel
	body := map[string]string{
		"name":                  name,
		"labelListVisibility":   "labelShow",
		"messageListVisibility": "show",
	}
	if err := p.do(ctx, http.MethodPost, listPath, body, &created); err != nil {
		return "", err
	}
	p.cacheLabel(name, created.ID)
	return created.ID, nil
}

func (p *GmailProvider) cacheLabel(name, id string) {
	p.mu.Lock()
	p.labelIDs[name] = id
	p.mu.Unlock()
}

func (p *GmailProvider) do(ctx context.Context, method, path string, body, out any) error {
	token, err := p.tokens.AccessToken(ctx, p)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gmail: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("gmail: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gmail: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("gmail: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &resilience.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(respBody),
		}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("gmail: decode response: %w", err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var httpErr *resilience.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusNotFound
}
