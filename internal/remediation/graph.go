package remediation

import (
	"bytes"
	"context"
	"encoding/json"
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

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// Graph accepts well-known folder names as destination IDs directly.
var graphWellKnownFolders = map[string]string{
	"inbox":        "inbox",
	"archive":      "archive",
	"junkemail":    "junkemail",
	"deleteditems": "deleteditems",
}

// GraphProvider remediates messages in one Microsoft 365 mailbox
// through the Graph mail API. Labels map to Outlook categories.
type GraphProvider struct {
	baseURL    string
	mailbox    string
	httpClient httpretry.HTTPDoer
	oauth      *oauth2.Config
	tokens     TokenSource

	mu        sync.Mutex
	folderIDs map[string]string
}

// NewGraphProvider builds the adapter for mailbox (a user principal
// name or object ID). baseURL overrides the Graph endpoint for tests.
func NewGraphProvider(client httpretry.HTTPDoer, oauth *oauth2.Config, tokens TokenSource, baseURL, mailbox string) *GraphProvider {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	if baseURL == "" {
		baseURL = graphBaseURL
	}
	return &GraphProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		mailbox:    mailbox,
		httpClient: client,
		oauth:      oauth,
		tokens:     tokens,
		folderIDs:  make(map[string]string),
	}
}

func (p *GraphProvider) Name() string { return "microsoft365" }

type graphFolder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type graphFolderList struct {
	Value []graphFolder `json:"value"`
}

type graphMessage struct {
	Categories []string `json:"categories"`
}

// MoveTo moves the message into folder via the move action, creating
// the folder on first use. Moving an already-moved message returns nil.
func (p *GraphProvider) MoveTo(ctx context.Context, folder, messageID string) error {
	folderID, err := p.ensureFolder(ctx, folder)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/users/%s/messages/%s/move", url.PathEscape(p.mailbox), url.PathEscape(messageID))
	err = p.do(ctx, http.MethodPost, path, map[string]string{"destinationId": folderID}, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// AddLabels merges labels into the message's categories.
func (p *GraphProvider) AddLabels(ctx context.Context, messageID string, labels ...string) error {
	return p.patchCategories(ctx, messageID, func(current []string) []string {
		for _, l := range labels {
			if !containsFold(current, l) {
				current = append(current, l)
			}
		}
		return current
	})
}

// RemoveLabels drops labels from the message's categories.
func (p *GraphProvider) RemoveLabels(ctx context.Context, messageID string, labels ...string) error {
	return p.patchCategories(ctx, messageID, func(current []string) []string {
		kept := current[:0]
		for _, c := range current {
			if !containsFold(labels, c) {
				kept = append(kept, c)
			}
		}
		return kept
	})
}

// Trash moves the message to Deleted Items.
func (p *GraphProvider) Trash(ctx context.Context, messageID string) error {
	return p.MoveTo(ctx, "deleteditems", messageID)
}

// RefreshToken exchanges the refresh token through the configured
// OAuth endpoint.
func (p *GraphProvider) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	if p.oauth == nil {
		return nil, fmt.Errorf("graph: oauth config not set")
	}
	src := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("graph: refresh token: %w", err)
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

func (p *GraphProvider) patchCategories(ctx context.Context, messageID string, mutate func([]string) []string) error {
	getPath := fmt.Sprintf("/users/%s/messages/%s?%s",
		url.PathEscape(p.mailbox), url.PathEscape(messageID),
		url.Values{"$select": {"categories"}}.Encode())

	var msg graphMessage
	err := p.do(ctx, http.MethodGet, getPath, nil, &msg)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	patchPath := fmt.Sprintf("/users/%s/messages/%s", url.PathEscape(p.mailbox), url.PathEscape(messageID))
	body := graphMessage{Categories: mutate(msg.Categories)}
	if body.Categories == nil {
		body.Categories = []string{}
	}
	err = p.do(ctx, http.MethodPatch, patchPath, body, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// ensureFolder resolves a display name to a folder ID, creating the
// folder on first use. Well-known folder names pass through.
func (p *GraphProvider) ensureFolder(ctx context.Context, name string) (string, error) {
	if id, ok := graphWellKnownFolders[strings.ToLower(name)]; ok {
		return id, nil
	}
	p.mu.Lock()
	if id, ok := p.folderIDs[name]; ok {
		p.mu.Unlock()
		return id, nil
	}
	p.mu.Unlock()

	filter := fmt.Sprintf("displayName eq '%s'", strings.ReplaceAll(name, "'", "''"))
	listPath := fmt.Sprintf("/users/%s/mailFolders?%s",
		url.PathEscape(p.mailbox), url.Values{"$filter": {filter}}.Encode())

	var list graphFolderList
	if err := p.do(ctx, http.MethodGet, listPath, nil, &list); err != nil {
		return "", err
	}
	if len(list.Value) > 0 {
		p.cacheFolder(name, list.Value[0].ID)
		return list.Value[0].ID, nil
	}

	var created graphFolder
	createPath := fmt.Sprintf("/users/%s/mailFolders", url.PathEscape(p.mailbox))
	if err := p.do(ctx, http.MethodPost, createPath, map[string]string{"displayName": name}, &created); err != nil {
		return "", err
	}
	p.cacheFolder(name, created.ID)
	return created.ID, nil
}

func (p *GraphProvider) cacheFolder(name, id string) {
	p.mu.Lock()
	p.folderIDs[name] = id
	p.mu.Unlock()
}

func (p *GraphProvider) do(ctx context.Context, method, path string, body, out any) error {
	token, err := p.tokens.AccessToken(ctx, p)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("graph: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("graph: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("graph: read response: %w", err)
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
			return fmt.Errorf("graph: decode response: %w", err)
		}
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
