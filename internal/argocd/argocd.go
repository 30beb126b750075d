package argocd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the ArgoCD API rejected the bearer token.
var ErrUnauthorized = errors.New("argocd: unauthorized")

// ErrApplicationNotFound indicates the application is unknown to ArgoCD.
var ErrApplicationNotFound = errors.New("argocd: application not found")

// ErrNoHistory indicates the application has no previous deployed revision to
// roll back to.
var ErrNoHistory = errors.New("argocd: no previous revision in history")

// Client talks to the ArgoCD REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient validates the API location and returns a Client.
func NewClient(baseURL, token string, client *http.Client) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("argocd base url required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		// Copy rather than mutate: the caller may share this client.
		copied := *client
		copied.Timeout = defaultTimeout
		client = &copied
	}
	return &Client{
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
		client:  client,
	}, nil
}

// Trigger requests reconciliation of the named application.
func (c *Client) Trigger(ctx context.Context, application string) (string, error) {
	application = strings.TrimSpace(application)
	if application == "" {
		return "", errors.New("application name required")
	}
	path := fmt.Sprintf("/api/v1/applications/%s/sync", application)
	if err := c.post(ctx, path, map[string]any{"prune": false}); err != nil {
		return "", err
	}
	return fmt.Sprintf("sync requested for application %s", application), nil
}

// Rollback reverts an application to its previous deployed revision.
type Rollback struct {
	client      *Client
	application string
}

// NewRollback binds a rollback action to an application.
func NewRollback(client *Client, application string) (*Rollback, error) {
	application = strings.TrimSpace(application)
	if client == nil {
		return nil, errors.New("argocd client required")
	}
	if application == "" {
		return nil, errors.New("application name required")
	}
	return &Rollback{client: client, application: application}, nil
}

// Execute looks up the application's deployment history and rolls back to the
// most recent entry before the current one.
func (r *Rollback) Execute(ctx context.Context) (string, error) {
	id, revision, err := r.client.previousRevision(ctx, r.application)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("/api/v1/applications/%s/rollback", r.application)
	if err := r.client.post(ctx, path, map[string]any{"id": id, "prune": false}); err != nil {
		return "", err
	}
	return fmt.Sprintf("rolled back application %s to history id %d (revision %s)", r.application, id, revision), nil
}

type historyEntry struct {
	ID       int64  `json:"id"`
	Revision string `json:"revision"`
}

func (c *Client) previousRevision(ctx context.Context, application string) (int64, string, error) {
	path := fmt.Sprintf("/api/v1/applications/%s", application)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("get application: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, "", c.errorForStatus(resp)
	}
	var app struct {
		Status struct {
			History []historyEntry `json:"history"`
		} `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&app); err != nil {
		return 0, "", fmt.Errorf("decode application: %w", err)
	}
	history := app.Status.History
	if len(history) < 2 {
		return 0, "", ErrNoHistory
	}
	// History is ordered oldest first; the entry before the last is the
	// previous known-good deployment.
	prev := history[len(history)-2]
	return prev.ID, prev.Revision, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("argocd request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return c.errorForStatus(resp)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("discard response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build argocd request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrApplicationNotFound, summary)
	default:
		return fmt.Errorf("argocd request failed: %s", summary)
	}
}
