package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config defines the HTTP client settings for the identity store.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the external identity store. Contact details are fetched
// only after disclosure has been authorized; the administrator capability
// check is delegated here rather than embedding role comparisons in the core.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ContactInfo carries the fields revealed to the counterparty on disclosure.
type ContactInfo struct {
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("identity: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Contact fetches the user's contact fields.
func (c *Client) Contact(ctx context.Context, userID uuid.UUID) (*ContactInfo, error) {
	var payload ContactInfo
	if err := c.get(ctx, fmt.Sprintf("/users/%s/contact", userID), &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// IsAdministrator reports whether the actor holds the administrator
// capability.
func (c *Client) IsAdministrator(ctx context.Context, userID uuid.UUID) (bool, error) {
	var payload struct {
		Administrator bool `json:"administrator"`
	}
	if err := c.get(ctx, fmt.Sprintf("/users/%s/capabilities", userID), &payload); err != nil {
		return false, err
	}
	return payload.Administrator, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c == nil {
		return fmt.Errorf("identity: client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("identity: request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("identity: decode: %w", err)
	}
	return nil
}
