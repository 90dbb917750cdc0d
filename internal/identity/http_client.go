package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClientConfig configures the remote Identity Service client.
type HTTPClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// HTTPClient talks to a remote Identity Service over REST. It implements
// both Verifier and FollowChecker.
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPClient constructs a client for the configured Identity Service.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("identity: base URL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{base: base, token: strings.TrimSpace(cfg.Token), client: client}, nil
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

type followResponse struct {
	Following bool `json:"following"`
}

// Verify resolves the token through the Identity Service's verification
// endpoint. A 401 maps to ErrTokenInvalid and a 403 to ErrTokenExpired so
// callers can distinguish close reasons without parsing bodies.
func (c *HTTPClient) Verify(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrTokenInvalid
	}
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return Identity{}, fmt.Errorf("marshal verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/verify", bytes.NewReader(body))
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return Identity{}, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return Identity{}, ErrTokenInvalid
	case resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return Identity{}, ErrTokenExpired
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(resp.Body)
		return Identity{}, fmt.Errorf("identity verify: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var decoded verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Identity{}, fmt.Errorf("decode verify response: %w", err)
	}
	if decoded.UserID == "" {
		return Identity{}, ErrTokenInvalid
	}
	identity := Identity{UserID: decoded.UserID, DisplayName: decoded.DisplayName}
	if identity.DisplayName == "" {
		identity.DisplayName = decoded.UserID
	}
	if decoded.ExpiresAt != nil {
		identity.ExpiresAt = *decoded.ExpiresAt
		if time.Now().After(identity.ExpiresAt) {
			return Identity{}, ErrTokenExpired
		}
	}
	return identity, nil
}

// IsFollowing queries the follow graph for the (user, owner) edge.
func (c *HTTPClient) IsFollowing(ctx context.Context, userID, ownerID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/follows/%s", c.base, url.PathEscape(userID), url.PathEscape(ownerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("identity follow lookup: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var decoded followResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, fmt.Errorf("decode follow response: %w", err)
	}
	return decoded.Following, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
