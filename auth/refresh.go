package auth

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

// RefreshPath is the refresh endpoint relative to the API base URL.
const RefreshPath = "/api/auth/refresh"

// TokenPair is the credential pair returned by a refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Refresher exchanges a refresh credential for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// HTTPRefresher calls the refresh endpoint over HTTP.
type HTTPRefresher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRefresher returns a Refresher posting to baseURL + RefreshPath. A nil
// client gets a 15 second timeout.
func NewHTTPRefresher(baseURL string, client *http.Client) (*HTTPRefresher, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api base url must be http or https, got %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPRefresher{
		endpoint: u.String() + RefreshPath,
		client:   client,
	}, nil
}

// Refresh posts the refresh credential and decodes the returned pair.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if refreshToken == "" {
		return TokenPair{}, ErrNoRefreshToken
	}
	body, err := json.Marshal(struct {
		RefreshToken string `json:"refresh_token"`
	}{refreshToken})
	if err != nil {
		return TokenPair{}, fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return TokenPair{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return TokenPair{}, fmt.Errorf("%w (status %d)", ErrRefreshRejected, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TokenPair{}, fmt.Errorf("refresh endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var pair TokenPair
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&pair); err != nil {
		return TokenPair{}, fmt.Errorf("decode refresh response: %w", err)
	}
	pair.AccessToken = strings.TrimSpace(pair.AccessToken)
	if pair.AccessToken == "" {
		return TokenPair{}, fmt.Errorf("refresh response missing access_token")
	}
	return pair, nil
}
