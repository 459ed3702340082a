package auth

import (
	"fmt"
	"io"
	"net/http"
)

// RoundTripper authenticates outgoing requests with the manager's access
// token. A 401 response triggers one collapsed refresh and a single retry.
type RoundTripper struct {
	Manager *Manager
	Base    http.RoundTripper
}

// NewRoundTripper wraps base (http.DefaultTransport when nil).
func NewRoundTripper(m *Manager, base http.RoundTripper) *RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RoundTripper{Manager: m, Base: base}
}

func (t *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	token := t.Manager.AccessToken()
	resp, err := t.Base.RoundTrip(authorize(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	retry, err := rewind(req)
	if err != nil {
		// Body cannot be replayed; hand back the original 401.
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	fresh, err := t.Manager.HandleUnauthorized(req.Context(), token)
	if err != nil {
		return nil, fmt.Errorf("refresh after 401: %w", err)
	}
	return t.Base.RoundTrip(authorize(retry, fresh))
}

func authorize(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return out
}

func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body is not replayable")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	out := req.Clone(req.Context())
	out.Body = body
	return out, nil
}
