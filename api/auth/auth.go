// Package auth resolves user identity for HTTP and WebSocket entry points.
// Sessions live in an external better-auth deployment; this package only
// verifies them and hands out short-lived connection keys for the
// WebSocket handshake.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maidworks/maid/api/domain"
)

// Resolver turns request credentials into a user id.
type Resolver interface {
	// ResolveRequest authenticates from the request's Cookie or
	// Authorization header.
	ResolveRequest(ctx context.Context, r *http.Request) (string, error)
	// ResolveToken authenticates a bearer session token.
	ResolveToken(ctx context.Context, token string) (string, error)
}

// HTTPResolver verifies sessions against a better-auth server.
type HTTPResolver struct {
	baseURL string
	origin  string
	client  *http.Client
}

func NewHTTPResolver(baseURL, origin string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		origin:  origin,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPResolver) ResolveRequest(ctx context.Context, req *http.Request) (string, error) {
	headers := http.Header{}
	if cookie := req.Header.Get("Cookie"); cookie != "" {
		headers.Set("Cookie", cookie)
	}
	if authz := req.Header.Get("Authorization"); authz != "" {
		headers.Set("Authorization", authz)
	}
	if len(headers) == 0 {
		return "", domain.ErrUnauthorized
	}
	return r.getSession(ctx, headers)
}

func (r *HTTPResolver) ResolveToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrUnauthorized
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	return r.getSession(ctx, headers)
}

func (r *HTTPResolver) getSession(ctx context.Context, headers http.Header) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/auth/get-session", nil)
	if err != nil {
		return "", fmt.Errorf("build get-session request: %w", err)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if r.origin != "" {
		req.Header.Set("Origin", r.origin)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get-session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", domain.ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get-session: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode get-session response: %w", err)
	}
	if body.User.ID == "" {
		return "", domain.ErrUnauthorized
	}
	return body.User.ID, nil
}
