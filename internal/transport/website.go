package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenRefreshMargin re-fetches the cloud token once it is within this
// window of expiry.
const tokenRefreshMargin = 60 * time.Second

// WebsiteClient talks to the website auth plane with a long-lived API
// token, exchanging it for short-lived cloud JWTs.
type WebsiteClient struct {
	baseURL  string
	apiToken string
	http     *http.Client
}

// NewWebsiteClient builds an auth-plane client. httpClient may be nil.
func NewWebsiteClient(baseURL, apiToken string, httpClient *http.Client) *WebsiteClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &WebsiteClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		http:     httpClient,
	}
}

// CloudToken is a short-lived credential for the cloud plane.
type CloudToken struct {
	Value       string
	ExpiresAt   time.Time
	WorkspaceID string
}

// Valid reports whether the token is usable, leaving the refresh margin.
func (t CloudToken) Valid(now time.Time) bool {
	return t.Value != "" && t.ExpiresAt.After(now.Add(tokenRefreshMargin))
}

// FetchCloudToken exchanges the API token for a cloud JWT scoped to
// workspaceID with the given permission ("read" or "write"). When the
// response does not name the workspace, it is decoded from the JWT.
func (w *WebsiteClient) FetchCloudToken(ctx context.Context, workspaceID, permission string) (CloudToken, error) {
	body, err := json.Marshal(map[string]string{
		"repoId":      workspaceID,
		"permissions": permission,
	})
	if err != nil {
		return CloudToken{}, fmt.Errorf("transport: marshal token request: %w", err)
	}

	var resp struct {
		Token       string `json:"token"`
		ExpiresAt   string `json:"expiresAt"`
		WorkspaceID string `json:"workspaceId"`
	}
	err = withRetry(ctx, false, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			w.baseURL+"/api/cloud/token", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+w.apiToken)
		req.Header.Set("Content-Type", "application/json")

		httpResp, err := w.http.Do(req)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return statusError(httpResp)
		}
		return json.NewDecoder(httpResp.Body).Decode(&resp)
	})
	if err != nil {
		return CloudToken{}, err
	}
	if resp.Token == "" {
		return CloudToken{}, errors.New("transport: auth plane returned no token")
	}

	expires, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	if err != nil {
		return CloudToken{}, fmt.Errorf("transport: parse token expiry %q: %w", resp.ExpiresAt, err)
	}

	wsID := resp.WorkspaceID
	if wsID == "" {
		wsID, _ = WorkspaceIDFromJWT(resp.Token)
	}
	return CloudToken{Value: resp.Token, ExpiresAt: expires, WorkspaceID: wsID}, nil
}

// WorkspaceIDFromJWT extracts the workspace id from a cloud JWT payload
// (claims `repoId` or `workspaceId`). The signature is the server's
// concern; the client only reads the scoping claim.
func WorkspaceIDFromJWT(token string) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("transport: parse jwt: %w", err)
	}
	for _, key := range []string{"repoId", "workspaceId"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", errors.New("transport: jwt carries no workspace claim")
}

// CloudTokenSource lazily fetches and caches a cloud token, refreshing
// within 60 seconds of expiry. It is owned by a single run; the
// cross-process lock already excludes concurrent runs.
type CloudTokenSource struct {
	website     *WebsiteClient
	workspaceID string
	permission  string

	mu      sync.Mutex
	current CloudToken
}

// NewCloudTokenSource builds a TokenProvider for the cloud client.
func NewCloudTokenSource(website *WebsiteClient, workspaceID, permission string) *CloudTokenSource {
	return &CloudTokenSource{website: website, workspaceID: workspaceID, permission: permission}
}

// Token implements TokenProvider.
func (s *CloudTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Valid(time.Now()) {
		return s.current.Value, nil
	}
	token, err := s.website.FetchCloudToken(ctx, s.workspaceID, s.permission)
	if err != nil {
		return "", err
	}
	s.current = token
	return token.Value, nil
}
