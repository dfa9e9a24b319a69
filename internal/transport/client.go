// Package transport implements the HTTP clients of the sync engine:
// the cloud plane (chunk store, commits, refs) and the website auth
// plane that issues short-lived cloud tokens.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrRefNotFound marks a 404 on a ref lookup: the remote has no commits.
var ErrRefNotFound = errors.New("transport: ref not found")

// TokenProvider supplies the bearer token attached to every cloud
// request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider with a fixed value. Used in tests and
// for pre-issued tokens.
type StaticToken string

// Token implements TokenProvider.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// DefaultHTTPTimeout bounds individual cloud-plane requests.
const DefaultHTTPTimeout = 60 * time.Second

// Client talks to the cloud plane.
type Client struct {
	baseURL string
	tokens  TokenProvider
	http    *http.Client
}

// NewClient builds a cloud client. httpClient may be nil.
func NewClient(baseURL string, tokens TokenProvider, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
	}
}

// ChunkInfo names one chunk offered to the server.
type ChunkInfo struct {
	ID   string `json:"id"`
	Size uint64 `json:"size"`
}

// NeededChunk is a chunk the server wants, with its presigned PUT URL.
type NeededChunk struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PrepareResponse lists the chunks the server does not already hold.
type PrepareResponse struct {
	Needed []NeededChunk `json:"needed"`
}

// UploadPrepare probes the server's object index. Chunks absent from
// the response are dedup hits.
func (c *Client) UploadPrepare(ctx context.Context, chunks []ChunkInfo) (*PrepareResponse, error) {
	var resp PrepareResponse
	err := c.postJSONRetry(ctx, "/v1/upload/prepare", map[string]any{"chunks": chunks}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterChunks marks uploaded ids as committed in the server's index.
func (c *Client) RegisterChunks(ctx context.Context, ids []string, totalSize uint64) error {
	return c.postJSONRetry(ctx, "/v1/chunks/register", map[string]any{
		"ids":       ids,
		"totalSize": totalSize,
	}, nil)
}

// CommitRequest is the commit part of an upload/complete call.
type CommitRequest struct {
	Message string   `json:"message"`
	Parents []string `json:"parents"`
}

// UploadComplete publishes an encrypted tree and its commit, returning
// the server-assigned commit hash.
func (c *Client) UploadComplete(ctx context.Context, sessionID string, encryptedTree []byte, commit CommitRequest) (string, error) {
	var resp struct {
		CommitHash string `json:"commitHash"`
	}
	err := c.postJSONRetry(ctx, "/v1/upload/complete", map[string]any{
		"sessionId": sessionID,
		"tree":      base64.StdEncoding.EncodeToString(encryptedTree),
		"commit":    commit,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.CommitHash == "" {
		return "", errors.New("transport: upload/complete returned no commit hash")
	}
	return resp.CommitHash, nil
}

// Ref is a named remote reference.
type Ref struct {
	Hash string `json:"hash"`
}

// GetRef fetches a remote ref; ErrRefNotFound on 404.
func (c *Client) GetRef(ctx context.Context, name string) (*Ref, error) {
	var ref Ref
	err := c.getJSON(ctx, "/v1/refs/"+name, &ref)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, ErrRefNotFound
		}
		return nil, err
	}
	return &ref, nil
}

// GetCommit fetches and decodes a commit payload.
func (c *Client) GetCommit(ctx context.Context, hash string) ([]byte, error) {
	return c.getData(ctx, "/v1/commits/"+hash)
}

// GetBlob fetches and decodes an encrypted blob (e.g. a tree).
func (c *Client) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	return c.getData(ctx, "/v1/blobs/"+hash)
}

// DownloadPrepare exchanges chunk ids for presigned GET URLs.
func (c *Client) DownloadPrepare(ctx context.Context, ids []string) (map[string]string, error) {
	var resp struct {
		URLs []struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"urls"`
	}
	if err := c.postJSONRetry(ctx, "/v1/download/prepare", map[string]any{"chunks": ids}, &resp); err != nil {
		return nil, err
	}
	urls := make(map[string]string, len(resp.URLs))
	for _, u := range resp.URLs {
		urls[u.ID] = u.URL
	}
	return urls, nil
}

// ResetResponse reports one page of a workspace reset.
type ResetResponse struct {
	Success bool `json:"success"`
	R2      struct {
		Deleted    int    `json:"deleted"`
		NextCursor string `json:"nextCursor"`
	} `json:"r2"`
}

// WorkspaceReset deletes a page of remote objects. cursor is empty on
// the first call; iterate until NextCursor comes back empty.
func (c *Client) WorkspaceReset(ctx context.Context, cursor string, limit int) (*ResetResponse, error) {
	body := map[string]any{"limit": limit}
	if cursor != "" {
		body["cursor"] = cursor
	}
	var resp ResetResponse
	if err := c.postJSONRetry(ctx, "/v1/workspace/reset", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutPresigned uploads raw ciphertext to a presigned URL, retrying
// transient failures.
func (c *Client) PutPresigned(ctx context.Context, url string, data []byte) error {
	return withRetry(ctx, true, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.ContentLength = int64(len(data))
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(resp)
		}
		io.Copy(io.Discard, resp.Body)
		return nil
	})
}

// GetPresigned downloads raw ciphertext from a presigned URL, retrying
// transient failures.
func (c *Client) GetPresigned(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, true, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(resp)
		}
		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// getData fetches a `{data: base64}` envelope and decodes it.
func (c *Client) getData(ctx context.Context, path string) ([]byte, error) {
	var resp struct {
		Data string `json:"data"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("transport: decode %s payload: %w", path, err)
	}
	return decoded, nil
}

func (c *Client) postJSONRetry(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: marshal %s body: %w", path, err)
	}
	return withRetry(ctx, false, func() error {
		return c.do(ctx, http.MethodPost, path, payload, out)
	})
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return withRetry(ctx, false, func() error {
		return c.do(ctx, http.MethodGet, path, nil, out)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: decode %s response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
