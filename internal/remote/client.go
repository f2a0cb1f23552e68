// Package remote is a thin HTTP client for the remote document
// database (a Notion-shaped rich-page API): page creation and updates,
// block appends, database queries, and the three-step file upload
// protocol. It handles Bearer authentication, JSON (de)serialization,
// and retry with jittered exponential backoff on 429/5xx.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const apiVersion = "2022-06-28"

// AuthError indicates a 401/403 response, which is never retried: the
// Scheduler counts these toward MaxConsecutiveAuthFailures and exits
// the process rather than burning the retry budget on a token that
// will never become valid on its own.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("remote auth error (%d): %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Client talks to the remote document database's HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
}

// NewClient constructs a Client authenticating with token against the
// remote API at baseURL (e.g. https://api.notion.com/v1).
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		maxRetries: 3,
	}
}

// Page is the subset of the remote page object the Projector needs.
type Page struct {
	ID string `json:"id"`
}

// CreatePageRequest creates a page under a database parent.
type CreatePageRequest struct {
	DatabaseID string                 `json:"-"`
	Properties map[string]interface{} `json:"properties"`
	Children   []map[string]interface{} `json:"children,omitempty"`
}

// CreatePage creates a page in the given database with the given
// properties and up to 100 initial children blocks.
func (c *Client) CreatePage(ctx context.Context, req CreatePageRequest) (*Page, error) {
	body := map[string]interface{}{
		"parent":     map[string]interface{}{"database_id": req.DatabaseID},
		"properties": req.Properties,
	}
	if len(req.Children) > 0 {
		body["children"] = req.Children
	}

	var page Page
	if err := c.do(ctx, http.MethodPost, "/pages", body, &page); err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	return &page, nil
}

// UpdatePageProperties patches an existing page's properties.
func (c *Client) UpdatePageProperties(ctx context.Context, pageID string, properties map[string]interface{}) error {
	body := map[string]interface{}{"properties": properties}
	if err := c.do(ctx, http.MethodPatch, "/pages/"+pageID, body, nil); err != nil {
		return fmt.Errorf("updating page %s: %w", pageID, err)
	}
	return nil
}

// AppendBlockChildren appends children blocks to blockID (typically a
// page ID), bounded by the remote store's 100-block-per-request cap;
// callers must chunk larger block sets themselves.
func (c *Client) AppendBlockChildren(ctx context.Context, blockID string, children []map[string]interface{}) error {
	body := map[string]interface{}{"children": children}
	if err := c.do(ctx, http.MethodPatch, "/blocks/"+blockID+"/children", body, nil); err != nil {
		return fmt.Errorf("appending blocks to %s: %w", blockID, err)
	}
	return nil
}

// QueryDatabaseResult is the subset of a database query response the
// Projector needs.
type QueryDatabaseResult struct {
	Results []Page `json:"results"`
}

// QueryByRichTextEquals queries databaseID for pages where property
// equals value, the shape used both for the Message-ID idempotence
// gate and for thread-anchor resolution.
func (c *Client) QueryByRichTextEquals(ctx context.Context, databaseID, property, value string) ([]Page, error) {
	body := map[string]interface{}{
		"filter": map[string]interface{}{
			"property": property,
			"rich_text": map[string]interface{}{
				"equals": value,
			},
		},
	}
	var result QueryDatabaseResult
	if err := c.do(ctx, http.MethodPost, "/databases/"+databaseID+"/query", body, &result); err != nil {
		return nil, fmt.Errorf("querying database %s: %w", databaseID, err)
	}
	return result.Results, nil
}

// UploadFile performs the three-step upload protocol: (1) request an
// upload handle, (2) stream the file's bytes to it, (3) return the
// handle's id for use in a page/block's file_upload reference.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for upload: %w", path, err)
	}
	defer f.Close()

	filename := filepath.Base(path)

	var created struct {
		ID        string `json:"id"`
		UploadURL string `json:"upload_url"`
	}
	if err := c.do(ctx, http.MethodPost, "/file_uploads", map[string]interface{}{"filename": filename}, &created); err != nil {
		return "", fmt.Errorf("creating file upload for %s: %w", filename, err)
	}

	if err := c.sendFileContent(ctx, created.UploadURL, filename, f); err != nil {
		return "", fmt.Errorf("sending file content for %s: %w", filename, err)
	}

	return created.ID, nil
}

func (c *Client) sendFileContent(ctx context.Context, uploadURL, filename string, content io.Reader) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("creating multipart field: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("copying file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", apiVersion)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// do executes one JSON request against the remote API, retrying
// 429/5xx responses with jittered exponential backoff up to
// maxRetries times. 401/403 responses are returned as AuthError and
// never retried.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Notion-Version", apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("executing %s %s: %w", method, path, err)
			if !sleepForRetry(ctx, attempt) {
				return lastErr
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &AuthError{StatusCode: resp.StatusCode, Message: string(respBody)}

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("remote API error (%d) on %s %s: %s", resp.StatusCode, method, path, string(respBody))
			wait := retryAfter(resp, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("remote API error (%d) on %s %s: %s", resp.StatusCode, method, path, string(respBody))
		}

		if result == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshaling response from %s %s: %w", method, path, err)
		}
		return nil
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

func sleepForRetry(ctx context.Context, attempt int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoffDuration(attempt)):
		return true
	}
}

func retryAfter(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return backoffDuration(attempt)
}

// backoffDuration is exponential with jitter (half the base delay fixed,
// the other half random), with the base capped at 30s.
func backoffDuration(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base/2 + jitter
}
