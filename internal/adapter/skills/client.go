// Package skills provides the HTTP client for the skill execution service.
package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/xiaot623/gogo/research/internal/domain"
)

const errorSnippetLimit = 512

// FileMetadata describes a file produced by a skill run.
type FileMetadata struct {
	Status    string `json:"status,omitempty"`
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
}

// FileDownload is an open download. The caller must close Body.
type FileDownload struct {
	Body               io.ReadCloser
	ContentType        string
	ContentDisposition string
	ContentLength      int64
}

// StatusError is a non-2xx answer from the skill service outside of the
// stream endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("skills API returned status %d: %s", e.Status, e.Body)
}

// Client is an HTTP client for the skill execution service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a skills client. The HTTP client has no overall timeout:
// skill runs stream for many minutes and are bounded by the caller's context.
func NewClient(baseURL string) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{})
}

// NewClientWithHTTP creates a skills client using hc.
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: hc}
}

// BaseURL returns the configured service URL.
func (c *Client) BaseURL() string { return c.baseURL }

// OpenStream starts a skill run and returns its SSE body. ctx bounds the
// whole stream, reads included. A non-2xx status or a missing body is a
// transport failure and is never retried.
func (c *Client) OpenStream(ctx context.Context, req domain.ExecutionRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(domain.SkillInvokeRequest{
		SkillIDs:  req.SkillIDs,
		Message:   req.Message,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stream/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		kind := domain.FailureTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.FailureTimeout
		}
		return nil, domain.NewAttemptError(kind, "skills invoke", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := readSnippet(resp.Body)
		_ = resp.Body.Close()
		return nil, &domain.AttemptError{
			Kind:   domain.FailureTransport,
			Op:     "skills invoke",
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status: %s", snippet),
		}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, domain.NewAttemptError(domain.FailureTransport, "skills invoke", errors.New("response has no body"))
	}
	return resp.Body, nil
}

// FileMetadata fetches metadata for a produced file.
func (c *Client) FileMetadata(ctx context.Context, fileID string) (*FileMetadata, error) {
	resp, err := c.get(ctx, c.fileURL(fileID, "metadata"), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var meta FileMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode file metadata: %w", err)
	}
	if meta.FileID == "" {
		meta.FileID = fileID
	}
	return &meta, nil
}

// DownloadFile opens the content of a produced file.
func (c *Client) DownloadFile(ctx context.Context, fileID string) (*FileDownload, error) {
	resp, err := c.get(ctx, c.fileURL(fileID, "download"), "*/*")
	if err != nil {
		return nil, err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &FileDownload{
		Body:               resp.Body,
		ContentType:        contentType,
		ContentDisposition: resp.Header.Get("Content-Disposition"),
		ContentLength:      resp.ContentLength,
	}, nil
}

func (c *Client) fileURL(fileID, action string) string {
	return c.baseURL + "/files/" + url.PathEscape(fileID) + "/" + action
}

func (c *Client) get(ctx context.Context, u, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call skills API: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &StatusError{Status: resp.StatusCode, Body: readSnippet(resp.Body)}
	}
	return resp, nil
}

func readSnippet(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, errorSnippetLimit))
	return strings.TrimSpace(string(b))
}
