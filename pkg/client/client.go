// Package client talks to the FinanceGPT chat endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime"
	"net/http"
	"strings"

	"github.com/financegpt/backend/pkg/assembler"
	"github.com/financegpt/backend/pkg/streamreader"
)

// ErrNotStreaming is returned when the chat endpoint answers without an event stream.
var ErrNotStreaming = errors.New("response is not an event stream")

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	opts    []streamreader.Option
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient. Streaming requests should not use
// a client-wide Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithReaderOptions passes options to every stream reader.
func WithReaderOptions(opts ...streamreader.Option) Option {
	return func(c *Client) {
		c.opts = append(c.opts, opts...)
	}
}

// New creates a client for the backend at baseURL, e.g. http://localhost:8000.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Messages []assembler.Message `json:"messages"`
}

type chatResponse struct {
	Content string `json:"content"`
	Error   string `json:"error"`
}

// Stream posts messages to /api/chat and returns the reply as a delta
// sequence. Malformed responses fail before any frame is parsed.
func (c *Client) Stream(ctx context.Context, messages []assembler.Message) (iter.Seq2[string, error], error) {
	resp, err := c.post(ctx, "/api/chat", messages, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, ErrNotStreaming
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, ErrNotStreaming
	}
	return streamreader.Deltas(ctx, resp.Body, c.opts...), nil
}

// StreamFunc adapts Stream for assembler.Conversation.Send.
func (c *Client) StreamFunc() assembler.StreamFunc {
	return c.Stream
}

// Complete posts messages to /api/chat/json and returns the full reply.
func (c *Client) Complete(ctx context.Context, messages []assembler.Message) (string, error) {
	resp, err := c.post(ctx, "/api/chat/json", messages, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return out.Content, &streamreader.ServerError{Message: out.Error}
	}
	return out.Content, nil
}

func (c *Client) post(ctx context.Context, path string, messages []assembler.Message, accept string) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", streamreader.ErrCanceled, ctx.Err())
		}
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	return resp, nil
}

func errorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var payload chatResponse
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
