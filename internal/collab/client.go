// SPDX-License-Identifier: MIT

// Package collab implements the HTTP clients for the soundspan backend's
// internal API: group membership rows, the track catalog and the user
// directory. The backend runs next to this service, so calls are cheap but
// still carry timeouts and context.
package collab

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

	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/listen/ports"
)

const defaultTimeout = 5 * time.Second

// Client talks to the backend's internal API.
type Client struct {
	base   string
	hc     *http.Client
	logger zerolog.Logger
}

// New creates a backend client for the given base URL.
func New(base string, logger zerolog.Logger) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		hc:     &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
}

// WithHTTPClient overrides the underlying HTTP client, for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.hc = hc
	return c
}

func (c *Client) url(parts ...string) string {
	var b strings.Builder
	b.WriteString(c.base)
	for _, p := range parts {
		b.WriteString("/")
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// doJSON issues one request with an optional JSON body and decodes the JSON
// response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("backend request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifyStatus maps backend status codes onto the shared error taxonomy.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ports.ErrNotFound
	case code == http.StatusForbidden, code == http.StatusUnauthorized:
		return ports.ErrNotMember
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return &ports.InputError{Reason: "rejected by backend"}
	default:
		return fmt.Errorf("backend returned status %d", code)
	}
}
