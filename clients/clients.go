// Package clients talks to the HTTP collaborators around the fusion engine:
// the text emotion analyzer and the recommendation service.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

const maxErrorBody = 4 << 10

type HTTP struct{ c *http.Client }

// NewHTTP returns a client with a pooled transport. timeout bounds a whole
// request; zero means 30s.
func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &HTTP{c: &http.Client{Transport: tr, Timeout: timeout}}
}

// CloseIdle releases pooled connections.
func (h *HTTP) CloseIdle() { h.c.CloseIdleConnections() }

// postJSON sends in as JSON and decodes a 200 response into out. Transport
// failures and non-200 answers wrap emotion.ErrCollaboratorUnavailable.
func (h *HTTP) postJSON(ctx context.Context, url, what string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s encode: %w", what, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.c.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", emotion.ErrCollaboratorUnavailable, what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s %s: %s", emotion.ErrCollaboratorUnavailable, what, resp.Status, bytes.TrimSpace(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", what, err)
	}
	return nil
}
