package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/throw-if-null/catalyst/internal/fault"
)

// client talks to the argon daemon and unwraps its response envelopes.
type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(addr, token string, timeout time.Duration) *client {
	addr = strings.TrimRight(addr, "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &client{base: addr, token: token, http: &http.Client{Timeout: timeout}}
}

// apiError is a failed envelope returned by the daemon.
type apiError struct {
	Status int
	Msg    string
	Issues []fault.Issue
}

func (e *apiError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "request failed (%d): %s", e.Status, e.Msg)
	for _, is := range e.Issues {
		path := is.Path
		if path == "" {
			path = "(body)"
		}
		fmt.Fprintf(&b, "\n  %s: %s", path, is.Message)
	}
	return b.String()
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Issues  []fault.Issue   `json:"issues"`
}

// do sends body (if any) as JSON and decodes the envelope's data into out.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unexpected response: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 400 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = resp.Status
		}
		return &apiError{Status: resp.StatusCode, Msg: msg, Issues: env.Issues}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
