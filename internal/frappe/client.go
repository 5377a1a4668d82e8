// Package frappe calls the school application's whitelisted RPC methods
// (POST /api/method/<name>) and decodes their {"message": ...} envelope.
//
// The caller's session cookie and CSRF token are forwarded verbatim when
// they are attached to the context with WithCredentials. Without them the
// client falls back to the configured API key, which is how the CLI
// authenticates.
package frappe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/JonMunkholm/enroll/internal/importer"
)

// DefaultTimeout bounds one RPC call.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Config configures a Client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	APIKey    string
	APISecret string
}

// Client is safe for concurrent use.
type Client struct {
	base   string
	http   *http.Client
	token  string
	logger *slog.Logger
}

// New creates a client. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("frappe: invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		base:   u.String(),
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	if cfg.APIKey != "" && cfg.APISecret != "" {
		c.token = "token " + cfg.APIKey + ":" + cfg.APISecret
	}
	return c, nil
}

// Call posts payload as JSON to the named method and returns the "message"
// member of the response. Non-2xx responses come back as *Error.
func (c *Client) Call(ctx context.Context, method string, payload any) (gjson.Result, error) {
	if payload == nil {
		payload = struct{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/method/"+method, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authorize(ctx, req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read %s response: %w", method, err)
	}

	c.logger.Debug("frappe call",
		"method", method,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gjson.Result{}, newError(method, resp.StatusCode, raw)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, &Error{
			Method:   method,
			Status:   resp.StatusCode,
			Messages: []string{"invalid JSON response"},
		}
	}
	return gjson.GetBytes(raw, "message"), nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) {
	if creds, ok := CredentialsFrom(ctx); ok {
		if creds.Cookie != "" {
			req.Header.Set("Cookie", creds.Cookie)
		}
		if creds.CSRFToken != "" {
			req.Header.Set("X-Frappe-CSRF-Token", creds.CSRFToken)
		}
		return
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
}

// Create sends a record-creation call. Rejections are returned as
// *importer.SubmissionError carrying the server's messages; a 2xx reply
// whose body reports {"status": "failed"} or {"success": false} is a
// rejection too.
func (c *Client) Create(ctx context.Context, method string, payload any) (importer.CreateResult, error) {
	msg, err := c.Call(ctx, method, payload)
	if err != nil {
		if ctx.Err() != nil {
			return importer.CreateResult{}, err
		}
		se := &importer.SubmissionError{Method: method, Err: err}
		var fe *Error
		if errors.As(err, &fe) {
			se.Messages = fe.Messages
		}
		return importer.CreateResult{}, se
	}

	if reason, failed := rejected(msg); failed {
		return importer.CreateResult{}, &importer.SubmissionError{
			Method:   method,
			Messages: []string{reason},
		}
	}

	return importer.CreateResult{
		Created: createdNames(msg),
		Raw:     json.RawMessage(msg.Raw),
	}, nil
}

func rejected(msg gjson.Result) (string, bool) {
	if !msg.IsObject() {
		return "", false
	}

	failed := false
	switch strings.ToLower(msg.Get("status").String()) {
	case "failed", "error":
		failed = true
	}
	if s := msg.Get("success"); s.Exists() && !s.Bool() {
		failed = true
	}
	if !failed {
		return "", false
	}

	if reason := msg.Get("message").String(); reason != "" {
		return reason, true
	}
	return "Unknown error", true
}

func createdNames(msg gjson.Result) []string {
	var names []string
	for _, key := range []string{"created", "names"} {
		for _, v := range msg.Get(key).Array() {
			if s := v.String(); s != "" {
				names = append(names, s)
			}
		}
	}
	if len(names) == 0 {
		if s := msg.Get("name"); s.Type == gjson.String {
			names = append(names, s.String())
		}
	}
	return names
}
