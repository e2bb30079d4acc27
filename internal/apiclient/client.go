package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/ent0n29/pastexam/internal/observability"
	"github.com/ent0n29/pastexam/internal/redact"
	"github.com/ent0n29/pastexam/internal/reliability"
)

const (
	loginPath  = "/auth/login"
	logoutPath = "/auth/logout"
)

// TokenSource yields the current bearer token, empty when signed out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Tokens  TokenSource
	// OnUnauthorized runs for every 401 except a rejected login.
	OnUnauthorized func(ctx context.Context)
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

// Client talks to the past-exam REST API. Every non-2xx response is mapped
// onto the reliability taxonomy before it reaches callers.
type Client struct {
	base           *url.URL
	http           *http.Client
	tokens         TokenSource
	onUnauthorized func(ctx context.Context)
	logger         *zap.Logger
	metrics        *observability.Metrics
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api base url %q must be absolute", cfg.BaseURL)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		base: base,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
		},
		tokens:         cfg.Tokens,
		onUnauthorized: cfg.OnUnauthorized,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}, nil
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
}

func (c *Client) jsonRequest(op, method, path string, payload any) (request, error) {
	req := request{op: op, method: method, path: path}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return request{}, fmt.Errorf("marshal %s: %w", op, err)
		}
		req.body = bytes.NewReader(b)
		req.contentType = "application/json"
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + r.path
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, r.method, u.String(), r.body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", r.op, err)
	}
	if r.contentType != "" {
		httpReq.Header.Set("Content-Type", r.contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.ObserveUpstream(r.op, 0)
		return fmt.Errorf("%s: %w: %w", r.op, reliability.ErrTransient, err)
	}
	defer res.Body.Close()
	c.metrics.ObserveUpstream(r.op, res.StatusCode)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return c.statusError(ctx, r, res.StatusCode, body)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", r.op, err)
	}
	return nil
}

func (c *Client) statusError(ctx context.Context, r request, code int, body []byte) error {
	detail := errorDetail(body)
	switch {
	case code == http.StatusUnauthorized && r.method == http.MethodPost && r.path == loginPath:
		return fmt.Errorf("%s: %w", r.op, reliability.ErrInvalidCredentials)
	case code == http.StatusUnauthorized && r.method == http.MethodPost && r.path == logoutPath:
		// Signing out with an expired token is not a session expiry.
		return fmt.Errorf("%s: %w", r.op, reliability.ErrUnauthorized)
	case code == http.StatusUnauthorized:
		c.logger.Info("upstream rejected credentials", zap.String("op", r.op))
		if c.onUnauthorized != nil {
			c.onUnauthorized(ctx)
		}
		return fmt.Errorf("%s: %w", r.op, reliability.ErrUnauthorized)
	case code == http.StatusConflict:
		if detail != "" {
			return fmt.Errorf("%s: %w: %s", r.op, reliability.ErrConflict, detail)
		}
		return fmt.Errorf("%s: %w", r.op, reliability.ErrConflict)
	default:
		c.logger.Warn("upstream request failed",
			zap.String("op", r.op),
			zap.Int("status", code),
			zap.String("detail", redact.String(detail)),
		)
		return &reliability.StatusError{Method: r.method, Path: r.path, Code: code, Detail: detail}
	}
}

// errorDetail extracts the human-readable reason from an error body.
func errorDetail(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	var obj struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &obj); err != nil || len(obj.Detail) == 0 {
		return strings.TrimSpace(string(body))
	}
	var s string
	if err := json.Unmarshal(obj.Detail, &s); err == nil {
		return s
	}
	return string(obj.Detail)
}

// IsInvalidCredentials reports a rejected login attempt.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, reliability.ErrInvalidCredentials)
}
