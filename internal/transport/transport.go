// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package transport talks HTTP to a selected backend. It owns authentication
// (cookie login for qBittorrent, session-id challenge for Transmission) and maps
// responses onto the backend error taxonomy.
package transport

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
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tmsync/internal/backend"
	"github.com/autobrr/tmsync/internal/buildinfo"
)

const (
	maxResponseBytes int64 = 64 << 20

	qbitLoginEndpoint   = "api/v2/auth/login"
	transSessionHeader  = "X-Transmission-Session-Id"
	defaultTimeout      = 30 * time.Second
	loginAttempts       = 3
	loginRetryBaseDelay = 250 * time.Millisecond
)

type Config struct {
	Kind     backend.Kind
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration

	// HTTPClient overrides the default client; its Jar is replaced for qbit.
	HTTPClient *http.Client
}

// Client implements backend.Transport.
type Client struct {
	kind     backend.Kind
	base     *url.URL
	username string
	password string
	http     *http.Client

	mu        sync.Mutex
	sessionID string
	loggedIn  bool
}

var _ backend.Transport = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Kind)
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	if cfg.Kind == backend.KindQbit {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		clone := *httpClient
		clone.Jar = jar
		httpClient = &clone
	}

	return &Client{
		kind:     cfg.Kind,
		base:     base,
		username: cfg.Username,
		password: cfg.Password,
		http:     httpClient,
	}, nil
}

func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	return c.do(ctx, endpoint, func(u string) (*http.Request, error) {
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
}

func (c *Client) PostForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	encoded := form.Encode()
	return c.do(ctx, endpoint, func(u string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

func (c *Client) PostJSON(ctx context.Context, endpoint string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &backend.ValidationError{Section: endpoint, Reason: "encode request: " + err.Error()}
	}
	return c.do(ctx, endpoint, func(u string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

func (c *Client) resolve(endpoint string) string {
	ref := &url.URL{Path: strings.TrimLeft(endpoint, "/")}
	return c.base.ResolveReference(ref).String()
}

type requestBuilder func(u string) (*http.Request, error)

func (c *Client) do(ctx context.Context, endpoint string, build requestBuilder) ([]byte, error) {
	if c.kind == backend.KindQbit {
		if err := c.ensureLogin(ctx); err != nil {
			return nil, err
		}
	}

	body, status, header, err := c.send(ctx, endpoint, build)
	if err != nil {
		return nil, err
	}

	switch {
	case c.kind == backend.KindQbit && status == http.StatusForbidden:
		// cookie expired: log in again once
		c.mu.Lock()
		c.loggedIn = false
		c.mu.Unlock()
		if err := c.ensureLogin(ctx); err != nil {
			return nil, err
		}
		body, status, _, err = c.send(ctx, endpoint, build)
		if err != nil {
			return nil, err
		}
	case c.kind == backend.KindTrans && status == http.StatusConflict:
		if id := header.Get(transSessionHeader); id != "" {
			c.mu.Lock()
			c.sessionID = id
			c.mu.Unlock()
			body, status, _, err = c.send(ctx, endpoint, build)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := classifyStatus(endpoint, status); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, endpoint string, build requestBuilder) ([]byte, int, http.Header, error) {
	req, err := build(c.resolve(endpoint))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("build request %s: %w", endpoint, err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, 0, nil, ctx.Err()
		}
		return nil, 0, nil, &backend.TransportError{Op: req.Method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, 0, nil, &backend.TransportError{Op: "read " + endpoint, Err: err}
	}
	if int64(len(data)) > maxResponseBytes {
		return nil, 0, nil, &backend.ValidationError{Section: endpoint, Reason: "response exceeds size limit"}
	}

	log.Trace().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Int("bytes", len(data)).
		Msg("Backend request completed")

	return data, resp.StatusCode, resp.Header, nil
}

func (c *Client) decorate(req *http.Request) {
	if c.kind != backend.KindTrans {
		return
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(transSessionHeader, c.sessionID)
	}
	c.mu.Unlock()
}

func (c *Client) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loggedIn {
		return nil
	}

	err := retry.Do(
		func() error { return c.login(ctx) },
		retry.Context(ctx),
		retry.Attempts(loginAttempts),
		retry.Delay(loginRetryBaseDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(backend.IsRetryable),
	)
	if err != nil {
		return err
	}
	c.loggedIn = true
	return nil
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{"username": {c.username}, "password": {c.password}}
	u := c.resolve(qbitLoginEndpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	// qBittorrent rejects logins without a matching Referer when CSRF protection is on
	req.Header.Set("Referer", c.base.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return &backend.TransportError{Op: "login", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode == http.StatusOK && strings.TrimSpace(string(body)) != "Fails.":
		log.Debug().Str("host", c.base.Host).Msg("Logged in to qBittorrent")
		return nil
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return &backend.AuthError{Endpoint: qbitLoginEndpoint, StatusCode: resp.StatusCode, Reason: "credentials rejected"}
	default:
		return &backend.StatusError{Endpoint: qbitLoginEndpoint, StatusCode: resp.StatusCode}
	}
}

func classifyStatus(endpoint string, status int) error {
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return nil
	case status == http.StatusUnauthorized:
		return &backend.AuthError{Endpoint: endpoint, StatusCode: status}
	default:
		return &backend.StatusError{Endpoint: endpoint, StatusCode: status}
	}
}
