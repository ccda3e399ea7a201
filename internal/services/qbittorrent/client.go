// Package qbittorrent implements ports.TorrentClient over the qBittorrent WebUI API.
package qbittorrent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"resty.dev/v3"

	"github.com/amaumene/episodarr/internal/config"
	"github.com/amaumene/episodarr/internal/utils"
)

// ErrUnauthorized is returned when the WebUI rejects the credentials
var ErrUnauthorized = errors.New("qbittorrent: unauthorized")

// Client wraps the qBittorrent WebUI API
type Client struct {
	http         *resty.Client
	username     string
	password     string
	pollTimeout  time.Duration
	pollInterval time.Duration
	retry        utils.RetryPolicy
	info         *cache.Cache
	logger       *logrus.Logger

	mu       sync.Mutex
	loggedIn bool
}

// NewClient creates a new qBittorrent client
func NewClient(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	if cfg.QBitURL == "" {
		return nil, fmt.Errorf("qBittorrent URL is required")
	}

	pollTimeout := cfg.QBitPollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.QBitURL, "/")).
		SetTimeout(30*time.Second).
		SetHeader("Referer", cfg.QBitURL)

	return &Client{
		http:         httpClient,
		username:     cfg.QBitUsername,
		password:     cfg.QBitPassword,
		pollTimeout:  pollTimeout,
		pollInterval: time.Second,
		retry:        cfg.Retry,
		info:         cache.New(2*time.Second, time.Minute),
		logger:       logger,
	}, nil
}

// Close releases the underlying HTTP client
func (c *Client) Close() error {
	return c.http.Close()
}

// login authenticates and stores the SID cookie in the client's jar
func (c *Client) login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": c.username,
			"password": c.password,
		}).
		Post("/api/v2/auth/login")
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	if resp.StatusCode() == http.StatusForbidden || strings.TrimSpace(resp.String()) == "Fails." {
		return ErrUnauthorized
	}
	if resp.IsError() {
		return fmt.Errorf("login failed with status %d: %s", resp.StatusCode(), resp.String())
	}

	c.loggedIn = true
	c.logger.Debug("Logged in to qBittorrent")
	return nil
}

func (c *Client) invalidateSession() {
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
}

// request describes one API call
type request struct {
	method string
	path   string
	query  map[string]string
	form   map[string]string
	build  func(r *resty.Request)
	result interface{}
}

// statusError is a non-2xx API response
type statusError struct {
	status int
	body   string
	path   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.path, e.status, e.body)
}

// isNotFound reports whether err is a 404 from the API
func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

// do sends a request with session renewal and bounded retries for transient failures
func (c *Client) do(ctx context.Context, req request) (*resty.Response, error) {
	var resp *resty.Response
	renewed := false

	op := func() error {
		if err := c.login(ctx); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return utils.Permanent(err)
			}
			return err
		}

		r := c.http.R().SetContext(ctx)
		if req.query != nil {
			r.SetQueryParams(req.query)
		}
		if req.form != nil {
			r.SetFormData(req.form)
		}
		if req.build != nil {
			req.build(r)
		}
		if req.result != nil {
			r.SetResult(req.result)
		}

		var err error
		if req.method == http.MethodGet {
			resp, err = r.Get(req.path)
		} else {
			resp, err = r.Post(req.path)
		}
		if err != nil {
			if ctx.Err() != nil {
				return utils.Permanent(ctx.Err())
			}
			return err
		}

		switch {
		case resp.StatusCode() == http.StatusForbidden && !renewed:
			renewed = true
			c.invalidateSession()
			return fmt.Errorf("session expired")
		case resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests:
			return &statusError{status: resp.StatusCode(), body: resp.String(), path: req.path}
		case resp.IsError():
			return utils.Permanent(&statusError{status: resp.StatusCode(), body: resp.String(), path: req.path})
		}
		return nil
	}

	if err := utils.Retry(ctx, c.retry, c.logger, req.path, op); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, form map[string]string) error {
	_, err := c.do(ctx, request{method: http.MethodPost, path: path, form: form})
	return err
}
