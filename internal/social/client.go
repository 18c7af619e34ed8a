// Package social talks to the social platform: chunked media upload, posting
// statuses and reading mentions.
//
// Every request goes through the retry policy, a request limiter and an
// OAuth1-signed HTTP client built from the configured credentials.
package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"golang.org/x/time/rate"

	"plotbot/internal/eventbus"
	"plotbot/internal/retry"
	logx "plotbot/pkg/logx"
)

const (
	DefaultUploadURL = "https://upload.twitter.com/1.1/media/upload.json"
	DefaultAPIBase   = "https://api.twitter.com/1.1"

	// DefaultChunkSize is the APPEND segment size.
	DefaultChunkSize = 4 * 1024 * 1024
)

// Credentials are supplied by configuration; the bot never acquires tokens.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
}

func (c Credentials) Complete() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.AccessToken != "" && c.AccessSecret != ""
}

type Config struct {
	UploadURL string
	APIBase   string

	// ChunkSize overrides DefaultChunkSize. Only tests should change it.
	ChunkSize int64

	// RatePerSec and Burst pace outgoing requests. 0 disables pacing.
	RatePerSec float64
	Burst      int

	// RequestTimeout bounds a single HTTP exchange (not the retry loop).
	RequestTimeout time.Duration

	Credentials Credentials

	// HTTPClient is the transport under the OAuth1 signer. nil means a
	// fresh client with RequestTimeout.
	HTTPClient *http.Client

	// Sleep waits between STATUS polls. nil means a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Client struct {
	cfg     Config
	http    *http.Client
	retry   retry.Policy
	limiter *rate.Limiter
	log     logx.Logger
	bus     eventbus.Bus
}

func NewClient(cfg Config, policy retry.Policy, log logx.Logger, bus eventbus.Bus) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.UploadURL) == "" {
		cfg.UploadURL = DefaultUploadURL
	}
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = DefaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if !cfg.Credentials.Complete() {
		return nil, errors.New("social: incomplete credentials")
	}
	for _, raw := range []string{cfg.UploadURL, cfg.APIBase} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("social: bad endpoint %q: %w", raw, err)
		}
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: cfg.RequestTimeout}
	}
	oc := oauth1.NewConfig(cfg.Credentials.ConsumerKey, cfg.Credentials.ConsumerSecret)
	token := oauth1.NewToken(cfg.Credentials.AccessToken, cfg.Credentials.AccessSecret)
	signed := oc.Client(context.WithValue(context.Background(), oauth1.HTTPClient, base), token)

	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, cfg.Burst))
	}

	if policy.Log.IsZero() {
		policy.Log = log
	}
	return &Client{
		cfg:     cfg,
		http:    signed,
		retry:   policy,
		limiter: lim,
		log:     log,
		bus:     bus,
	}, nil
}

// ChunkSize is the APPEND segment size in use.
func (c *Client) ChunkSize() int64 { return c.cfg.ChunkSize }

// do runs one logical call under the retry policy. build must return a fresh
// request every time it is called.
func (c *Client) do(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error)) (*retry.Result, error) {
	return c.retry.Do(ctx, op, func(ctx context.Context) (*http.Response, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})
}

func (c *Client) postForm(ctx context.Context, op, endpoint string, form url.Values) (*retry.Result, error) {
	body := form.Encode()
	return c.do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

func (c *Client) get(ctx context.Context, op, endpoint string, q url.Values) (*retry.Result, error) {
	target := endpoint
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return c.do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
}

func (c *Client) api(path string) string { return c.cfg.APIBase + "/" + strings.TrimLeft(path, "/") }

func decode(op string, res *retry.Result, v any) error {
	if v == nil || len(res.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body, v); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
