// Package blackboard is the Learn REST client used by the grade endpoints.
// It owns the client-credentials token and hides pagination.
package blackboard

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
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/mind-engage/gradebridge/internal/apperr"
)

const (
	tokenPath = "/learn/api/public/v1/oauth2/token"

	defaultTimeout  = 15 * time.Second
	defaultMaxPages = 200
	tokenLeeway     = 30 * time.Second
)

type Config struct {
	Host         string // learn.example.edu, or a full base URL
	ClientID     string
	ClientSecret string

	Timeout   time.Duration // per call
	MaxPages  int
	RateLimit float64 // requests per second; 0 disables pacing
	RateBurst int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one Learn instance. It is safe for concurrent use; the
// only shared state is the cached access token.
type Client struct {
	base     string
	http     *http.Client
	creds    clientcredentials.Config
	limiter  *rate.Limiter
	timeout  time.Duration
	maxPages int
	log      *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	token *oauth2.Token
}

func New(cfg Config) (*Client, error) {
	base, err := baseURL(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrConfiguration, err)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: blackboard client id and secret are required", apperr.ErrConfiguration)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		base: base,
		http: cfg.HTTPClient,
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     base + tokenPath,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		limiter:  limiter,
		timeout:  cfg.Timeout,
		maxPages: cfg.MaxPages,
		log:      cfg.Logger,
		now:      time.Now,
	}, nil
}

func baseURL(host string) (string, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return "", errors.New("blackboard host is required")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid blackboard host %q", host)
	}
	return u.Scheme + "://" + u.Host, nil
}

// EnsureAccessToken returns a token that is valid for at least the refresh
// leeway, fetching a new one when needed.
func (c *Client) EnsureAccessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok := c.token
	c.mu.RUnlock()
	if c.usable(tok) {
		return tok.AccessToken, nil
	}
	return c.refreshToken(ctx)
}

// refreshToken is the only writer of the token slot. Concurrent callers may
// both fetch; the last one to finish wins.
func (c *Client) refreshToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return "", apperr.Transport(apperr.ErrUpstreamAuth, "token", err)
	}

	tok, err := c.creds.Token(context.WithValue(ctx, oauth2.HTTPClient, c.http))
	if err == nil && tok.AccessToken == "" {
		err = errors.New("empty access token")
	}
	if err != nil {
		c.mu.Lock()
		c.token = nil
		c.mu.Unlock()
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			c.log.Warn("blackboard token grant rejected", "status", re.Response.Status)
			return "", apperr.Upstream(apperr.ErrUpstreamAuth, "token", re.Response)
		}
		return "", apperr.Transport(apperr.ErrUpstreamAuth, "token", err)
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	c.log.Debug("blackboard token refreshed", "expiry", tok.Expiry)
	return tok.AccessToken, nil
}

func (c *Client) usable(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || c.now().Add(tokenLeeway).Before(tok.Expiry)
}

// invalidate drops the cached token if it is still the one that was rejected.
func (c *Client) invalidate(access string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.AccessToken == access {
		c.token = nil
	}
}

// call performs one authenticated JSON request. kind is the error class
// used for non-2xx answers; 401 is always ErrUpstreamAuth and a 404 on a read
// is ErrNotFound.
func (c *Client) call(ctx context.Context, method, u string, in, out any, kind error, op string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	access, err := c.EnsureAccessToken(ctx)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Transport(kind, op, err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transport(kind, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.invalidate(access)
		return apperr.Upstream(apperr.ErrUpstreamAuth, op, resp)
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return apperr.Upstream(apperr.ErrNotFound, op, resp)
	case resp.StatusCode/100 != 2:
		return apperr.Upstream(kind, op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Transport(kind, op, fmt.Errorf("decode: %w", err))
	}
	return nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	if len(q) == 0 {
		return c.base + path
	}
	return c.base + path + "?" + q.Encode()
}

// next turns a paging.nextPage value into an absolute URL on this host.
func (c *Client) next(p *paging) (string, error) {
	if p == nil || p.NextPage == "" {
		return "", nil
	}
	u, err := url.Parse(p.NextPage)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		if u.Scheme+"://"+u.Host != c.base {
			return "", fmt.Errorf("next page points at foreign host %q", u.Host)
		}
		return u.String(), nil
	}
	if !strings.HasPrefix(p.NextPage, "/") {
		return c.base + "/" + p.NextPage, nil
	}
	return c.base + p.NextPage, nil
}

// collect follows paging.nextPage until it is absent. Pages are fetched
// strictly in order and never retried.
func collect[T any](ctx context.Context, c *Client, first, op string) ([]T, error) {
	var out []T
	seen := make(map[string]struct{})
	u := first
	for pages := 0; u != ""; pages++ {
		if pages >= c.maxPages {
			return nil, fmt.Errorf("%w: %s: more than %d pages", apperr.ErrPaginationExceeded, op, c.maxPages)
		}
		if _, dup := seen[u]; dup {
			return nil, fmt.Errorf("%w: %s: cursor repeated", apperr.ErrPaginationExceeded, op)
		}
		seen[u] = struct{}{}

		var p page[T]
		if err := c.call(ctx, http.MethodGet, u, nil, &p, apperr.ErrUpstreamRead, op); err != nil {
			return nil, err
		}
		out = append(out, p.Results...)

		next, err := c.next(p.Paging)
		if err != nil {
			return nil, apperr.Transport(apperr.ErrUpstreamRead, op, err)
		}
		u = next
	}
	return out, nil
}
