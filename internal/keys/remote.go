package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrKeyNotFound is returned when a kid is absent from the platform key set
// even after a forced refresh.
var ErrKeyNotFound = errors.New("key not found in remote key set")

// RemoteKeySet is the platform's JWKS, fetched lazily and kept fresh by a
// jwk.Cache. A lookup miss triggers at most one forced refresh per
// ForcedRefreshInterval so a stream of bogus kids cannot hammer the platform.
type RemoteKeySet struct {
	url   string
	cache *jwk.Cache
	log   *slog.Logger

	forcedEvery time.Duration
	mu          sync.Mutex
	lastForced  time.Time
	now         func() time.Time
}

type RemoteOptions struct {
	MinRefreshInterval    time.Duration // default 15m
	ForcedRefreshInterval time.Duration // 0 allows a forced refresh on every miss
	HTTPClient            *http.Client
	Logger                *slog.Logger
}

// NewRemoteKeySet registers url with a new cache. The cache's background
// refresher stops when ctx is cancelled. Nothing is fetched until the first
// lookup.
func NewRemoteKeySet(ctx context.Context, url string, opts RemoteOptions) (*RemoteKeySet, error) {
	if url == "" {
		return nil, errors.New("remote key set: url is required")
	}
	if opts.MinRefreshInterval <= 0 {
		opts.MinRefreshInterval = 15 * time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(url,
		jwk.WithMinRefreshInterval(opts.MinRefreshInterval),
		jwk.WithHTTPClient(opts.HTTPClient),
	); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	return &RemoteKeySet{
		url:         url,
		cache:       cache,
		log:         opts.Logger,
		forcedEvery: opts.ForcedRefreshInterval,
		now:         time.Now,
	}, nil
}

// LookupKey resolves kid, refreshing the set once when it is unknown.
func (r *RemoteKeySet) LookupKey(ctx context.Context, kid string) (jwk.Key, error) {
	set, err := r.cache.Get(ctx, r.url)
	if err == nil {
		if key, ok := set.LookupKeyID(kid); ok {
			return key, nil
		}
	} else {
		r.log.Warn("jwks fetch failed", "url", r.url, "err", err)
	}

	if !r.allowForced() {
		if err != nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	r.log.Info("unknown kid, refreshing platform jwks", "kid", kid)
	set, err = r.cache.Refresh(ctx, r.url)
	if err != nil {
		return nil, fmt.Errorf("refresh jwks: %w", err)
	}
	if key, ok := set.LookupKeyID(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// Set returns the current cached key set.
func (r *RemoteKeySet) Set(ctx context.Context) (jwk.Set, error) {
	return r.cache.Get(ctx, r.url)
}

func (r *RemoteKeySet) allowForced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.forcedEvery > 0 && !r.lastForced.IsZero() && now.Sub(r.lastForced) < r.forcedEvery {
		return false
	}
	r.lastForced = now
	return true
}
