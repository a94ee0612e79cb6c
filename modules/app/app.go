// Package app assembles the cache, HTTP stack and metrics from a Config and
// owns their lifecycle. Build one App at process start and Close it on exit.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/guarzo/cachesync/common"
	"github.com/guarzo/cachesync/modules/api"
	"github.com/guarzo/cachesync/modules/cachestore"
	"github.com/guarzo/cachesync/modules/httpcache"
	"github.com/guarzo/cachesync/modules/persist"
)

const flushTimeout = 5 * time.Second

// Option adjusts how New assembles the App.
type Option func(*options)

type options struct {
	clock     clockwork.Clock
	transport http.RoundTripper
}

// WithClock sets the store's time source.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithTransport sets the network transport under the caching layer.
func WithTransport(rt http.RoundTripper) Option { return func(o *options) { o.transport = rt } }

// App holds the process-wide components.
type App struct {
	Config    *common.Config
	Logger    *zap.Logger
	Store     *cachestore.Store
	Responses *cachestore.Namespace[httpcache.Response]
	Session   *httpcache.Session
	Transport *httpcache.Transport
	HTTP      common.HttpClient
	Client    api.Client
	// Registry is nil unless metrics are enabled.
	Registry *prometheus.Registry

	durable   *durable
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds every component. A nil logger discards logs.
func New(ctx context.Context, cfg *common.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = common.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	codec, err := persist.CodecByName(cfg.Durable.Codec)
	if err != nil {
		return nil, err
	}
	d, err := openDurable(ctx, cfg.Durable, codec, logger.Named("durable"))
	if err != nil {
		return nil, err
	}

	storeOpts := []cachestore.Option{
		cachestore.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cachestore.WithDurable(d.store),
		cachestore.WithCodec(codec),
		cachestore.WithLogger(logger.Named("cache")),
	}
	if cfg.Cache.DurableTimeout > 0 {
		storeOpts = append(storeOpts, cachestore.WithDurableTimeout(cfg.Cache.DurableTimeout))
	}
	if o.clock != nil {
		storeOpts = append(storeOpts, cachestore.WithClock(o.clock))
	}
	store := cachestore.New(storeOpts...)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Responses: cachestore.NewNamespace[httpcache.Response](store, cachestore.NamespaceAPI),
		Session:   httpcache.NewSession(sessionToken(cfg.Auth)),
		durable:   d,
	}

	a.Transport = &httpcache.Transport{
		Base:              o.transport,
		Cache:             a.Responses,
		Session:           a.Session,
		SessionNamespaces: cfg.Cache.SessionNamespaces,
		DefaultTTL:        cfg.HTTP.CacheTTL,
		Logger:            logger.Named("http"),
	}
	if cfg.Auth.TokenURL != "" {
		a.Transport.Auth = common.NewOAuth2AuthClient(cfg.Auth.ClientID, cfg.Auth.ClientSecret, cfg.Auth.TokenURL)
	}
	a.HTTP = common.NewHttpClient(cfg.HTTP.UserAgent, &http.Client{Transport: a.Transport}, cfg.HTTP.Timeout)
	a.Client = api.NewClient(cfg.HTTP.BaseURL, a.HTTP)

	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		if err := cachestore.NewCollector(store, cfg.Metrics.Namespace).Register(a.Registry); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return a, nil
}

func sessionToken(cfg common.AuthConfig) *oauth2.Token {
	if cfg.AccessToken == "" && cfg.RefreshToken == "" {
		return nil
	}
	return &oauth2.Token{AccessToken: cfg.AccessToken, RefreshToken: cfg.RefreshToken}
}

// MetricsHandler serves the App's registry, or 404s when metrics are disabled.
func (a *App) MetricsHandler() http.Handler {
	if a.Registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}

// BreakerState reports the durable circuit breaker state, or "" when there is none.
func (a *App) BreakerState() string {
	if a.durable.breaker == nil {
		return ""
	}
	return a.durable.breaker.State()
}

// Flush waits for queued durable writes to land.
func (a *App) Flush(ctx context.Context) error {
	if a.durable.writeBack == nil {
		return nil
	}
	return a.durable.writeBack.Flush(ctx)
}

// Close flushes pending durable writes and closes the store. Later calls
// return the first result.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		flushErr := a.Flush(ctx)
		if flushErr != nil {
			a.Logger.Warn("flushing durable writes failed", zap.Error(flushErr))
		}
		a.HTTP.CloseIdleConnections()
		a.closeErr = errors.Join(flushErr, a.Store.Close())
	})
	return a.closeErr
}
