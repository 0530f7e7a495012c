package main

import (
	"context"
	"net/url"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/fulcrum-sync/internal/coerce"
	"github.com/sells-group/fulcrum-sync/internal/config"
	"github.com/sells-group/fulcrum-sync/internal/fetcher"
	"github.com/sells-group/fulcrum-sync/internal/fulcrum"
	"github.com/sells-group/fulcrum-sync/internal/metrics"
	"github.com/sells-group/fulcrum-sync/internal/registry"
	"github.com/sells-group/fulcrum-sync/internal/store"
	"github.com/sells-group/fulcrum-sync/internal/syncer"
	"github.com/sells-group/fulcrum-sync/internal/synclog"
)

// syncEnv holds everything the serve/sync/backfill commands share.
type syncEnv struct {
	Store    store.RecordStore
	Registry *registry.Registry
	Client   *fulcrum.Client
	Engine   *syncer.Engine
	RunLog   *synclog.Log // nil unless store.run_log is set
	Metrics  *metrics.Metrics
}

// Close releases the store.
func (e *syncEnv) Close() {
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

// initEnv validates the config for mode, then builds the store, registry,
// provider client and engine. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string) (*syncEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	reg, err := registry.LoadFile(c.Registry.Path)
	if err != nil {
		return nil, err
	}
	zap.L().Info("registry loaded", zap.String("path", c.Registry.Path), zap.Int("collections", reg.Len()))

	st, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}

	env := &syncEnv{
		Store:    st,
		Registry: reg,
		Client:   initClient(c.Fulcrum),
		Metrics:  metrics.New(),
	}

	if c.Store.RunLog {
		if ps, ok := st.(*store.PostgresStore); ok {
			env.RunLog = synclog.New(ps.Pool())
		}
	}

	env.Engine = newEngine(env, c.Sync)
	return env, nil
}

func newEngine(env *syncEnv, sc config.SyncConfig) *syncer.Engine {
	mode := coerce.Strict
	if !sc.Strict {
		mode = coerce.Lenient
	}
	opts := []syncer.Option{
		syncer.WithCoercer(coerce.New(coerce.WithMode(mode))),
		syncer.WithMetrics(env.Metrics),
		syncer.WithRecordLocks(sc.SerializeRecords),
	}
	if env.RunLog != nil {
		opts = append(opts, syncer.WithRunLog(env.RunLog))
	}
	return syncer.New(env.Client, env.Store, opts...)
}

// initStore opens the record store named by sc.Driver.
func initStore(ctx context.Context, sc config.StoreConfig) (store.RecordStore, error) {
	switch sc.Driver {
	case "sqlite":
		return store.NewSQLite(sc.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{MaxConns: sc.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

// initClient builds the data share client. Requests to the configured host
// are limited to fc.RateLimit per second and are never retried.
func initClient(fc config.FulcrumConfig) *fulcrum.Client {
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    fc.UserAgent,
		Timeout:      fc.Timeout(),
		MaxAttempts:  1,
		RateLimiters: clientLimiters(fc),
	})

	opts := []fulcrum.Option{fulcrum.WithMaxPages(fc.MaxPages)}
	if fc.BaseURL != "" {
		opts = append(opts, fulcrum.WithBaseURL(fc.BaseURL))
	}
	return fulcrum.NewClient(f, opts...)
}

// clientLimiters adds the configured rate for the base URL's host to the
// defaults. Keys carry the port, matching the fetcher's lookup.
func clientLimiters(fc config.FulcrumConfig) map[string]*fetcher.AdaptiveLimiter {
	limiters := fetcher.DefaultRateLimiters()
	if u, err := url.Parse(fc.BaseURL); err == nil && u.Host != "" && fc.RateLimit > 0 {
		burst := max(int(fc.RateLimit), 1)
		limiters[u.Host] = fetcher.NewAdaptiveLimiter(rate.Limit(fc.RateLimit), burst)
	}
	return limiters
}
