package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/c0deZ3R0/marketsync/auth"
	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/logging"
	"github.com/c0deZ3R0/marketsync/metrics"
	"github.com/c0deZ3R0/marketsync/storage/postgres"
	"github.com/c0deZ3R0/marketsync/storage/sqlite"
	"github.com/c0deZ3R0/marketsync/synckit"
	"github.com/c0deZ3R0/marketsync/transport/api"
	"github.com/c0deZ3R0/marketsync/transport/httpadapter"
	"github.com/c0deZ3R0/marketsync/transport/sse"
	"github.com/c0deZ3R0/marketsync/transport/ws"
)

const shutdownTimeout = 15 * time.Second

// daemon owns everything serve starts: the store, the engine, the optional
// Postgres rule listener and the HTTP surface.
type daemon struct {
	cfg        *synckit.FileConfig
	logger     *logging.Logger
	store      synckit.Store
	closeStore func() error
	pg         *postgres.Store
	listener   *postgres.NotificationListener
	engine     *synckit.Engine
	metrics    *metrics.Collector
	jwt        *auth.JWTManager
}

// newDaemon opens the store and builds the engine. Nothing runs until start.
// An empty jwtSecret serves every endpoint without authentication.
func newDaemon(cfg *synckit.FileConfig, logger *logging.Logger, jwtSecret string) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, metrics: metrics.New()}

	if jwtSecret != "" {
		m, err := auth.NewJWTManager(jwtSecret, 24*time.Hour)
		if err != nil {
			return nil, err
		}
		d.jwt = m
	}

	if err := d.openStore(); err != nil {
		return nil, err
	}

	opts := []synckit.Option{
		synckit.WithConfig(cfg.Engine),
		synckit.WithStore(d.store),
		synckit.WithLogger(logger.WithComponent("synckit").Logger),
		synckit.WithMetricsCollector(d.metrics),
		synckit.WithRules(cfg.Rules...),
	}
	for id, rl := range cfg.RateLimits() {
		opts = append(opts, synckit.WithRateLimit(id, rl))
	}
	for _, mc := range cfg.Marketplaces {
		adapter, err := httpadapter.FromMarketplaceConfig(mc, logger.WithComponent("httpadapter").Logger)
		if err != nil {
			d.closeStore()
			return nil, err
		}
		opts = append(opts, synckit.WithAdapter(mc.ID, adapter))
	}
	engine, err := synckit.New(opts...)
	if err != nil {
		d.closeStore()
		return nil, err
	}
	d.engine = engine

	if err := d.metrics.RegisterEngine(engine.GetMetrics); err != nil {
		d.closeStore()
		return nil, err
	}
	return d, nil
}

func (d *daemon) openStore() error {
	sc := d.cfg.Storage
	switch sc.Driver {
	case "memory":
		d.store = synckit.NewMemoryStore()
		d.closeStore = func() error { return nil }
	case "sqlite":
		cfg := sqlite.DefaultConfig(sc.DSN)
		cfg.Logger = d.logger.WithComponent("sqlite-store")
		s, err := sqlite.New(cfg)
		if err != nil {
			return err
		}
		d.store, d.closeStore = s, s.Close
	case "postgres":
		cfg := postgres.DefaultConfig(sc.DSN)
		cfg.Logger = d.logger.WithComponent("postgres-store")
		s, err := postgres.New(cfg)
		if err != nil {
			return err
		}
		d.store, d.closeStore, d.pg = s, s.Close, s
	default:
		return syncErrors.E(syncErrors.OpConfig, syncErrors.Component("cli"), syncErrors.KindConfig,
			fmt.Sprintf("unknown storage driver %q", sc.Driver))
	}
	d.logger.Info("store opened", "driver", sc.Driver)
	return nil
}

// start runs the engine, re-enqueues interrupted operations and, on Postgres,
// reloads rules whenever another instance changes them.
func (d *daemon) start(ctx context.Context) error {
	if err := d.engine.Start(ctx); err != nil {
		return err
	}
	if _, err := d.engine.Recover(ctx); err != nil {
		return err
	}
	if d.pg == nil {
		return nil
	}

	l, err := d.pg.NewRulesListener()
	if err != nil {
		return err
	}
	if err := l.OnRuleChange(func(ctx context.Context, ch postgres.RuleChange) error {
		d.logger.Debug("rule change notification", "op", ch.Op, "rule_id", ch.ID)
		return d.engine.ReloadRules(ctx)
	}); err != nil {
		l.Close()
		return err
	}
	if err := l.Start(ctx); err != nil {
		l.Close()
		return err
	}
	d.listener = l
	return nil
}

// handler assembles the HTTP surface. /healthz and /metrics are always open;
// the API and event streams sit behind the JWT middleware when it is enabled.
func (d *daemon) handler() http.Handler {
	protect := func(h http.Handler) http.Handler {
		if d.jwt == nil {
			return h
		}
		return d.jwt.Middleware(h)
	}
	logger := d.logger.Logger

	mux := http.NewServeMux()
	mux.Handle("/healthz", d.metrics.Instrument("/healthz", http.HandlerFunc(d.handleHealth)))
	mux.Handle("/metrics", d.metrics.Handler())
	mux.Handle("/events", d.metrics.Instrument("/events",
		protect(sse.NewServer(d.engine, logger.With("component", "transport/sse")).Handler())))
	mux.Handle("/ws", d.metrics.Instrument("/ws",
		protect(ws.NewServer(d.engine, logger.With("component", "transport/ws"), nil).Handler())))
	mux.Handle("/api/", d.metrics.Instrument("/api",
		protect(api.NewHandler(d.engine, logger.With("component", "transport/api")))))
	return mux
}

type healthResponse struct {
	Status  string                `json:"status"`
	Alerts  []synckit.HealthAlert `json:"alerts,omitempty"`
	Metrics synckit.SyncMetrics   `json:"metrics"`
}

func (d *daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := d.engine.GetMetrics()
	resp := healthResponse{Status: "ok", Metrics: m, Alerts: d.engine.Config().Health.Check(m)}
	if len(resp.Alerts) > 0 {
		resp.Status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// serve listens on addr until ctx is cancelled, then drains connections.
func (d *daemon) serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           d.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		d.logger.Info("http server listening", "addr", addr, "auth", d.jwt != nil)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// close stops the listener and engine before closing the store they write to.
func (d *daemon) close() error {
	var errs []error
	if d.listener != nil {
		errs = append(errs, d.listener.Close())
	}
	if d.engine != nil {
		errs = append(errs, d.engine.Close())
	}
	if d.closeStore != nil {
		errs = append(errs, d.closeStore())
	}
	return errors.Join(errs...)
}
