// Package app assembles the long-running processes from configuration.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"procure/internal/api"
	"procure/internal/classifier"
	"procure/internal/config"
	"procure/internal/feed"
	"procure/internal/listener"
	"procure/internal/logger"
	"procure/internal/mailbox"
	"procure/internal/monitoring"
	"procure/internal/search"
	"procure/internal/sourcing"
	"procure/internal/storage"
	"procure/internal/vault"
)

type App struct {
	Config  config.Config
	Log     *zap.Logger
	DB      *storage.DB
	Metrics *monitoring.Metrics

	feed      feed.Feed
	publisher feed.Publisher
	closers   []func() error
}

// New loads configuration, builds the logger and opens the store.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logger.FromConfig(cfg))
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	a := &App{
		Config:  cfg,
		Log:     log,
		DB:      db,
		Metrics: monitoring.NewMetrics(),
	}
	a.closers = append(a.closers, db.Close)
	return a, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.Log.Sync()
}

func (a *App) Vault() (*vault.Vault, error) {
	if err := a.Config.Require("ENCRYPTION_KEY", a.Config.EncryptionKey); err != nil {
		return nil, err
	}
	return vault.New(a.Config.EncryptionKey)
}

// Feed returns the change feed and the publisher writers pair with it. Both
// are built once per process.
func (a *App) Feed() (feed.Feed, feed.Publisher, error) {
	if a.feed != nil {
		return a.feed, a.publisher, nil
	}
	f, pub, err := feed.New(a.Config, a.DB, a.Log.Named("feed"))
	if err != nil {
		return nil, nil, err
	}
	if c, ok := f.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.feed, a.publisher = f, pub
	return f, pub, nil
}

// Sourcing builds the orchestrator. withSearch is false for processes that
// only submit and decide, which then run without SERPER_API_KEY.
func (a *App) Sourcing(withSearch bool) (*sourcing.Service, error) {
	_, pub, err := a.Feed()
	if err != nil {
		return nil, err
	}
	var searcher sourcing.Searcher
	if withSearch {
		client, err := search.NewClient(a.Config)
		if err != nil {
			return nil, err
		}
		searcher = client
	}
	return sourcing.NewService(a.DB, searcher, a.Config, a.Log.Named("sourcing"),
		sourcing.WithPublisher(pub),
		sourcing.WithMetrics(a.Metrics),
	)
}

func (a *App) EmailWatcher() (*listener.Service, error) {
	v, err := a.Vault()
	if err != nil {
		return nil, err
	}
	cls, err := classifier.NewClient(a.Config)
	if err != nil {
		return nil, err
	}
	svc, err := a.Sourcing(true)
	if err != nil {
		return nil, err
	}
	return listener.NewService(listener.Deps{
		Store:      a.DB,
		Reader:     mailbox.NewReader(a.Config, a.Log.Named("mailbox")),
		Classifier: cls,
		Sourcer:    svc,
		Vault:      v,
		Metrics:    a.Metrics,
		Log:        a.Log,
	}), nil
}

// Admin builds a listener for the diagnose and credential commands, which
// never classify or source.
func (a *App) Admin() (*listener.Service, error) {
	v, err := a.Vault()
	if err != nil {
		return nil, err
	}
	return listener.NewService(listener.Deps{
		Store:   a.DB,
		Reader:  mailbox.NewReader(a.Config, a.Log.Named("mailbox")),
		Vault:   v,
		Metrics: a.Metrics,
		Log:     a.Log,
	}), nil
}

// RunSourcingWatcher runs the change feed and the watcher until ctx ends.
func (a *App) RunSourcingWatcher(ctx context.Context) error {
	f, _, err := a.Feed()
	if err != nil {
		return err
	}
	svc, err := a.Sourcing(true)
	if err != nil {
		return err
	}
	w := sourcing.NewWatcher(svc, f, nil, a.Config, a.Log.Named("sourcing-watcher"))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return f.Run(groupCtx) })
	group.Go(func() error { return w.Run(groupCtx) })
	a.serveMetrics(groupCtx, group)
	return group.Wait()
}

// RunEmailWatcher runs the email cycle every interval until ctx ends.
func (a *App) RunEmailWatcher(ctx context.Context, interval time.Duration) error {
	svc, err := a.EmailWatcher()
	if err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return svc.Run(groupCtx, interval) })
	a.serveMetrics(groupCtx, group)
	return group.Wait()
}

// RunAPI serves the HTTP API on API_ADDR until ctx ends.
func (a *App) RunAPI(ctx context.Context) error {
	v, err := a.Vault()
	if err != nil {
		return err
	}
	svc, err := a.Sourcing(false)
	if err != nil {
		return err
	}
	h := api.NewHandler(api.Deps{
		Sourcing:     svc,
		Integrations: a.DB,
		Team:         a.DB,
		Vault:        v,
		DB:           a.DB.SQL(),
		Metrics:      a.Metrics,
		Log:          a.Log,
	})
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return Serve(groupCtx, a.Config.APIAddr, h.Router(), a.Log) })
	return group.Wait()
}

func (a *App) serveMetrics(ctx context.Context, group *errgroup.Group) {
	if a.Config.MetricsAddr == "" {
		return
	}
	group.Go(func() error { return Serve(ctx, a.Config.MetricsAddr, a.Metrics.HTTPHandler(), a.Log) })
}

// Serve runs an HTTP server until ctx ends, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down HTTP server", zap.String("address", addr))
	return srv.Shutdown(shutdownCtx)
}
