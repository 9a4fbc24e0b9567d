package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/sevenofnine/calsync/internal/api"
	"github.com/sevenofnine/calsync/internal/config"
	"github.com/sevenofnine/calsync/internal/domain"
	"github.com/sevenofnine/calsync/internal/provider"
	"github.com/sevenofnine/calsync/internal/reconcile"
	"github.com/sevenofnine/calsync/internal/scheduler"
	"github.com/sevenofnine/calsync/internal/security"
	"github.com/sevenofnine/calsync/internal/store"
	"github.com/sevenofnine/calsync/internal/syncer"
	"github.com/sevenofnine/calsync/internal/webhook"
)

type Application struct {
	cfg    config.Config
	store  store.Store
	logger *slog.Logger
}

func New(cfg config.Config, st store.Store, logger *slog.Logger) *Application {
	if logger == nil {
		logger = slog.Default()
	}
	return &Application{cfg: cfg, store: st, logger: logger}
}

// BuildStore picks the durable store when a database is configured and the
// in-memory one otherwise.
func BuildStore(cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemory(), nil
	}
	return store.NewPostgres(cfg.DatabaseURL)
}

func (a *Application) Run(ctx context.Context) error {
	httpClient := &http.Client{Timeout: a.cfg.RequestTimeout}

	registry := provider.Registry{
		domain.ProviderGraph: provider.NewGraphClient(StaticTokens{Token: a.cfg.GraphAccessToken}, httpClient),
		domain.ProviderGCal:  provider.NewGCalClient(StaticTokens{Token: a.cfg.GCalAccessToken}, httpClient),
		domain.ProviderFeed:  provider.NewFeedClient(FeedURLValidator{}, httpClient),
	}

	sy := syncer.New(syncer.Options{
		Store:      a.store,
		Registry:   registry,
		Reconciler: reconcile.New(a.store, a.logger),
		Logger:     a.logger,
	})
	manager := webhook.NewManager(webhook.Options{
		Store: a.store,
		Remotes: map[domain.Provider]webhook.RemoteAPI{
			domain.ProviderGraph: webhook.NewGraphAPI(httpClient, StaticTokens{Token: a.cfg.GraphAccessToken}),
			domain.ProviderGCal:  webhook.NewGCalAPI(httpClient, StaticTokens{Token: a.cfg.GCalAccessToken}),
		},
		Sync:      sy,
		PublicURL: a.cfg.PublicBaseURL,
		Logger:    a.logger,
	})
	sched, err := scheduler.New(scheduler.Options{
		Store:       a.store,
		Manager:     manager,
		Syncer:      sy,
		Logger:      a.logger,
		RenewalSpec: a.cfg.RenewalCron,
		CleanupSpec: a.cfg.CleanupCron,
		ResyncSpec:  a.cfg.ResyncCron,
	})
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}
	server := api.New(api.Options{
		Syncer:  sy,
		Manager: manager,
		Auth: security.BearerAuth{
			Enabled: a.cfg.RequireBearerToken,
			Token:   a.cfg.BearerToken,
		},
		Logger: a.logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := server.ServeTCP(ctx, a.cfg.BindAddress)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return nil
	}
}
