package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/k-capehart/go-salesforce/v3"

	"github.com/sells-group/signal-engine/internal/batch"
	"github.com/sells-group/signal-engine/internal/cache"
	"github.com/sells-group/signal-engine/internal/classify"
	"github.com/sells-group/signal-engine/internal/hop"
	"github.com/sells-group/signal-engine/internal/orchestrator"
	"github.com/sells-group/signal-engine/internal/params"
	"github.com/sells-group/signal-engine/internal/resilience"
	"github.com/sells-group/signal-engine/internal/rollout"
	"github.com/sells-group/signal-engine/internal/store"
	anthropicpkg "github.com/sells-group/signal-engine/pkg/anthropic"
	sfpkg "github.com/sells-group/signal-engine/pkg/salesforce"
)

func rateLimit(r float64) rate.Limit {
	if r <= 0 {
		return 0
	}
	return rate.Limit(r)
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "signal.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (SIGNAL_SALESFORCE_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf), nil
}

// ensureActiveConfig resolves the active parameter config, seeding the
// registry on first run: the params file when configured, the built-in
// defaults otherwise.
func ensureActiveConfig(ctx context.Context, registry *params.Registry) (params.Config, error) {
	if cfg.Params.ActiveVersion != "" {
		if err := registry.Activate(ctx, cfg.Params.ActiveVersion); err != nil {
			return params.Config{}, eris.Wrap(err, "activate pinned config version")
		}
	}

	active, err := registry.Active(ctx)
	if err == nil {
		return active, nil
	}

	seed := params.Default()
	if cfg.Params.Path != "" {
		doc, err := os.ReadFile(cfg.Params.Path)
		if err != nil {
			return params.Config{}, eris.Wrap(err, "read params file")
		}
		seed, err = params.LoadDocument(doc)
		if err != nil {
			return params.Config{}, err
		}
	}

	if err := registry.Publish(ctx, seed, true); err != nil {
		return params.Config{}, eris.Wrap(err, "publish seed config")
	}
	zap.L().Info("seeded config registry", zap.String("version", seed.Version))
	return seed, nil
}

// engineEnv holds the initialized store, registry, and discovery components
// shared by the run/batch/serve/rollout commands.
type engineEnv struct {
	Store        store.Store
	Cache        *cache.HypothesisCache
	Registry     *params.Registry
	Config       params.Config
	Orchestrator *orchestrator.Orchestrator
	Pool         *orchestrator.Pool
	Gateway      *batch.Gateway
	Monitor      *rollout.Monitor
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine sets up the store, config registry, evidence provider, and
// orchestrator. Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (SIGNAL_ANTHROPIC_KEY)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	registry := params.NewRegistry(st)
	active, err := ensureActiveConfig(ctx, registry)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	provider := hop.NewClaudeProvider(anthropicClient, cfg.Anthropic.Model)
	classifier := classify.NewClaude(anthropicClient, cfg.Anthropic.Model)

	executor := hop.NewExecutor(provider, hop.ExecutorOptions{
		Timeout: time.Duration(cfg.Hop.TimeoutSecs) * time.Second,
		Rate:    rateLimit(cfg.Hop.Rate),
		Burst:   cfg.Hop.Burst,
		Retry:   resilience.FromRetryConfig(cfg.Hop.MaxRetries, cfg.Hop.BackoffMs, cfg.Hop.MaxBackoffMs),
		Breaker: resilience.NewCircuitBreaker(resilience.FromCircuitConfig(cfg.Hop.BreakerFailures, cfg.Hop.BreakerResetSecs)),
		OnDeadLetter: func(entry resilience.DLQEntry) {
			zap.L().Warn("hop dead-lettered",
				zap.String("entity_id", entry.EntityID),
				zap.String("hop_type", string(entry.Hop.Type)),
				zap.String("error_type", string(entry.ErrorType)),
			)
		},
	})

	hypCache := cache.New(st, cache.Options{
		Capacity: cfg.Cache.Capacity,
		TTL:      time.Duration(cfg.Cache.TTLSecs) * time.Second,
	})

	o, err := orchestrator.New(orchestrator.Deps{
		Access:     hypCache,
		Store:      st,
		Executor:   executor,
		Classifier: classifier,
	}, active)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	monitor := rollout.NewMonitor(st, registry, rollout.Options{
		Alerter: rollout.NewAlerter(cfg.Rollout.WebhookURL),
	})
	if err := monitor.Resume(ctx); err != nil {
		zap.L().Warn("could not resume rollout checkpoint", zap.Error(err))
	}

	return &engineEnv{
		Store:        st,
		Cache:        hypCache,
		Registry:     registry,
		Config:       active,
		Orchestrator: o,
		Pool:         orchestrator.NewPool(o, cfg.Pool.Workers),
		Gateway:      batch.New(st, batch.Options{}),
		Monitor:      monitor,
	}, nil
}
