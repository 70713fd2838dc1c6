package params

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// VersionStore abstracts the persistence the registry needs. The store
// package implements it.
type VersionStore interface {
	SaveConfigVersion(ctx context.Context, version string, doc []byte, active bool) error
	LoadConfigVersion(ctx context.Context, version string) ([]byte, error)
	ActiveConfigVersion(ctx context.Context) (string, error)
	SetActiveConfigVersion(ctx context.Context, version string) error
	ListConfigVersions(ctx context.Context) ([]string, error)
}

// Registry tracks published config versions and the active one. Publishing
// is append-only: a version, once written, is never overwritten.
type Registry struct {
	store VersionStore

	mu     sync.Mutex
	active *Config // cached active config
}

// NewRegistry creates a registry over the given version store.
func NewRegistry(store VersionStore) *Registry {
	return &Registry{store: store}
}

// Publish validates and persists a new config version. If activate is true
// it also becomes the active version.
func (r *Registry) Publish(ctx context.Context, cfg Config, activate bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if _, err := r.store.LoadConfigVersion(ctx, cfg.Version); err == nil {
		return eris.Errorf("params: version %s already published", cfg.Version)
	}

	doc, err := yaml.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "params: marshal config")
	}
	if err := r.store.SaveConfigVersion(ctx, cfg.Version, doc, activate); err != nil {
		return eris.Wrapf(err, "params: save version %s", cfg.Version)
	}

	if activate {
		r.mu.Lock()
		c := cfg
		r.active = &c
		r.mu.Unlock()
	}

	zap.L().Info("published parameter config",
		zap.String("version", cfg.Version),
		zap.Bool("active", activate),
	)
	return nil
}

// Get loads a specific published version.
func (r *Registry) Get(ctx context.Context, version string) (Config, error) {
	doc, err := r.store.LoadConfigVersion(ctx, version)
	if err != nil {
		return Config{}, eris.Wrapf(err, "params: load version %s", version)
	}
	var cfg Config
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return Config{}, eris.Wrapf(err, "params: unmarshal version %s", version)
	}
	return cfg, nil
}

// Active returns the currently active config, reading through a small cache.
func (r *Registry) Active(ctx context.Context) (Config, error) {
	r.mu.Lock()
	if r.active != nil {
		cfg := *r.active
		r.mu.Unlock()
		return cfg, nil
	}
	r.mu.Unlock()

	version, err := r.store.ActiveConfigVersion(ctx)
	if err != nil {
		return Config{}, eris.Wrap(err, "params: active version")
	}
	cfg, err := r.Get(ctx, version)
	if err != nil {
		return Config{}, err
	}

	r.mu.Lock()
	r.active = &cfg
	r.mu.Unlock()
	return cfg, nil
}

// Activate switches the active version to an already-published one. Used by
// rollout promotion and rollback.
func (r *Registry) Activate(ctx context.Context, version string) error {
	cfg, err := r.Get(ctx, version)
	if err != nil {
		return err
	}
	if err := r.store.SetActiveConfigVersion(ctx, version); err != nil {
		return eris.Wrapf(err, "params: activate version %s", version)
	}

	r.mu.Lock()
	r.active = &cfg
	r.mu.Unlock()

	zap.L().Info("activated parameter config", zap.String("version", version))
	return nil
}

// Versions lists all published versions in publication order.
func (r *Registry) Versions(ctx context.Context) ([]string, error) {
	vs, err := r.store.ListConfigVersions(ctx)
	return vs, eris.Wrap(err, "params: list versions")
}

// LoadDocument parses a YAML config document and validates it.
func LoadDocument(doc []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return Config{}, eris.Wrap(err, "params: parse document")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
