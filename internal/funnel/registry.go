package funnel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/firestorm-team/funnelbot/internal/database"
)

// Registry loads and caches funnel definitions from a directory of JSON
// files (<name>.json) and resolves per-user funnel bindings through the
// store. Definitions are static configuration: loaded once per name, cached
// for process lifetime.
type Registry struct {
	logger   *slog.Logger
	store    database.Store
	dir      string
	fallback string

	validate *validator.Validate

	mu    sync.RWMutex
	cache map[string]*Definition
}

// NewRegistry creates a funnel registry. fallback names the default funnel
// used for unknown names and unbound users.
func NewRegistry(logger *slog.Logger, store database.Store, dir, fallback string) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		logger:   logger.With("component", "funnel_registry"),
		store:    store,
		dir:      dir,
		fallback: strings.ToLower(fallback),
		validate: validator.New(),
		cache:    make(map[string]*Definition),
	}
}

// LoadAll eagerly loads every *.json definition in the directory so
// malformed configs fail at startup rather than at delivery time.
func (r *Registry) LoadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read funnel directory %q: %w", r.dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(entry.Name(), ".json"))
		if _, err := r.load(name); err != nil {
			return err
		}
		loaded++
	}
	if _, ok := r.lookup(r.fallback); !ok {
		return fmt.Errorf("default funnel %q not found in %q", r.fallback, r.dir)
	}

	r.logger.Info("funnel definitions loaded", "count", loaded, "dir", r.dir)
	return nil
}

// Get returns the cached definition for name, falling back to the default
// funnel for unknown names. Name matching is case-insensitive.
func (r *Registry) Get(name string) *Definition {
	name = strings.ToLower(name)
	if name == "" {
		name = r.fallback
	}
	if def, ok := r.lookup(name); ok {
		return def
	}
	if def, err := r.load(name); err == nil {
		return def
	}
	if name != r.fallback {
		r.logger.Warn("unknown funnel, using default", "funnel", name, "default", r.fallback)
		if def, ok := r.lookup(r.fallback); ok {
			return def
		}
	}
	// LoadAll guarantees the fallback exists; reaching here means Get was
	// called before LoadAll, which is a programmer error.
	r.logger.Error("default funnel missing from cache", "default", r.fallback)
	return &Definition{Name: r.fallback, Start: map[string]*Descriptor{}, Callback: map[string]*Descriptor{}}
}

// ResolveUserFunnel returns the funnel name bound to the user, or the
// default when unbound or on store failure.
func (r *Registry) ResolveUserFunnel(ctx context.Context, userID int64) string {
	name, err := r.store.GetUserFunnel(ctx, userID)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to resolve user funnel", "user_id", userID, "error", err)
		return r.fallback
	}
	if name == "" {
		return r.fallback
	}
	return strings.ToLower(name)
}

// BindUserFunnel normalizes and persists the user's funnel binding,
// returning the name actually stored.
func (r *Registry) BindUserFunnel(ctx context.Context, userID int64, name string) (string, error) {
	name = strings.ToLower(name)
	if name == "" {
		name = r.fallback
	}
	if err := r.store.BindUserFunnel(ctx, userID, name); err != nil {
		return "", err
	}
	return name, nil
}

// DefaultName returns the configured default funnel name.
func (r *Registry) DefaultName() string {
	return r.fallback
}

// Stages merges the stage alias maps of all loaded definitions, used to
// refresh the lead-stage table.
func (r *Registry) Stages() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stages := make(map[string]string)
	for _, def := range r.cache {
		for key, stage := range def.Stages {
			stages[key] = stage
		}
	}
	return stages
}

func (r *Registry) lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.cache[name]
	return def, ok
}

func (r *Registry) load(name string) (*Definition, error) {
	path := filepath.Join(r.dir, name+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read funnel %q: %w", name, err)
	}

	def := &Definition{Name: name}
	if err := json.Unmarshal(raw, def); err != nil {
		return nil, fmt.Errorf("failed to parse funnel %q: %w", name, err)
	}
	if err := r.validateDefinition(def); err != nil {
		return nil, fmt.Errorf("invalid funnel %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[name]; ok {
		return cached, nil
	}
	r.cache[name] = def
	r.logger.Info("funnel definition loaded",
		"funnel", name,
		"start_triggers", len(def.Start),
		"callback_routes", len(def.Callback))
	return def, nil
}

// validateDefinition fails fast on malformed configs: struct-tag validation
// plus checks the tag language cannot express (closed action kinds, one
// container for actions).
func (r *Registry) validateDefinition(def *Definition) error {
	if err := r.validate.Struct(def); err != nil {
		return err
	}

	check := func(ns string, key string, d *Descriptor) error {
		if d == nil {
			return fmt.Errorf("%s/%s: empty descriptor", ns, key)
		}
		if d.Action != nil && len(d.Actions) > 0 {
			return fmt.Errorf("%s/%s: both action and actions set", ns, key)
		}
		for _, a := range d.ActionList() {
			if !a.Kind.Valid() {
				return fmt.Errorf("%s/%s: unknown action %q", ns, key, a.Kind)
			}
			if a.Kind == ActionStartFSM && len(a.CollectData) == 0 {
				return fmt.Errorf("%s/%s: start_fsm without collect_data", ns, key)
			}
		}
		return nil
	}

	for key, d := range def.Start {
		if err := check("start", key, d); err != nil {
			return err
		}
	}
	for key, d := range def.Callback {
		if err := check("callback", key, d); err != nil {
			return err
		}
	}
	return nil
}
