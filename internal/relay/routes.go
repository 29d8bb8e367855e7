// Package relay maps configured HTTP paths to notification dispatchers.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tgrelay/internal/config"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/format"
	"tgrelay/internal/storage"
	"tgrelay/pkg/logx"
)

// Deps are the collaborators a route table needs. Store may be nil.
type Deps struct {
	Registry *format.Registry
	Client   Deliverer
	Bus      eventbus.Bus
	Store    storage.Store
	Log      logx.Logger
}

// Table is an immutable set of routed dispatchers. Config reloads build a
// fresh table and swap it in atomically; in-flight requests keep the table
// they started with.
type Table struct {
	mux        *chi.Mux
	bindings   []Binding
	formatters []string
}

func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) { t.mux.ServeHTTP(w, r) }

// Bindings returns the table's bindings, for diagnostics.
func (t *Table) Bindings() []Binding { return t.bindings }

// BuildTable converts a validated config into routed dispatchers.
//
// Startup-fatal checks happen here, before any traffic is served: duplicate
// paths and formatter names that don't resolve in the registry abort the
// build.
func BuildTable(cfg *config.Config, deps Deps) (*Table, error) {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	seen := map[string]bool{}
	bindings := make([]Binding, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		b, err := newBinding(ep)
		if err != nil {
			return nil, err
		}
		if seen[b.Path] {
			return nil, fmt.Errorf("duplicate endpoint path %s", b.Path)
		}
		seen[b.Path] = true
		if _, ok := deps.Registry.Resolve(b.Formatter); !ok {
			return nil, fmt.Errorf("endpoint %s: formatter %q not registered", b.Path, b.Formatter)
		}

		d := &dispatcher{
			binding: b,
			reg:     deps.Registry,
			client:  deps.Client,
			apiKey:  cfg.Server.APIKey,
			bus:     deps.Bus,
			log:     log.With(logx.String("endpoint", b.Path)),
		}
		mux.Post(b.Path, d.ServeHTTP)
		bindings = append(bindings, b)
		log.Info("registered endpoint",
			logx.String("path", b.Path),
			logx.String("formatter", b.Formatter),
			logx.Int("targets", len(b.Targets)))
	}

	t := &Table{mux: mux, bindings: bindings, formatters: deps.Registry.Names()}
	mux.Get("/health", t.healthHandler(deps.Store))

	if cfg.Pprof.Enabled {
		mux.Mount("/debug", middleware.Profiler())
	}
	return t, nil
}

// healthHandler exposes a read-only status surface: endpoint count,
// registered formatter names and (when storage is on) delivery counters.
func (t *Table) healthHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":     "healthy",
			"endpoints":  len(t.bindings),
			"formatters": t.formatters,
		}
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
			defer cancel()
			if stats, err := store.Stats(ctx); err == nil {
				body["deliveries"] = stats
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}
