// Package registry maps connector kinds to constructors. The built-in set is
// registered lazily so callers can override individual kinds before first
// use.
package registry

import (
	"context"
	"sync"

	"goa.design/clue/log"

	"github.com/krawall/krawall/connector"
	"github.com/krawall/krawall/connector/browserws"
	"github.com/krawall/krawall/connector/grpcconn"
	"github.com/krawall/krawall/connector/httpconn"
	"github.com/krawall/krawall/connector/sseconn"
	"github.com/krawall/krawall/connector/wsconn"
	"github.com/krawall/krawall/target"
)

type (
	// Factory builds a connector instance for a validated target.
	Factory func(tgt *target.Target) (connector.Connector, error)

	// Options carries the collaborators built-in factories need.
	Options struct {
		// BrowserWS wires the discovery runner, cache and pub/sub into
		// browser-discovered connectors.
		BrowserWS browserws.Options
	}

	// Registry is the kind-to-factory map. It is append-mostly and guarded
	// by a single mutex.
	Registry struct {
		opts Options

		mu        sync.Mutex
		factories map[target.Kind]Factory
		builtins  bool
	}
)

// New builds an empty registry; built-ins register on first Create.
func New(opts Options) *Registry {
	return &Registry{opts: opts, factories: make(map[target.Kind]Factory)}
}

// Register binds a factory to a kind. Registering over an existing binding
// overwrites it with a warning.
func (r *Registry) Register(ctx context.Context, kind target.Kind, f Factory) {
	r.mu.Lock()
	_, existed := r.factories[kind]
	r.factories[kind] = f
	r.mu.Unlock()
	if existed {
		log.Warnf(ctx, "connector factory for kind %q overwritten", kind)
	}
}

// Create ensures the built-in set is registered and returns a new connector
// instance for the target's kind.
func (r *Registry) Create(ctx context.Context, tgt *target.Target) (connector.Connector, error) {
	if err := tgt.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.ensureBuiltinsLocked()
	f, ok := r.factories[tgt.Kind]
	r.mu.Unlock()
	if !ok {
		return nil, &connector.UnknownKindError{Kind: string(tgt.Kind), Available: r.Kinds()}
	}
	c, err := f(tgt)
	if err != nil {
		return nil, err
	}
	log.Debugf(ctx, "connector created: kind=%s target=%s", tgt.Kind, tgt.ID)
	return c, nil
}

// Kinds returns the registered kinds in a stable order.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureBuiltinsLocked()

	var out []string
	for _, k := range target.Kinds() {
		if _, ok := r.factories[k]; ok {
			out = append(out, string(k))
		}
	}
	return out
}

// ensureBuiltinsLocked registers the built-in factories once. Explicit
// registrations made before first use are preserved.
func (r *Registry) ensureBuiltinsLocked() {
	if r.builtins {
		return
	}
	r.builtins = true

	builtin := map[target.Kind]Factory{
		target.KindHTTP: func(tgt *target.Target) (connector.Connector, error) {
			return httpconn.New(tgt)
		},
		target.KindSSE: func(tgt *target.Target) (connector.Connector, error) {
			return sseconn.New(tgt)
		},
		target.KindWebSocket: func(tgt *target.Target) (connector.Connector, error) {
			return wsconn.New(tgt)
		},
		target.KindGRPC: func(tgt *target.Target) (connector.Connector, error) {
			return grpcconn.New(tgt)
		},
		target.KindBrowserWS: func(tgt *target.Target) (connector.Connector, error) {
			return browserws.New(tgt, r.opts.BrowserWS)
		},
	}
	for kind, f := range builtin {
		if _, ok := r.factories[kind]; !ok {
			r.factories[kind] = f
		}
	}
}
