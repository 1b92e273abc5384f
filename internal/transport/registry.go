package transport

import (
	"context"
	"fmt"
	"sort"

	"github.com/specialistvlad/gridchain/internal/ctxlog"
)

// Settings is the format-agnostic connection configuration handed to a
// factory.
type Settings struct {
	Name         string
	Kind         string
	Host         string
	User         string
	Port         int
	IdentityFile string
	KnownHosts   string
	Root         string
	Submitter    string
	Shell        string
	Manifest     string
}

// Factory opens an endpoint for the given settings.
type Factory func(ctx context.Context, s Settings) (Endpoint, error)

// Registry holds the endpoint factories compiled into the binary.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for a connection kind. Registering the same kind
// twice is a programmer error and panics.
func (r *Registry) Register(kind string, f Factory) {
	if _, exists := r.factories[kind]; exists {
		panic(fmt.Sprintf("transport factory for kind '%s' already registered", kind))
	}
	r.factories[kind] = f
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Open creates an endpoint using the factory registered for s.Kind.
func (r *Registry) Open(ctx context.Context, s Settings) (Endpoint, error) {
	f, ok := r.factories[s.Kind]
	if !ok {
		return nil, fmt.Errorf("connection '%s': unknown kind '%s' (known: %v)", s.Name, s.Kind, r.Kinds())
	}
	ctxlog.FromContext(ctx).Debug("Opening connection.", "connection", s.Name, "kind", s.Kind, "host", s.Host)
	ep, err := f(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("connection '%s': %w", s.Name, err)
	}
	return ep, nil
}
