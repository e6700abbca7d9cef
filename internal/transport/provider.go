package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

// Capability is an optional API feature that depends on the server.
type Capability string

const (
	// CapIssueMove is moving an issue between projects of one server.
	CapIssueMove Capability = "issue-move"
)

// Provider adapts the client to one API flavour: where the API lives, how
// requests authenticate and how results paginate.
type Provider interface {
	Type() schema.ProviderType

	// BaseURL returns the API root for server, without trailing slash.
	BaseURL(server *schema.Server) (string, error)

	// Authorize adds the server's credentials to req.
	Authorize(req *http.Request, server *schema.Server)

	// ActAs makes req run on behalf of an external user.
	ActAs(req *http.Request, externalUserID int64)

	// NextPage returns the URL of the page after resp, if any.
	NextPage(resp *http.Response, current *url.URL) (*url.URL, bool)

	// Supports reports whether server offers the capability.
	Supports(server *schema.Server, c Capability) bool

	// VersionPath is the path of the endpoint reporting the server version.
	VersionPath() string
}

// Registry maps provider types to their implementation. It is built once
// at startup and injected into the client.
type Registry struct {
	mu        sync.RWMutex
	providers map[schema.ProviderType]Provider
}

// NewRegistry returns a registry holding the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[schema.ProviderType]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns a registry with every built-in provider.
func DefaultRegistry() *Registry {
	return NewRegistry(GitLab{})
}

// Register adds a provider. Registering nil or the same type twice is a
// programming error and panics.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p == nil {
		panic("transport: Register provider is nil")
	}

	if _, exists := r.providers[p.Type()]; exists {
		panic(fmt.Sprintf("transport: Register called twice for type %s", p.Type()))
	}

	r.providers[p.Type()] = p
}

// Lookup returns the provider for t.
func (r *Registry) Lookup(t schema.ProviderType) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[t]
	if !ok {
		return nil, syncerr.BadRequest("no provider for server type %q", t)
	}
	return p, nil
}

// Types returns the registered provider types, sorted.
func (r *Registry) Types() []schema.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.ProviderType, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
