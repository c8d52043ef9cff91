package backend

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Registry resolves a client's virtual host to the farm serving it. Routes
// are exact-match on the normalized vhost; anything unmapped lands on the
// default farm when one is set.
type Registry struct {
	mu          sync.RWMutex
	farms       map[string]*Farm
	vhostRoutes map[string]string
	defaultFarm string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		farms:       make(map[string]*Farm),
		vhostRoutes: make(map[string]string),
	}
}

// NormalizeVHost trims surrounding whitespace and maps the empty string to
// the root vhost.
func NormalizeVHost(vhost string) string {
	vhost = strings.TrimSpace(vhost)
	if vhost == "" {
		return "/"
	}
	return vhost
}

// AddFarm registers f under its name, replacing any previous farm with the
// same name.
func (r *Registry) AddFarm(f *Farm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.farms[f.Name()] = f
}

// Farm looks up a farm by name.
func (r *Registry) Farm(name string) (*Farm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.farms[name]
	return f, ok
}

// FarmNames returns the registered farm names.
func (r *Registry) FarmNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.farms))
	for name := range r.farms {
		names = append(names, name)
	}
	return names
}

// MapVHost routes the given virtual host to the named farm.
func (r *Registry) MapVHost(vhost, farmName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vhostRoutes[NormalizeVHost(vhost)] = farmName
}

// SetDefaultFarm names the farm that serves unmapped virtual hosts.
func (r *Registry) SetDefaultFarm(farmName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultFarm = farmName
}

// FarmForVHost resolves a farm for the client's virtual host.
func (r *Registry) FarmForVHost(vhost string) (*Farm, error) {
	return r.ResolveFarm(vhost, "")
}

// ResolveFarm resolves a farm for the client's virtual host. An explicit
// vhost route always wins; for unmapped vhosts a non-empty defaultOverride
// takes precedence over the registry's default farm. Listeners use the
// override to steer their unrouted traffic at a farm of their own.
func (r *Registry) ResolveFarm(vhost, defaultOverride string) (*Farm, error) {
	vhost = NormalizeVHost(vhost)
	r.mu.RLock()
	name, routed := r.vhostRoutes[vhost]
	if !routed {
		name = r.defaultFarm
		if defaultOverride != "" {
			name = defaultOverride
		}
	}
	farm, ok := r.farms[name]
	r.mu.RUnlock()

	if !routed {
		if name == "" {
			return nil, fmt.Errorf("no route or default farm for virtual host %q", vhost)
		}
		log.Printf("DEBUG: No route for virtual host %q, using default farm %q", vhost, name)
	}
	if !ok {
		return nil, fmt.Errorf("virtual host %q routes to unknown farm %q", vhost, name)
	}
	return farm, nil
}
