package policy

import (
	"sort"
	"sync"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// Registry holds the active repository policies, keyed by owner/name.
// Load replaces the whole set; readers see either the old snapshot or
// the new one, never a mix.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*schema.RepositoryPolicy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]*schema.RepositoryPolicy),
	}
}

// Load replaces the registry contents from a validated config. Duplicate
// repository entries are rejected.
func (r *Registry) Load(cfg *schema.RepositoriesConfig) error {
	next := make(map[string]*schema.RepositoryPolicy, len(cfg.Repositories))
	for i := range cfg.Repositories {
		pol := cfg.Repositories[i]
		key := pol.FullName()
		if _, dup := next[key]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate repository %q in config", key)
		}
		next[key] = &pol
	}

	r.mu.Lock()
	r.policies = next
	r.mu.Unlock()
	return nil
}

// Get returns the policy for a repository, or false if unconfigured.
func (r *Registry) Get(repo string) (*schema.RepositoryPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pol, ok := r.policies[repo]
	return pol, ok
}

// All returns every policy sorted by repository name, so scan scheduling
// is deterministic.
func (r *Registry) All() []*schema.RepositoryPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.RepositoryPolicy, 0, len(r.policies))
	for _, pol := range r.policies {
		out = append(out, pol)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FullName() < out[j].FullName()
	})
	return out
}

// Len reports the number of configured repositories.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.policies)
}
