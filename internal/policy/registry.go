package policy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// ProfileSource lists stored policy profiles.
type ProfileSource interface {
	ListPolicyProfiles(ctx context.Context) ([]*domain.PolicyProfile, error)
}

// Registry resolves policy IDs to compiled, immutable policies.
type Registry struct {
	mu       sync.RWMutex
	base     *Policy
	policies map[string]*Policy
	source   ProfileSource
	onChange []func(ids []string)
}

// NewRegistry creates a registry holding base under its own ID.
// source may be nil when profiles are not persisted.
func NewRegistry(base *Policy, source ProfileSource) *Registry {
	if base == nil {
		base = Default()
	}
	base.seal()
	return &Registry{
		base:     base,
		policies: map[string]*Policy{base.ID: base},
		source:   source,
	}
}

// Get returns the policy registered under id.
func (r *Registry) Get(id string) (*Policy, error) {
	if id == "" {
		id = r.base.ID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}
	return p, nil
}

// Base returns the policy every profile is compiled on top of.
func (r *Registry) Base() *Policy {
	return r.base
}

// IDs returns the registered policy IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OnChange registers fn to be called with the registered IDs after every
// successful Register or Reload. fn runs on the caller's goroutine.
func (r *Registry) OnChange(fn func(ids []string)) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

func (r *Registry) changed() {
	r.mu.RLock()
	hooks := slices.Clone(r.onChange)
	r.mu.RUnlock()

	ids := r.IDs()
	for _, fn := range hooks {
		fn(ids)
	}
}

// Compile builds the policy for a profile without registering it.
func (r *Registry) Compile(profile *domain.PolicyProfile) (*Policy, error) {
	if profile == nil || profile.ID == "" {
		return nil, fmt.Errorf("%w: profile id is required", ErrInvalidPolicy)
	}

	p, err := ApplyYAML(r.base, []byte(profile.Overlay))
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", profile.ID, err)
	}
	p.ID = profile.ID
	if profile.Version != "" {
		p.Version = profile.Version
	}
	return p.seal(), nil
}

// Register compiles a profile and makes it available under its ID.
func (r *Registry) Register(profile *domain.PolicyProfile) (*Policy, error) {
	p, err := r.Compile(profile)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.policies[p.ID] = p
	r.mu.Unlock()

	r.changed()
	return p, nil
}

// Reload replaces every stored profile with the current contents of the
// source. The swap is all-or-nothing: one bad profile leaves the previous
// set in place. It returns the number of profiles loaded.
func (r *Registry) Reload(ctx context.Context) (int, error) {
	if r.source == nil {
		return 0, nil
	}

	profiles, err := r.source.ListPolicyProfiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list policy profiles: %w", err)
	}

	next := map[string]*Policy{r.base.ID: r.base}
	for _, profile := range profiles {
		if !profile.Enabled || profile.ID == r.base.ID {
			continue
		}
		p, err := r.Compile(profile)
		if err != nil {
			return 0, err
		}
		next[p.ID] = p
	}

	r.mu.Lock()
	r.policies = next
	r.mu.Unlock()
	r.changed()

	slog.Info("policies reloaded", "count", len(next)-1)
	return len(next) - 1, nil
}
