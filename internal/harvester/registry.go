package harvester

import (
	"sort"
	"sync"

	"github.com/timmy/harvest/internal/errors"
)

// Registry maps source type names to harvesters. It is filled once at
// startup and read concurrently afterwards.
type Registry struct {
	mu         sync.RWMutex
	harvesters map[string]Harvester
}

// NewRegistry creates a registry holding hs.
func NewRegistry(hs ...Harvester) (*Registry, error) {
	r := &Registry{harvesters: make(map[string]Harvester)}
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds h under h.Info().Name.
func (r *Registry) Register(h Harvester) error {
	name := h.Info().Name
	if name == "" {
		return errors.New("harvester has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.harvesters[name]; dup {
		return errors.Wrapf(errors.ErrAlreadyExists, "harvester %s", name)
	}
	r.harvesters[name] = h
	return nil
}

// Get returns the harvester for a source type.
func (r *Registry) Get(sourceType string) (Harvester, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.harvesters[sourceType]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "no harvester for source type %q", sourceType)
	}
	return h, nil
}

// Types returns the registered type names in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.harvesters))
	for name := range r.harvesters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns the Info of every harvester, ordered by name.
func (r *Registry) Infos() []Info {
	names := r.Types()
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(names))
	for _, name := range names {
		infos = append(infos, r.harvesters[name].Info())
	}
	return infos
}
