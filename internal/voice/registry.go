package voice

import (
	"fmt"
	"sync"
)

// Registry holds the currently loaded voice snapshots. Lookups never block
// on loading; Replace swaps the whole catalog at once.
type Registry struct {
	mu     sync.RWMutex
	voices map[string]*Voice
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{voices: make(map[string]*Voice)}
}

// Replace swaps the registry contents with a new snapshot, preserving the
// given order for List. Duplicate ids in the snapshot are rejected.
func (r *Registry) Replace(voices []*Voice) error {
	next := make(map[string]*Voice, len(voices))
	order := make([]string, 0, len(voices))
	for _, v := range voices {
		if _, ok := next[v.ID]; ok {
			return fmt.Errorf("duplicate voice id %s", v.ID)
		}
		next[v.ID] = v
		order = append(order, v.ID)
	}

	r.mu.Lock()
	r.voices = next
	r.order = order
	r.mu.Unlock()
	return nil
}

// Get returns the voice with the given id.
func (r *Registry) Get(id string) (*Voice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.voices[id]
	return v, ok
}

// Resolve looks up a voice and merges per-request option overrides with its
// defaults. It fails with ErrVoiceNotFound for unknown ids and
// ErrInvalidOptions for out-of-range overrides, before any model work.
func (r *Registry) Resolve(id string, o OptionOverrides) (*Voice, SynthesisOptions, error) {
	v, ok := r.Get(id)
	if !ok {
		return nil, SynthesisOptions{}, fmt.Errorf("%w: %s", ErrVoiceNotFound, id)
	}
	opts, err := v.MergeOptions(o)
	if err != nil {
		return nil, SynthesisOptions{}, err
	}
	return v, opts, nil
}

// List returns all loaded voices in registration order.
func (r *Registry) List() []*Voice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Voice, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.voices[id])
	}
	return out
}

// Len returns the number of loaded voices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.voices)
}
