package livecfg

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-selfimprove/internal/config"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// ErrUnknownScope is returned for a parameter that was never registered.
var ErrUnknownScope = errors.New("livecfg: unknown config scope")

// Listener observes applied changes. It runs synchronously after the write lock is
// released and must not block.
type Listener func(scope models.ConfigScope, old, updated models.ParamValue)

// Store holds the supervised server's live tunables. Only registered scopes may be set
// and a value's type never changes.
type Store struct {
	mu        sync.RWMutex
	values    map[models.ConfigScope]models.ParamValue
	listeners map[int]Listener
	nextID    int
}

// New seeds a store with the given values.
func New(seed map[models.ConfigScope]models.ParamValue) *Store {
	values := make(map[models.ConfigScope]models.ParamValue, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &Store{values: values, listeners: make(map[int]Listener)}
}

// FromConfig seeds a store from configured tunables.
func FromConfig(tunables []config.TunableConfig) (*Store, error) {
	seed := make(map[models.ConfigScope]models.ParamValue, len(tunables))
	for _, t := range tunables {
		v, err := models.ParseParamValue(models.ParamType(t.Type), t.Value)
		if err != nil {
			return nil, fmt.Errorf("tunable %s.%s: %w", t.Component, t.Param, err)
		}
		seed[models.ConfigScope{Component: models.ServiceComponent(t.Component), Param: t.Param}] = v
	}
	return New(seed), nil
}

// Get returns the current value of scope.
func (s *Store) Get(scope models.ConfigScope) (models.ParamValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[scope]
	if !ok {
		return models.ParamValue{}, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	return v, nil
}

// Set replaces the value of scope and returns the previous value.
func (s *Store) Set(scope models.ConfigScope, value models.ParamValue) (models.ParamValue, error) {
	s.mu.Lock()
	old, ok := s.values[scope]
	if !ok {
		s.mu.Unlock()
		return models.ParamValue{}, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	if old.Type != value.Type {
		s.mu.Unlock()
		return models.ParamValue{}, fmt.Errorf("livecfg: %s is %s, cannot set %s", scope, old.Type, value.Type)
	}
	s.values[scope] = value
	listeners := make([]Listener, 0, len(s.listeners))
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(scope, old, value)
	}
	return old, nil
}

// Snapshot returns a copy of every value keyed by "component.param".
func (s *Store) Snapshot() map[string]models.ParamValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.ParamValue, len(s.values))
	for k, v := range s.values {
		out[k.String()] = v
	}
	return out
}

// Subscribe registers fn for future changes and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
