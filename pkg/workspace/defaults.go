package workspace

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/impactsim/pkg/experiment"
)

// memoDefaults caches custom function defaults by name. Concurrent lookups
// of one name share a single remote call. Failures are not cached.
type memoDefaults struct {
	source experiment.DefaultsSource
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]*experiment.CustomFunctionDefaults
}

func newMemoDefaults(source experiment.DefaultsSource) *memoDefaults {
	return &memoDefaults{
		source: source,
		cache:  make(map[string]*experiment.CustomFunctionDefaults),
	}
}

func (m *memoDefaults) CustomFunctionDefaults(ctx context.Context, name string) (*experiment.CustomFunctionDefaults, error) {
	m.mu.RLock()
	d, ok := m.cache[name]
	m.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err, _ := m.group.Do(name, func() (interface{}, error) {
		m.mu.RLock()
		d, ok := m.cache[name]
		m.mu.RUnlock()
		if ok {
			return d, nil
		}

		d, err := m.source.CustomFunctionDefaults(ctx, name)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[name] = d
		m.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*experiment.CustomFunctionDefaults), nil
}

// forget drops every cached entry.
func (m *memoDefaults) forget() {
	m.mu.Lock()
	m.cache = make(map[string]*experiment.CustomFunctionDefaults)
	m.mu.Unlock()
}
