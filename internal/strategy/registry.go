package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrRegistrySealed  = errors.New("registry sealed")
	ErrDuplicate       = errors.New("strategy already registered")
)

// Params is the validated parameter bundle handed to a factory.
type Params struct {
	Symbol     string
	Grid       GridParams
	Supertrend SupertrendParams
	Logger     *zap.Logger
}

type Factory func(Params) (Strategy, error)

// Registry maps names to factories. It is sealed before concurrent use;
// lookups after Seal need no coordination with writers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	sealed    bool
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every built-in strategy and is already sealed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(GridName, NewGridFromParams)
	_ = r.Register(SupertrendName, NewSupertrendFromParams)
	r.Seal()
	return r
}

func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if name == "" || f == nil {
		return errors.New("strategy name and factory are required")
	}
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// New builds a fresh strategy instance; parameter errors surface here,
// before any run starts.
func (r *Registry) New(name string, p Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return f(p)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
