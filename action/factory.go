package action

import (
	"fmt"
	"sync"
)

// Constructor builds an action instance. Constructors run once per
// pipeline composition, not per job.
type Constructor func() Action

// Factory is an ordered action registry. Registration order matters: it
// is the execution order of the composed pipeline.
type Factory struct {
	mu    sync.RWMutex
	ctors map[Name]Constructor
	order []Name
}

// NewFactory returns an empty registry.
func NewFactory() *Factory {
	return &Factory{ctors: make(map[Name]Constructor)}
}

// Register adds a named constructor. Duplicate names are rejected so a
// stage cannot accidentally register twice.
func (f *Factory) Register(name Name, ctor Constructor) error {
	if name == "" {
		return fmt.Errorf("action name cannot be empty")
	}
	if ctor == nil {
		return fmt.Errorf("constructor for %s cannot be nil", name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.ctors[name]; exists {
		return fmt.Errorf("action %s already registered", name)
	}
	f.ctors[name] = ctor
	f.order = append(f.order, name)
	return nil
}

// Create instantiates a registered action by name.
func (f *Factory) Create(name Name) (Action, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("action %s not registered", name)
	}
	return ctor(), nil
}

// Names returns the registration order.
func (f *Factory) Names() []Name {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Name, len(f.order))
	copy(out, f.order)
	return out
}

// Pipeline instantiates every registered action in registration order.
func (f *Factory) Pipeline() ([]Action, error) {
	f.mu.RLock()
	order := make([]Name, len(f.order))
	copy(order, f.order)
	f.mu.RUnlock()

	actions := make([]Action, 0, len(order))
	for _, name := range order {
		a, err := f.Create(name)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// Registry is the minimal interface stage registration functions accept.
// Per-stage Register functions validate the registry before use.
type Registry interface {
	Register(name Name, ctor Constructor) error
}

// ValidateRegistry rejects nil registries up front so registration
// failures surface at startup, not first use.
func ValidateRegistry(r Registry) error {
	if r == nil {
		return fmt.Errorf("action registry cannot be nil")
	}
	return nil
}
