package saga

import (
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds executable saga definitions by name. It is safe for
// concurrent registration and lookup.
type Registry struct {
	sagas *xsync.MapOf[string, *Definition]
}

func NewRegistry() *Registry {
	return &Registry{sagas: xsync.NewMapOf[string, *Definition]()}
}

// Register adds a definition. Registering a second definition under the
// same name fails with ErrAlreadyRegistered.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrValidation)
	}
	if _, loaded := r.sagas.LoadOrStore(def.Name(), def); loaded {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, def.Name())
	}
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*Definition, error) {
	def, ok := r.sagas.Load(name)
	if !ok {
		return nil, &NotRegisteredError{Saga: name}
	}
	return def, nil
}

// Names returns the registered saga names in sorted order.
func (r *Registry) Names() []string {
	var names []string
	r.sagas.Range(func(name string, _ *Definition) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
