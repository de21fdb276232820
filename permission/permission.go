// Package permission maps named scopes onto 64-bit masks and assembles
// role masks from them. A Registry is populated once during engine
// construction and then frozen; lookups after freezing are read-only and
// safe for concurrent use.
package permission

import "fmt"

// Mask64 is a bitset of up to 64 registered scopes.
type Mask64 uint64

// Has reports whether every bit in other is set in m.
func (m Mask64) Has(other Mask64) bool { return m&other == other }

// Set returns m with the bits of other added.
func (m Mask64) Set(other Mask64) Mask64 { return m | other }

// Clear returns m with the bits of other removed.
func (m Mask64) Clear(other Mask64) Mask64 { return m &^ other }

// Raw returns the underlying bits.
func (m Mask64) Raw() uint64 { return uint64(m) }

// Registry assigns each scope name a unique bit. Registration happens at
// startup; Freeze makes the registry immutable.
type Registry struct {
	nameToBit map[string]Mask64
	next      uint
	frozen    bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{nameToBit: make(map[string]Mask64)}
}

// Register assigns the next free bit to name. It fails on duplicates,
// after Freeze, or once all 64 bits are taken.
func (r *Registry) Register(name string) (Mask64, error) {
	if r.frozen {
		return 0, fmt.Errorf("permission registry frozen, cannot register %q", name)
	}
	if name == "" {
		return 0, fmt.Errorf("permission name must not be empty")
	}
	if _, ok := r.nameToBit[name]; ok {
		return 0, fmt.Errorf("permission %q already registered", name)
	}
	if r.next >= 64 {
		return 0, fmt.Errorf("permission registry exhausted, %q does not fit", name)
	}
	bit := Mask64(1) << r.next
	r.nameToBit[name] = bit
	r.next++
	return bit, nil
}

// MustRegister is Register for startup wiring where a failure is a
// programming error.
func (r *Registry) MustRegister(name string) Mask64 {
	bit, err := r.Register(name)
	if err != nil {
		panic(err)
	}
	return bit
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() { r.frozen = true }

// Lookup returns the bit for name.
func (r *Registry) Lookup(name string) (Mask64, bool) {
	bit, ok := r.nameToBit[name]
	return bit, ok
}

// MaskOf folds the named scopes into a single mask, failing on the first
// unknown name.
func (r *Registry) MaskOf(names ...string) (Mask64, error) {
	var m Mask64
	for _, n := range names {
		bit, ok := r.nameToBit[n]
		if !ok {
			return 0, fmt.Errorf("unknown permission %q", n)
		}
		m = m.Set(bit)
	}
	return m, nil
}

// Names returns the scope names set in mask, in registration order.
func (r *Registry) Names(mask Mask64) []string {
	out := make([]string, 0, 8)
	for name, bit := range r.nameToBit {
		if mask.Has(bit) {
			out = append(out, name)
		}
	}
	return out
}

// RoleManager maps role names to scope masks built from a shared registry.
type RoleManager struct {
	registry *Registry
	roles    map[string]Mask64
	frozen   bool
}

// NewRoleManager returns a role manager bound to registry.
func NewRoleManager(registry *Registry) *RoleManager {
	return &RoleManager{registry: registry, roles: make(map[string]Mask64)}
}

// RegisterRole binds role to the union of the named scopes.
func (rm *RoleManager) RegisterRole(role string, scopes ...string) error {
	if rm.frozen {
		return fmt.Errorf("role manager frozen, cannot register %q", role)
	}
	if role == "" {
		return fmt.Errorf("role name must not be empty")
	}
	if _, ok := rm.roles[role]; ok {
		return fmt.Errorf("role %q already registered", role)
	}
	mask, err := rm.registry.MaskOf(scopes...)
	if err != nil {
		return fmt.Errorf("role %q: %w", role, err)
	}
	rm.roles[role] = mask
	return nil
}

// Freeze makes the role manager immutable.
func (rm *RoleManager) Freeze() { rm.frozen = true }

// MaskFor returns the scope mask bound to role.
func (rm *RoleManager) MaskFor(role string) (Mask64, bool) {
	mask, ok := rm.roles[role]
	return mask, ok
}

// Known reports whether role is registered.
func (rm *RoleManager) Known(role string) bool {
	_, ok := rm.roles[role]
	return ok
}
