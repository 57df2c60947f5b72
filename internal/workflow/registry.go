package workflow

import (
	"fmt"
	"sync"
)

// Registry holds the declared automation rules. Registration is
// append-only and keyed by id: re-registering an id fully replaces the
// prior definition but keeps its registration position, so priority
// ties stay deterministic. Deactivation is a flag flip, never removal.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
	index map[string]int
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register validates and stores a rule. Last write wins per id.
func (r *Registry) Register(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[rule.ID]; ok {
		r.rules[i] = rule
		return nil
	}
	r.index[rule.ID] = len(r.rules)
	r.rules = append(r.rules, rule)
	return nil
}

func (r *Registry) setActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	r.rules[i].Active = active
	return nil
}

// Deactivate flips the rule's active flag off.
func (r *Registry) Deactivate(id string) error { return r.setActive(id, false) }

// Reactivate flips the rule's active flag back on.
func (r *Registry) Reactivate(id string) error { return r.setActive(id, true) }

// Get returns the rule with the given id.
func (r *Registry) Get(id string) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return r.rules[i], nil
}

// All returns every registered rule in registration order.
func (r *Registry) All() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}
