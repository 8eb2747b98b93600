// Package state provides explicit lifecycle tracking for stateful facades.
//
// Each component declares its own stage enum and a Tracker over it; every
// operation checks the current stage and fails fast with an
// InvalidStateError instead of probing for missing fields.
package state

import (
	"sync"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// Stage is the constraint for a component's stage enum.
type Stage interface {
	~int
	String() string
}

// Tracker holds the current stage of one component instance.
type Tracker[S Stage] struct {
	mu        sync.RWMutex
	component string
	current   S
}

// NewTracker creates a Tracker starting at initial.
func NewTracker[S Stage](component string, initial S) *Tracker[S] {
	return &Tracker[S]{component: component, current: initial}
}

// Current returns the current stage.
func (t *Tracker[S]) Current() S {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Is reports whether the current stage is one of stages.
func (t *Tracker[S]) Is(stages ...S) bool {
	cur := t.Current()
	for _, s := range stages {
		if s == cur {
			return true
		}
	}
	return false
}

// Require returns an InvalidStateError unless the current stage is one of allowed.
func (t *Tracker[S]) Require(op string, allowed ...S) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range allowed {
		if s == t.current {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = s.String()
	}
	return errors.NewInvalidStateError(t.component, op, t.current.String(), names)
}

// Set moves the tracker to stage s.
func (t *Tracker[S]) Set(s S) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = s
}
