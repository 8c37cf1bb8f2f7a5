package stepdeck

import (
	"strings"
	"sync"
)

// FragmentStore reads and writes a URL fragment such as "#/intro".
type FragmentStore interface {
	Fragment() string
	SetFragment(frag string)
}

// MemoryFragment is a FragmentStore for hosts without a browser location.
type MemoryFragment struct {
	mu   sync.Mutex
	frag string
}

// Fragment returns the stored fragment.
func (m *MemoryFragment) Fragment() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frag
}

// SetFragment replaces the stored fragment.
func (m *MemoryFragment) SetFragment(frag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frag = frag
}

// FragmentMirror keeps a URL fragment in step with the active step and turns
// external fragment changes into navigation. Fragments it wrote itself are
// ignored when they come back as change notifications.
type FragmentMirror struct {
	mu    sync.Mutex
	store FragmentStore
	nav   Navigator
	last  string
}

// NewFragmentMirror creates a mirror that navigates nav on external changes.
func NewFragmentMirror(store FragmentStore, nav Navigator) *FragmentMirror {
	return &FragmentMirror{store: store, nav: nav}
}

// FragmentFor returns the fragment written for a step.
func FragmentFor(id StepID) string {
	return "#/" + string(id)
}

// StepFromFragment extracts a step id from "#/id" or the fallback "#id".
func StepFromFragment(frag string) StepID {
	frag = strings.TrimPrefix(frag, "#")
	frag = strings.TrimPrefix(frag, "/")
	return StepID(frag)
}

// Target returns the step named by the current fragment, NoTarget if none.
func (m *FragmentMirror) Target() Target {
	return ByName(StepFromFragment(m.store.Fragment()))
}

// StepEntered writes the fragment for a newly entered step.
func (m *FragmentMirror) StepEntered(id StepID) {
	frag := FragmentFor(id)

	m.mu.Lock()
	m.last = frag
	m.mu.Unlock()

	m.store.SetFragment(frag)
}

// FragmentChanged handles a fragment change reported by the host. Changes
// equal to the last written fragment are ignored.
func (m *FragmentMirror) FragmentChanged(frag string) (StepID, bool) {
	m.mu.Lock()
	self := frag == m.last
	m.mu.Unlock()

	if self {
		return "", false
	}
	return m.nav.Goto(ByName(StepFromFragment(frag)), 0)
}
