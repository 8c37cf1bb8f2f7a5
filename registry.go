package stepdeck

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	// ErrNoSteps is returned when a registry would contain no steps.
	ErrNoSteps = errors.New("deck has no steps")
	// ErrDuplicateStep is returned when two steps share an id.
	ErrDuplicateStep = errors.New("duplicate step id")
)

// StepDescriptor is the input form of a step.
type StepDescriptor struct {
	ID       StepID    `json:"id,omitempty" yaml:"id,omitempty"`
	Title    string    `json:"title,omitempty" yaml:"title,omitempty"`
	Substeps []Substep `json:"substeps,omitempty" yaml:"substeps,omitempty"`
}

// Index is the pre-built form of a registry: ordered step ids and the
// slots of every step. It is what the relay server hands to clients.
type Index struct {
	Steps    []StepID          `json:"steps"`
	Substeps map[StepID][]Slot `json:"substeps"`
}

// Registry is the immutable ordered index of steps and their substep slots.
type Registry struct {
	steps    []StepID
	position map[StepID]int
	slots    map[StepID][]Slot
}

// NewRegistry builds a registry from step descriptors, preserving their order.
// Steps without an id are named "step-N" after their 1-based position.
func NewRegistry(descs []StepDescriptor) (*Registry, error) {
	if len(descs) == 0 {
		return nil, ErrNoSteps
	}

	steps := make([]StepID, len(descs))
	slots := make(map[StepID][]Slot, len(descs))
	for i, d := range descs {
		id := d.ID
		if id == "" {
			id = StepID(fmt.Sprintf("step-%d", i+1))
		}
		steps[i] = id
		if _, dup := slots[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, id)
		}
		slots[id] = buildSlots(d.Substeps)
	}

	return newRegistry(steps, slots)
}

// NewRegistryFromIndex accepts a pre-built index as-is.
func NewRegistryFromIndex(idx Index) (*Registry, error) {
	if len(idx.Steps) == 0 {
		return nil, ErrNoSteps
	}

	steps := make([]StepID, len(idx.Steps))
	copy(steps, idx.Steps)

	slots := make(map[StepID][]Slot, len(steps))
	for _, id := range steps {
		if _, dup := slots[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, id)
		}
		var own []Slot
		for _, s := range idx.Substeps[id] {
			if len(s) == 0 {
				continue
			}
			own = append(own, append(Slot(nil), s...))
		}
		slots[id] = own
	}

	return newRegistry(steps, slots)
}

func newRegistry(steps []StepID, slots map[StepID][]Slot) (*Registry, error) {
	position := make(map[StepID]int, len(steps))
	for i, id := range steps {
		if id == "" {
			return nil, fmt.Errorf("step %d has an empty id", i+1)
		}
		position[id] = i
	}
	return &Registry{steps: steps, position: position, slots: slots}, nil
}

// buildSlots orders substeps by their explicit order key. Substeps sharing a
// key form one slot; substeps without a usable key follow in input order.
func buildSlots(subs []Substep) []Slot {
	type keyed struct {
		order int
		sub   Substep
	}
	var (
		ordered   []keyed
		unordered []Slot
	)

	for _, s := range subs {
		n, ok := parseOrder(s.Order)
		if !ok {
			unordered = append(unordered, Slot{s})
			continue
		}
		ordered = append(ordered, keyed{order: n, sub: s})
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	out := make([]Slot, 0, len(ordered)+len(unordered))
	for i, k := range ordered {
		if i > 0 && k.order == ordered[i-1].order {
			out[len(out)-1] = append(out[len(out)-1], k.sub)
			continue
		}
		out = append(out, Slot{k.sub})
	}
	return append(out, unordered...)
}

func parseOrder(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Steps returns the step ids in presentation order.
func (r *Registry) Steps() []StepID {
	out := make([]StepID, len(r.steps))
	copy(out, r.steps)
	return out
}

// Len returns the number of steps.
func (r *Registry) Len() int {
	return len(r.steps)
}

// Has reports whether id is a registered step.
func (r *Registry) Has(id StepID) bool {
	_, ok := r.position[id]
	return ok
}

// IndexOf returns the position of id in presentation order.
func (r *Registry) IndexOf(id StepID) (int, bool) {
	i, ok := r.position[id]
	return i, ok
}

// At returns the step at position i.
func (r *Registry) At(i int) StepID {
	return r.steps[i]
}

// SubstepsOf returns the slots of a step. Unknown steps have none.
func (r *Registry) SubstepsOf(id StepID) []Slot {
	return r.slots[id]
}

// slotCount is len(SubstepsOf(id)) without exposing the slice.
func (r *Registry) slotCount(id StepID) int {
	return len(r.slots[id])
}

// Resolve maps a target to a step id. Host references never resolve here;
// use Engine.Resolve for those.
func (r *Registry) Resolve(t Target) (StepID, bool) {
	return resolveTarget(r, nil, t)
}

// Index returns the pre-built form of the registry.
func (r *Registry) Index() Index {
	subs := make(map[StepID][]Slot, len(r.slots))
	for id, s := range r.slots {
		if len(s) > 0 {
			subs[id] = s
		}
	}
	return Index{Steps: r.Steps(), Substeps: subs}
}

// TotalSlots returns the number of NEXT transitions in one full cycle:
// every step plus every substep slot.
func (r *Registry) TotalSlots() int {
	n := len(r.steps)
	for _, s := range r.slots {
		n += len(s)
	}
	return n
}
