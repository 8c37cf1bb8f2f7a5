// Package stepdeck provides the navigation core for step-based presentations:
// an immutable step registry, a GOTO/NEXT/PREV state machine, and a replicator
// that follows a remote navigation stream a fixed number of steps ahead.
package stepdeck

import (
	"strconv"
	"time"
)

// StepID identifies a step. It is stable for the lifetime of a deck.
type StepID string

// Substep is a revealable unit within a step.
type Substep struct {
	Ref   string `json:"ref" yaml:"ref"`
	Order string `json:"order,omitempty" yaml:"order,omitempty"` // Raw order key, empty if none was declared
}

// Slot is one navigation unit inside a step. Substeps that share an explicit
// order key are grouped into a single slot and revealed together.
type Slot []Substep

// SubstepPos is the revealed position within a step. The zero value is
// Unengaged: the step is active but none of its slots has been revealed.
type SubstepPos struct {
	index   int
	engaged bool
}

// Unengaged is the position of a freshly entered step.
var Unengaged = SubstepPos{}

// At returns the position of slot i. Negative values yield Unengaged.
func At(i int) SubstepPos {
	if i < 0 {
		return Unengaged
	}
	return SubstepPos{index: i, engaged: true}
}

// FromWire converts a wire substep index (-1 for none) into a position.
func FromWire(idx int) SubstepPos {
	return At(idx)
}

// Index returns the slot index and whether a slot is engaged.
func (p SubstepPos) Index() (int, bool) {
	return p.index, p.engaged
}

// Engaged reports whether any slot is revealed.
func (p SubstepPos) Engaged() bool {
	return p.engaged
}

// Wire returns the wire form of the position: the slot index, or -1.
func (p SubstepPos) Wire() int {
	if !p.engaged {
		return -1
	}
	return p.index
}

func (p SubstepPos) String() string {
	if !p.engaged {
		return "unengaged"
	}
	return strconv.Itoa(p.index)
}

// Position is a (step, substep) pair.
type Position struct {
	Step    StepID
	Substep SubstepPos
}

func (p Position) String() string {
	return string(p.Step) + ":" + p.Substep.String()
}

// State is the single mutable navigation record of an engine.
type State struct {
	Active  StepID // Empty until the first committed navigation
	Substep SubstepPos
}

// Started reports whether a navigation has been committed.
func (s State) Started() bool {
	return s.Active != ""
}

// Origin describes where a committed change came from.
type Origin string

const (
	OriginLocal   Origin = "local"   // Goto/Next/Prev called on this engine
	OriginRemote  Origin = "remote"  // Replicated from the transport
	OriginRefresh Origin = "refresh" // Goto on the already active step
)

// Change is delivered to observers after every commit or refresh.
type Change struct {
	Position
	Duration time.Duration
	Origin   Origin
}

// GotoEvent is the navigation event exchanged over a Transport.
// SubstepIdx uses -1 for "no substep revealed"; nil means absent.
type GotoEvent struct {
	Step       StepID `json:"step,omitempty"`
	SubstepIdx *int   `json:"substepIdx,omitempty"`
	Duration   *int64 `json:"duration,omitempty"` // Milliseconds
}

// NewGotoEvent builds the outbound event for a committed position.
func NewGotoEvent(pos Position, d time.Duration) GotoEvent {
	idx := pos.Substep.Wire()
	ms := d.Milliseconds()
	return GotoEvent{Step: pos.Step, SubstepIdx: &idx, Duration: &ms}
}

// Position returns the substep position carried by the event. A missing or
// negative index means Unengaged.
func (e GotoEvent) Position() SubstepPos {
	if e.SubstepIdx == nil {
		return Unengaged
	}
	return FromWire(*e.SubstepIdx)
}

// TransitionDuration returns the event duration, zero if absent.
func (e GotoEvent) TransitionDuration() time.Duration {
	if e.Duration == nil || *e.Duration < 0 {
		return 0
	}
	return time.Duration(*e.Duration) * time.Millisecond
}

// Transport exchanges navigation events with the outside world. Exactly one
// inbound handler is registered per engine.
type Transport interface {
	OnGoto(handler func(*GotoEvent))
	OffGoto()
	EmitGoto(ev GotoEvent) error
}

// Host is an optional rendering backend. Activate performs the actual
// step activation (transition, animation) for a committed position.
type Host interface {
	Activate(id StepID, pos SubstepPos, d time.Duration)
}

// RefResolver is implemented by hosts that can map their own element
// references to step ids.
type RefResolver interface {
	StepOf(ref any) (StepID, bool)
}

// Navigator is the capability set handed to input handlers and hosts in
// place of the host's own navigation methods.
type Navigator interface {
	Goto(t Target, d time.Duration) (StepID, bool)
	GotoSubstep(t Target, pos SubstepPos, d time.Duration) (StepID, bool)
	Next() (StepID, bool)
	Prev() (StepID, bool)
}
