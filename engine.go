package stepdeck

import (
	"log"
	"sync"
	"time"
)

// Options configures an Engine.
type Options struct {
	// Transport carries navigation events. Nil disables emission and
	// replication.
	Transport Transport

	// Host renders committed positions. Optional.
	Host Host

	// Standalone engines manage their own input; host-driven engines are
	// started and driven by the host or an external controller.
	Standalone bool

	// Offset is the number of NEXT transitions the local display stays
	// ahead of inbound remote events. Negative values are treated as 0.
	Offset int

	// InitialStep is used by Start on standalone engines when the fragment
	// does not name a step.
	InitialStep Target

	// Fragment, when set, mirrors the active step into a URL fragment.
	Fragment FragmentStore

	Debug bool
}

// Move is a candidate transition computed by ComputeNext. An empty Step
// means the active step is kept.
type Move struct {
	Step    StepID
	Substep SubstepPos
}

// Engine is the navigation state machine over a Registry. All entry points
// are serialized; Host, Transport and observer callbacks run while the engine
// is locked and must not call back into the same engine synchronously.
type Engine struct {
	mu    sync.Mutex
	reg   *Registry
	state State

	offset     int
	standalone bool
	initial    Target
	transport  Transport
	host       Host
	refs       RefResolver
	fragment   *FragmentMirror
	replicator *Replicator
	debug      bool

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

// NewEngine creates an engine with no active step and registers its
// replicator as the transport's inbound handler.
func NewEngine(reg *Registry, opts Options) *Engine {
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	e := &Engine{
		reg:        reg,
		offset:     offset,
		standalone: opts.Standalone,
		initial:    opts.InitialStep,
		transport:  opts.Transport,
		host:       opts.Host,
		debug:      opts.Debug,
		observers:  make(map[int]func(Change)),
	}
	if refs, ok := opts.Host.(RefResolver); ok {
		e.refs = refs
	}
	if opts.Fragment != nil {
		e.fragment = NewFragmentMirror(opts.Fragment, e)
	}

	e.replicator = &Replicator{engine: e}
	if e.transport != nil {
		e.transport.OnGoto(e.replicator.Apply)
	}

	return e
}

// Start performs the initial navigation with a zero duration. Standalone
// engines honor the fragment, then InitialStep, then the first step;
// host-driven engines honor the fragment, then the first step.
func (e *Engine) Start() (StepID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var candidates []Target
	if e.fragment != nil {
		candidates = append(candidates, e.fragment.Target())
	}
	if e.standalone {
		candidates = append(candidates, e.initial)
	}
	candidates = append(candidates, ByIndex(0))

	for _, t := range candidates {
		if id, ok := e.resolve(t); ok {
			return e.gotoLocked(ByName(id), 0)
		}
	}
	return "", false
}

// Close deregisters the engine's inbound transport handler.
func (e *Engine) Close() {
	if e.transport != nil {
		e.transport.OffGoto()
	}
}

// Registry returns the engine's step registry.
func (e *Engine) Registry() *Registry {
	return e.reg
}

// Offset returns the configured replication offset.
func (e *Engine) Offset() int {
	return e.offset
}

// Standalone reports whether the engine manages its own input.
func (e *Engine) Standalone() bool {
	return e.standalone
}

// Replicator returns the handler registered with the transport.
func (e *Engine) Replicator() *Replicator {
	return e.replicator
}

// Fragment returns the fragment mirror, nil if none was configured.
func (e *Engine) Fragment() *FragmentMirror {
	return e.fragment
}

// State returns a snapshot of the navigation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Position returns the active position.
func (e *Engine) Position() Position {
	s := e.State()
	return Position{Step: s.Active, Substep: s.Substep}
}

// Resolve maps a target to a step id without side effects.
func (e *Engine) Resolve(t Target) (StepID, bool) {
	return e.resolve(t)
}

func (e *Engine) resolve(t Target) (StepID, bool) {
	return resolveTarget(e.reg, e.refs, t)
}

// Subscribe registers an observer for committed changes. The returned
// function removes it.
func (e *Engine) Subscribe(fn func(Change)) func() {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

// Goto moves to the target step with nothing revealed. Going to the active
// step is a refresh: the host re-renders the current position and nothing is
// emitted. It returns false when the target does not resolve.
func (e *Engine) Goto(t Target, d time.Duration) (StepID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gotoLocked(t, d)
}

// GotoSubstep moves to pos within the target step, or within the active step
// when the target does not resolve. It returns false when there is no step to
// apply pos to or pos is past the step's last slot.
func (e *Engine) GotoSubstep(t Target, pos SubstepPos, d time.Duration) (StepID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gotoSubstepLocked(t, pos, d)
}

// Next reveals the next slot of the active step, or enters the following
// step (wrapping after the last one).
func (e *Engine) Next() (StepID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.computeNext()
	if !ok {
		return "", false
	}
	return e.gotoSubstepLocked(ByName(m.Step), m.Substep, 0)
}

// Prev hides the last revealed slot of the active step, or enters the
// previous step (wrapping before the first one) with all its slots revealed.
func (e *Engine) Prev() (StepID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.computePrev()
	if !ok {
		return "", false
	}
	return e.gotoSubstepLocked(ByName(m.Step), m.Substep, 0)
}

// ComputeNext returns the transition Next would make, without applying it.
func (e *Engine) ComputeNext() (Move, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.computeNext()
}

func (e *Engine) gotoLocked(t Target, d time.Duration) (StepID, bool) {
	id, ok := e.resolve(t)
	if !ok {
		if e.debug {
			log.Printf("[Engine] goto %s: unresolved", t)
		}
		return "", false
	}

	if id == e.state.Active {
		e.refresh(d)
		return id, true
	}

	e.commitLocal(Position{Step: id, Substep: Unengaged}, d)
	return id, true
}

func (e *Engine) gotoSubstepLocked(t Target, pos SubstepPos, d time.Duration) (StepID, bool) {
	id, ok := e.resolve(t)
	if !ok {
		id = e.state.Active
	}
	if id == "" {
		return "", false
	}
	if !e.inRange(id, pos) {
		if e.debug {
			log.Printf("[Engine] goto #%s:%s: substep out of range", id, pos)
		}
		return "", false
	}

	e.commitLocal(Position{Step: id, Substep: pos}, d)
	return id, true
}

func (e *Engine) inRange(id StepID, pos SubstepPos) bool {
	i, engaged := pos.Index()
	return !engaged || i < e.reg.slotCount(id)
}

func (e *Engine) computeNext() (Move, bool) {
	if !e.state.Started() {
		return Move{}, false
	}

	active := e.state.Active
	if n := e.reg.slotCount(active); n > 0 {
		i, engaged := e.state.Substep.Index()
		if !engaged {
			i = -1
		}
		if i != n-1 {
			return Move{Substep: At(i + 1)}, true
		}
	}

	pos, _ := e.reg.IndexOf(active)
	next := e.reg.At((pos + 1) % e.reg.Len())
	return Move{Step: next, Substep: Unengaged}, true
}

func (e *Engine) computePrev() (Move, bool) {
	if !e.state.Started() {
		return Move{}, false
	}

	active := e.state.Active
	if e.reg.slotCount(active) > 0 {
		if i, engaged := e.state.Substep.Index(); engaged {
			return Move{Substep: At(i - 1)}, true
		}
	}

	pos, _ := e.reg.IndexOf(active)
	prev := e.reg.At((pos - 1 + e.reg.Len()) % e.reg.Len())
	return Move{Step: prev, Substep: At(e.reg.slotCount(prev) - 1)}, true
}

// commit is the single transition function. commitLocal and commitRemote are
// its two entry points; only commitLocal emits.
func (e *Engine) commit(pos Position) {
	e.state.Active = pos.Step
	e.state.Substep = pos.Substep
}

func (e *Engine) commitLocal(pos Position, d time.Duration) {
	e.commit(pos)
	if e.debug {
		log.Printf("[Engine] goto #%s", pos)
	}

	if e.transport != nil {
		if err := e.transport.EmitGoto(NewGotoEvent(pos, d)); err != nil {
			log.Printf("[Engine] Failed to emit goto #%s: %v", pos, err)
		}
	}

	e.render(pos, d)
	e.notify(Change{Position: pos, Duration: d, Origin: OriginLocal})
}

func (e *Engine) commitRemote(pos Position) {
	e.commit(pos)
}

func (e *Engine) refresh(d time.Duration) {
	pos := Position{Step: e.state.Active, Substep: e.state.Substep}
	e.render(pos, d)
	e.notify(Change{Position: pos, Duration: d, Origin: OriginRefresh})
}

func (e *Engine) render(pos Position, d time.Duration) {
	if e.host != nil {
		e.host.Activate(pos.Step, pos.Substep, d)
	}
	if e.fragment != nil {
		e.fragment.StepEntered(pos.Step)
	}
}

func (e *Engine) notify(c Change) {
	e.obsMu.Lock()
	fns := make([]func(Change), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.obsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
