package stepdeck

import "log"

// Replicator applies inbound remote events to its engine. The event becomes
// the baseline, then the engine's offset of NEXT transitions is replayed on
// top of it. Nothing on this path emits through the transport.
type Replicator struct {
	engine *Engine
}

// Apply handles one inbound event. Malformed events are logged and dropped.
func (r *Replicator) Apply(ev *GotoEvent) {
	e := r.engine
	if ev == nil {
		log.Printf("[Sync] Dropping goto: event is nil")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	step := ev.Step
	if step == "" {
		step = e.state.Active
	}
	if step == "" {
		log.Printf("[Sync] Dropping goto: no step and no active step")
		return
	}
	if !e.reg.Has(step) {
		log.Printf("[Sync] Dropping goto: unknown step %q", step)
		return
	}

	pos := ev.Position()
	if !e.inRange(step, pos) {
		log.Printf("[Sync] Dropping goto #%s: substep %s out of range", step, pos)
		return
	}

	e.commitRemote(Position{Step: step, Substep: pos})
	for i := 0; i < e.offset; i++ {
		m, ok := e.computeNext()
		if !ok {
			break
		}
		if m.Step == "" {
			m.Step = e.state.Active
		}
		e.commitRemote(Position{Step: m.Step, Substep: m.Substep})
	}

	final := Position{Step: e.state.Active, Substep: e.state.Substep}
	d := ev.TransitionDuration()
	if e.debug {
		log.Printf("[Sync] goto #%s:%s (+%d) -> #%s", step, pos, e.offset, final)
	}

	e.render(final, d)
	e.notify(Change{Position: final, Duration: d, Origin: OriginRemote})
}
