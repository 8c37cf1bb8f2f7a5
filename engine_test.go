package stepdeck

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records emitted events and holds the inbound handler.
type fakeTransport struct {
	handler  func(*GotoEvent)
	emitted  []GotoEvent
	offCalls int
	err      error
}

func (f *fakeTransport) OnGoto(h func(*GotoEvent)) { f.handler = h }
func (f *fakeTransport) OffGoto()                  { f.handler = nil; f.offCalls++ }
func (f *fakeTransport) EmitGoto(ev GotoEvent) error {
	f.emitted = append(f.emitted, ev)
	return f.err
}

// fakeHost records activations and resolves "el:<id>" references.
type fakeHost struct {
	activations []Change
}

func (h *fakeHost) Activate(id StepID, pos SubstepPos, d time.Duration) {
	h.activations = append(h.activations, Change{Position: Position{Step: id, Substep: pos}, Duration: d})
}

func (h *fakeHost) StepOf(ref any) (StepID, bool) {
	s, ok := ref.(string)
	if !ok || len(s) < 4 || s[:3] != "el:" {
		return "", false
	}
	return StepID(s[3:]), true
}

func intp(i int) *int { return &i }

func pos(step StepID, sub int) Position {
	return Position{Step: step, Substep: At(sub)}
}

// abcRegistry is A[a0,a1], B[], C[c0].
func abcRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry([]StepDescriptor{
		{ID: "A", Substeps: []Substep{{Ref: "a0"}, {Ref: "a1"}}},
		{ID: "B"},
		{ID: "C", Substeps: []Substep{{Ref: "c0"}}},
	})
	require.NoError(t, err)
	return reg
}

func startedEngine(t *testing.T, reg *Registry, opts Options) (*Engine, *fakeTransport, *fakeHost) {
	t.Helper()
	tr := &fakeTransport{}
	host := &fakeHost{}
	opts.Transport = tr
	opts.Host = host
	opts.Standalone = true
	e := NewEngine(reg, opts)
	_, ok := e.Start()
	require.True(t, ok)
	return e, tr, host
}

func TestEngineScenario(t *testing.T) {
	e, _, _ := startedEngine(t, abcRegistry(t), Options{})
	require.Equal(t, pos("A", -1), e.Position())

	expected := []Position{
		pos("A", 0),
		pos("A", 1),
		pos("B", -1),
		pos("C", -1),
		pos("C", 0),
		pos("A", -1),
	}
	for i, want := range expected {
		_, ok := e.Next()
		require.True(t, ok)
		assert.Equal(t, want, e.Position(), "after next #%d", i+1)
	}

	_, ok := e.Prev()
	require.True(t, ok)
	assert.Equal(t, pos("C", 0), e.Position())
}

func TestEngineCircularity(t *testing.T) {
	decks := map[string][]StepDescriptor{
		"single step":      {{ID: "only"}},
		"single with subs": {{ID: "only", Substeps: []Substep{{Ref: "x"}, {Ref: "y"}}}},
		"flat":             {{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		"grouped": {
			{ID: "a", Substeps: []Substep{{Ref: "1", Order: "0"}, {Ref: "2", Order: "0"}, {Ref: "3", Order: "2"}, {Ref: "4"}}},
			{ID: "b"},
			{ID: "c", Substeps: []Substep{{Ref: "5"}}},
		},
	}

	for name, descs := range decks {
		t.Run(name, func(t *testing.T) {
			reg, err := NewRegistry(descs)
			require.NoError(t, err)
			e, _, _ := startedEngine(t, reg, Options{})

			start := e.Position()
			seen := map[Position]bool{}
			for i := 0; i < reg.TotalSlots(); i++ {
				seen[e.Position()] = true
				_, ok := e.Next()
				require.True(t, ok)
			}
			assert.Equal(t, start, e.Position())
			assert.Len(t, seen, reg.TotalSlots(), "every slot is visited once per cycle")
		})
	}
}

func TestEnginePrevUndoesNext(t *testing.T) {
	reg := abcRegistry(t)
	e, _, _ := startedEngine(t, reg, Options{})

	for i := 0; i < reg.TotalSlots(); i++ {
		before := e.Position()
		e.Next()
		e.Prev()
		assert.Equal(t, before, e.Position(), "prev after next from %s", before)
		e.Next()
	}
}

func TestEngineNextUndoesPrev(t *testing.T) {
	reg := abcRegistry(t)
	e, _, _ := startedEngine(t, reg, Options{})

	for i := 0; i < reg.TotalSlots(); i++ {
		before := e.Position()
		e.Prev()
		e.Next()
		assert.Equal(t, before, e.Position(), "next after prev from %s", before)
		e.Prev()
	}
}

func TestEngineGotoUnknown(t *testing.T) {
	e, tr, host := startedEngine(t, abcRegistry(t), Options{})
	e.Next()
	before := e.Position()
	emitted := len(tr.emitted)
	rendered := len(host.activations)

	for _, target := range []Target{ByName("nope"), ByIndex(10), NoTarget, ByHostRef(42)} {
		id, ok := e.Goto(target, time.Second)
		assert.False(t, ok, "target %s", target)
		assert.Empty(t, id)
	}

	assert.Equal(t, before, e.Position())
	assert.Len(t, tr.emitted, emitted)
	assert.Len(t, host.activations, rendered)
}

func TestEngineGotoEmits(t *testing.T) {
	e, tr, host := startedEngine(t, abcRegistry(t), Options{})
	tr.emitted = nil

	id, ok := e.Goto(ByName("C"), 500*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, StepID("C"), id)
	assert.Equal(t, pos("C", -1), e.Position())

	require.Len(t, tr.emitted, 1)
	ev := tr.emitted[0]
	assert.Equal(t, StepID("C"), ev.Step)
	assert.Equal(t, -1, *ev.SubstepIdx)
	assert.Equal(t, int64(500), *ev.Duration)

	last := host.activations[len(host.activations)-1]
	assert.Equal(t, pos("C", -1), last.Position)
	assert.Equal(t, 500*time.Millisecond, last.Duration)
}

func TestEngineGotoActiveIsRefresh(t *testing.T) {
	e, tr, host := startedEngine(t, abcRegistry(t), Options{})
	e.Next() // A:0
	tr.emitted = nil
	host.activations = nil

	var changes []Change
	e.Subscribe(func(c Change) { changes = append(changes, c) })

	id, ok := e.Goto(ByName("A"), time.Second)
	assert.True(t, ok)
	assert.Equal(t, StepID("A"), id)
	assert.Equal(t, pos("A", 0), e.Position(), "refresh keeps the substep")
	assert.Empty(t, tr.emitted)
	require.Len(t, host.activations, 1)
	assert.Equal(t, pos("A", 0), host.activations[0].Position)
	require.Len(t, changes, 1)
	assert.Equal(t, OriginRefresh, changes[0].Origin)
}

func TestEngineGotoSubstep(t *testing.T) {
	e, tr, _ := startedEngine(t, abcRegistry(t), Options{})

	// Substep only: applies to the active step.
	id, ok := e.GotoSubstep(NoTarget, At(1), 0)
	assert.True(t, ok)
	assert.Equal(t, StepID("A"), id)
	assert.Equal(t, pos("A", 1), e.Position())

	// Unresolved target with a substep keeps the active step.
	_, ok = e.GotoSubstep(ByName("missing"), At(0), 0)
	assert.True(t, ok)
	assert.Equal(t, pos("A", 0), e.Position())

	// Explicit step and substep.
	_, ok = e.GotoSubstep(ByName("C"), At(0), 0)
	assert.True(t, ok)
	assert.Equal(t, pos("C", 0), e.Position())

	// Same step with an explicit substep is a commit, not a refresh.
	emitted := len(tr.emitted)
	_, ok = e.GotoSubstep(ByName("C"), Unengaged, 0)
	assert.True(t, ok)
	assert.Equal(t, pos("C", -1), e.Position())
	assert.Len(t, tr.emitted, emitted+1)

	// Out of range is rejected.
	_, ok = e.GotoSubstep(ByName("B"), At(0), 0)
	assert.False(t, ok)
	assert.Equal(t, pos("C", -1), e.Position())
}

func TestEngineBeforeStart(t *testing.T) {
	e := NewEngine(abcRegistry(t), Options{})

	assert.False(t, e.State().Started())

	_, ok := e.Next()
	assert.False(t, ok)
	_, ok = e.Prev()
	assert.False(t, ok)
	_, ok = e.ComputeNext()
	assert.False(t, ok)
	_, ok = e.GotoSubstep(NoTarget, At(0), 0)
	assert.False(t, ok)

	id, ok := e.Goto(ByIndex(-1), 0)
	assert.True(t, ok)
	assert.Equal(t, StepID("C"), id)
	assert.Equal(t, pos("C", -1), e.Position())
}

func TestEngineComputeNextIsPure(t *testing.T) {
	e, tr, host := startedEngine(t, abcRegistry(t), Options{})
	e.GotoSubstep(NoTarget, At(1), 0)
	emitted, rendered := len(tr.emitted), len(host.activations)

	m, ok := e.ComputeNext()
	require.True(t, ok)
	assert.Equal(t, Move{Step: "B", Substep: Unengaged}, m)

	e.GotoSubstep(NoTarget, At(0), 0)
	emitted, rendered = len(tr.emitted), len(host.activations)
	m, ok = e.ComputeNext()
	require.True(t, ok)
	assert.Equal(t, Move{Substep: At(1)}, m)

	assert.Equal(t, pos("A", 0), e.Position())
	assert.Len(t, tr.emitted, emitted)
	assert.Len(t, host.activations, rendered)
}

func TestEngineStart(t *testing.T) {
	tests := []struct {
		name       string
		standalone bool
		fragment   string
		initial    Target
		want       StepID
	}{
		{"standalone defaults to first", true, "", NoTarget, "A"},
		{"standalone initial step", true, "", ByName("B"), "B"},
		{"standalone fragment wins", true, "#/C", ByName("B"), "C"},
		{"standalone unknown fragment", true, "#/zzz", ByName("B"), "B"},
		{"host-driven ignores initial", false, "", ByName("B"), "A"},
		{"host-driven fragment", false, "#C", ByName("B"), "C"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frag := &MemoryFragment{}
			frag.SetFragment(tt.fragment)
			tr := &fakeTransport{}
			e := NewEngine(abcRegistry(t), Options{
				Transport:   tr,
				Standalone:  tt.standalone,
				InitialStep: tt.initial,
				Fragment:    frag,
			})

			id, ok := e.Start()
			require.True(t, ok)
			assert.Equal(t, tt.want, id)
			assert.Equal(t, pos(tt.want, -1), e.Position())
			require.Len(t, tr.emitted, 1)
			assert.Equal(t, int64(0), *tr.emitted[0].Duration)
			assert.Equal(t, FragmentFor(tt.want), frag.Fragment())
		})
	}
}

func TestEngineHostRef(t *testing.T) {
	e, _, _ := startedEngine(t, abcRegistry(t), Options{})

	id, ok := e.Goto(ByHostRef("el:B"), 0)
	assert.True(t, ok)
	assert.Equal(t, StepID("B"), id)

	_, ok = e.Goto(ByHostRef("el:nope"), 0)
	assert.False(t, ok)
	_, ok = e.Goto(ByHostRef(7), 0)
	assert.False(t, ok)
}

func TestEngineEmitFailureKeepsCommit(t *testing.T) {
	e, tr, _ := startedEngine(t, abcRegistry(t), Options{})
	tr.err = errors.New("socket closed")

	id, ok := e.Next()
	assert.True(t, ok)
	assert.Equal(t, StepID("A"), id)
	assert.Equal(t, pos("A", 0), e.Position())
}

func TestEngineSubscribe(t *testing.T) {
	e, _, _ := startedEngine(t, abcRegistry(t), Options{})

	var got []Change
	cancel := e.Subscribe(func(c Change) { got = append(got, c) })

	e.Next()
	e.Prev()
	cancel()
	e.Next()

	require.Len(t, got, 2)
	assert.Equal(t, Change{Position: pos("A", 0), Origin: OriginLocal}, got[0])
	assert.Equal(t, Change{Position: pos("A", -1), Origin: OriginLocal}, got[1])
}

func TestEngineClose(t *testing.T) {
	tr := &fakeTransport{}
	e := NewEngine(abcRegistry(t), Options{Transport: tr})
	require.NotNil(t, tr.handler)

	e.Close()
	assert.Nil(t, tr.handler)
	assert.Equal(t, 1, tr.offCalls)
}

func TestEngineNegativeOffset(t *testing.T) {
	e := NewEngine(abcRegistry(t), Options{Offset: -3})
	assert.Equal(t, 0, e.Offset())
}
