package stepdeck

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refs(slots []Slot) [][]string {
	out := make([][]string, len(slots))
	for i, s := range slots {
		for _, sub := range s {
			out[i] = append(out[i], sub.Ref)
		}
	}
	return out
}

func TestNewRegistrySyntheticIDs(t *testing.T) {
	reg, err := NewRegistry([]StepDescriptor{{ID: "intro"}, {}, {ID: "end"}, {}})
	require.NoError(t, err)

	assert.Equal(t, []StepID{"intro", "step-2", "end", "step-4"}, reg.Steps())
	assert.Equal(t, 4, reg.Len())
	assert.True(t, reg.Has("step-2"))

	i, ok := reg.IndexOf("end")
	assert.True(t, ok)
	assert.Equal(t, 2, i)
}

func TestNewRegistryErrors(t *testing.T) {
	_, err := NewRegistry(nil)
	assert.True(t, errors.Is(err, ErrNoSteps))

	_, err = NewRegistry([]StepDescriptor{{ID: "a"}, {ID: "a"}})
	assert.True(t, errors.Is(err, ErrDuplicateStep))

	// A synthetic id can collide with an explicit one.
	_, err = NewRegistry([]StepDescriptor{{ID: "step-2"}, {}})
	assert.True(t, errors.Is(err, ErrDuplicateStep))
}

func TestBuildSlots(t *testing.T) {
	tests := []struct {
		name     string
		substeps []Substep
		expected [][]string
	}{
		{
			name:     "no substeps",
			expected: [][]string{},
		},
		{
			name:     "discovery order",
			substeps: []Substep{{Ref: "a"}, {Ref: "b"}, {Ref: "c"}},
			expected: [][]string{{"a"}, {"b"}, {"c"}},
		},
		{
			name: "grouped orders with unordered tail",
			substeps: []Substep{
				{Ref: "x", Order: "0"},
				{Ref: "free"},
				{Ref: "y", Order: "0"},
				{Ref: "z", Order: "2"},
			},
			expected: [][]string{{"x", "y"}, {"z"}, {"free"}},
		},
		{
			name: "explicit order overrides discovery order",
			substeps: []Substep{
				{Ref: "late", Order: "5"},
				{Ref: "early", Order: "1"},
			},
			expected: [][]string{{"early"}, {"late"}},
		},
		{
			name: "malformed orders degrade to unordered",
			substeps: []Substep{
				{Ref: "neg", Order: "-1"},
				{Ref: "frac", Order: "1.5"},
				{Ref: "word", Order: "first"},
				{Ref: "ok", Order: "3"},
			},
			expected: [][]string{{"ok"}, {"neg"}, {"frac"}, {"word"}},
		},
		{
			name: "large orders keep their place",
			substeps: []Substep{
				{Ref: "huge", Order: "99999999999"},
				{Ref: "big", Order: "70000"},
				{Ref: "free"},
				{Ref: "small", Order: "2"},
				{Ref: "big too", Order: "70000"},
			},
			expected: [][]string{{"small"}, {"big", "big too"}, {"huge"}, {"free"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := refs(buildSlots(tt.substeps))
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNewRegistryFromIndex(t *testing.T) {
	idx := Index{
		Steps: []StepID{"a", "b"},
		Substeps: map[StepID][]Slot{
			"a": {{{Ref: "a0"}}, {}, {{Ref: "a1"}, {Ref: "a1b"}}},
		},
	}

	reg, err := NewRegistryFromIndex(idx)
	require.NoError(t, err)

	assert.Equal(t, []StepID{"a", "b"}, reg.Steps())
	assert.Equal(t, [][]string{{"a0"}, {"a1", "a1b"}}, refs(reg.SubstepsOf("a")))
	assert.Empty(t, reg.SubstepsOf("b"))

	// The registry does not share memory with its input.
	idx.Steps[0] = "changed"
	assert.Equal(t, StepID("a"), reg.At(0))

	_, err = NewRegistryFromIndex(Index{})
	assert.True(t, errors.Is(err, ErrNoSteps))
}

func TestRegistryIndexRoundTrip(t *testing.T) {
	reg, err := NewRegistry([]StepDescriptor{
		{ID: "a", Substeps: []Substep{{Ref: "a0"}, {Ref: "a1"}}},
		{ID: "b"},
	})
	require.NoError(t, err)

	again, err := NewRegistryFromIndex(reg.Index())
	require.NoError(t, err)
	assert.Equal(t, reg.Steps(), again.Steps())
	assert.Equal(t, refs(reg.SubstepsOf("a")), refs(again.SubstepsOf("a")))
	assert.Equal(t, 4, again.TotalSlots())
}

func TestRegistryResolve(t *testing.T) {
	reg, err := NewRegistry([]StepDescriptor{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	require.NoError(t, err)

	tests := []struct {
		name   string
		target Target
		want   StepID
		ok     bool
	}{
		{"by name", ByName("b"), "b", true},
		{"unknown name", ByName("zzz"), "", false},
		{"empty name", ByName(""), "", false},
		{"first index", ByIndex(0), "a", true},
		{"last index", ByIndex(2), "c", true},
		{"past the end", ByIndex(3), "", false},
		{"negative index", ByIndex(-1), "c", true},
		{"negative first", ByIndex(-3), "a", true},
		{"negative past the start", ByIndex(-4), "", false},
		{"host ref without host", ByHostRef("el"), "", false},
		{"no target", NoTarget, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := reg.Resolve(tt.target)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
