package stepdeck

import "fmt"

type targetKind int

const (
	targetNone targetKind = iota
	targetName
	targetIndex
	targetHostRef
)

// Target names a step to navigate to. Build one with ByName, ByIndex or
// ByHostRef; the zero value is NoTarget.
type Target struct {
	kind  targetKind
	name  StepID
	index int
	ref   any
}

// NoTarget resolves to nothing. GotoSubstep treats it as "the active step".
var NoTarget = Target{}

// ByName targets a step by id.
func ByName(id StepID) Target {
	if id == "" {
		return NoTarget
	}
	return Target{kind: targetName, name: id}
}

// ByIndex targets a step by position. Negative values count from the end.
func ByIndex(i int) Target {
	return Target{kind: targetIndex, index: i}
}

// ByHostRef targets a step through a host-specific reference, resolved by
// the host's RefResolver.
func ByHostRef(ref any) Target {
	if ref == nil {
		return NoTarget
	}
	return Target{kind: targetHostRef, ref: ref}
}

// IsZero reports whether t is NoTarget.
func (t Target) IsZero() bool {
	return t.kind == targetNone
}

func (t Target) String() string {
	switch t.kind {
	case targetName:
		return "#" + string(t.name)
	case targetIndex:
		return fmt.Sprintf("[%d]", t.index)
	case targetHostRef:
		return fmt.Sprintf("ref(%v)", t.ref)
	default:
		return "none"
	}
}

// resolveTarget is the single resolver for every target kind.
func resolveTarget(r *Registry, host RefResolver, t Target) (StepID, bool) {
	switch t.kind {
	case targetName:
		if r.Has(t.name) {
			return t.name, true
		}
	case targetIndex:
		i := t.index
		if i < 0 {
			i += r.Len()
		}
		if i >= 0 && i < r.Len() {
			return r.steps[i], true
		}
	case targetHostRef:
		if host == nil {
			return "", false
		}
		if id, ok := host.StepOf(t.ref); ok && r.Has(id) {
			return id, true
		}
	}
	return "", false
}
