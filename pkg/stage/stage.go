// Package stage defines the ordered phases of a simulation tick and the
// checks that let mutation APIs verify they are being called in a legal phase.
package stage

import (
	"math/bits"
	"strings"
)

// Stage is one ordered phase of a simulation tick.
// The numeric value is the stage's bit position inside a Set.
type Stage uint8

// Tick stages in execution order. Snapshot wraps around to TickStart.
const (
	TickStart Stage = iota
	Stage1
	Stage2Plus
	DynamicBlocks
	GlobalDynamicBlocks
	Physics
	GlobalPhysics
	Lighting
	Finalize
	PreSnapshot
	Snapshot

	numStages
)

// Count is the number of stages in a tick.
const Count = int(numStages)

var stageNames = [numStages]string{
	TickStart:           "tick_start",
	Stage1:              "stage1",
	Stage2Plus:          "stage2+",
	DynamicBlocks:       "dynamic_blocks",
	GlobalDynamicBlocks: "global_dynamic_blocks",
	Physics:             "physics",
	GlobalPhysics:       "global_physics",
	Lighting:            "lighting",
	Finalize:            "finalize",
	PreSnapshot:         "pre_snapshot",
	Snapshot:            "snapshot",
}

// String returns the stage name used in logs and metric labels.
func (s Stage) String() string {
	if s >= numStages {
		return "unknown"
	}
	return stageNames[s]
}

// Valid reports whether s is a defined stage.
func (s Stage) Valid() bool {
	return s < numStages
}

// Next returns the stage that follows s in the fixed tick order.
func (s Stage) Next() Stage {
	if s >= Snapshot {
		return TickStart
	}
	return s + 1
}

// Mask returns the single-stage set containing s.
func (s Stage) Mask() Set {
	return Set(1) << s
}

// Order returns every stage in execution order.
func Order() []Stage {
	out := make([]Stage, 0, numStages)
	for s := TickStart; s < numStages; s++ {
		out = append(out, s)
	}
	return out
}

// Parse resolves a stage name as produced by String.
func Parse(name string) (Stage, bool) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), true
		}
	}
	return 0, false
}

// Set is a bitmask of stages.
type Set uint16

// Common stage sets.
const (
	NoStages  Set = 0
	AllStages Set = (1 << numStages) - 1

	// Stable covers the stages during which live state must not change.
	Stable Set = Set(1)<<PreSnapshot | Set(1)<<Snapshot

	// Mutable covers every stage in which live state may be written.
	Mutable Set = AllStages &^ Stable
)

// Of builds a set from the given stages.
func Of(stages ...Stage) Set {
	var s Set
	for _, st := range stages {
		s |= st.Mask()
	}
	return s
}

// Contains reports whether st is a member of the set.
func (s Set) Contains(st Stage) bool {
	return st.Valid() && s&st.Mask() != 0
}

// Union returns the stages in either set.
func (s Set) Union(other Set) Set {
	return s | other
}

// Intersect returns the stages present in both sets.
func (s Set) Intersect(other Set) Set {
	return s & other
}

// Complement returns every defined stage not in the set.
func (s Set) Complement() Set {
	return AllStages &^ s
}

// Len returns the number of stages in the set.
func (s Set) Len() int {
	return bits.OnesCount16(uint16(s & AllStages))
}

// Stages lists the members in execution order.
func (s Set) Stages() []Stage {
	out := make([]Stage, 0, s.Len())
	for st := TickStart; st < numStages; st++ {
		if s.Contains(st) {
			out = append(out, st)
		}
	}
	return out
}

// String renders the set as "{a|b|c}".
func (s Set) String() string {
	names := make([]string, 0, s.Len())
	for _, st := range s.Stages() {
		names = append(names, st.String())
	}
	return "{" + strings.Join(names, "|") + "}"
}
