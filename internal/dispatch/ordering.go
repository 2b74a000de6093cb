package dispatch

import "sort"

// MaxChainSize is the compile-time-fixed number of tail-call slots the
// trampoline image provides.
const MaxChainSize = 10

// Extension is one program bound to a dispatcher slot.
type Extension struct {
	ProgramID    uint32
	Priority     int32
	Name         string // entry-function name, used as the sort tiebreak
	Attached     bool
	ProceedOnRaw []int32
}

// Order sorts extensions by the tuple (priority asc, already-attached
// desc, name asc) and writes back each element's position into the
// returned slice order (index == position). The input slice is sorted
// in place and also returned for convenience.
func Order(exts []Extension) []Extension {
	sort.SliceStable(exts, func(i, j int) bool {
		if exts[i].Priority != exts[j].Priority {
			return exts[i].Priority < exts[j].Priority
		}
		if exts[i].Attached != exts[j].Attached {
			return exts[i].Attached // attached sorts before unattached
		}
		return exts[i].Name < exts[j].Name
	})
	return exts
}

// Positions returns the program-id -> position map implied by the
// sorted order, for writing current_position back to each program's PR
// sub-tree.
func Positions(ordered []Extension) map[uint32]int {
	out := make(map[uint32]int, len(ordered))
	for i, e := range ordered {
		out[e.ProgramID] = i
	}
	return out
}
