package amd64

// maxGroupInstrs is the instruction count after which the emitter starts a
// continuation group on its own.
const maxGroupInstrs = 256

// Group is an ordered, append-only run of instructions laid out
// contiguously.
type Group struct {
	num    int
	instrs []instr

	// extend marks a straight-line continuation of the previous group:
	// control can only enter at its start by falling through.
	extend bool
	cold   bool
	labels []*Label
	// entry is the liveness state when the group was started.
	entry liveState

	// joins are instruction indexes targeted by forward relative jumps.
	joins map[int]bool
	// maxRel is the highest index a pending relative jump targets.
	maxRel int

	// pass 1
	estStart int
	estLen   int

	// layout
	pos    int
	offset int
	size   int
	next   *Group
}

func (g *Group) Num() int    { return g.num }
func (g *Group) Len() int    { return len(g.instrs) }
func (g *Group) Cold() bool  { return g.cold }
func (g *Group) Offset() int { return g.offset }

// Next is the group laid out after g, once layout has run.
func (g *Group) Next() *Group { return g.next }

func (g *Group) region() int {
	if g.cold {
		return 1
	}
	return 0
}

func (g *Group) markJoin(idx int) {
	if g.joins == nil {
		g.joins = make(map[int]bool)
	}
	g.joins[idx] = true
	if idx > g.maxRel {
		g.maxRel = idx
	}
}

// canAutoSplit reports whether the group is full and no relative jump
// still targets an index past its end.
func (g *Group) canAutoSplit() bool {
	return len(g.instrs) >= maxGroupInstrs && g.maxRel < len(g.instrs)
}
