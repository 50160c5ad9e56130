package linker

import (
	"debug/elf"

	"golang.org/x/exp/slices"
)

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func boolFirst(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	}
	return 1
}

// compareSections orders sections by LMA, then VMA. Unloaded non-empty
// sections go after loaded ones at the same address, and empty sections
// before non-empty ones.
func (ctx *Context) compareSections(a, b SectionID) int {
	if c := ctx.compareSectionAddrs(a, b); c != 0 {
		return c
	}
	return ctx.Section(a).Index - ctx.Section(b).Index
}

func (ctx *Context) compareSectionAddrs(a, b SectionID) int {
	s1, s2 := ctx.Section(a), ctx.Section(b)
	if c := cmpUint(s1.LMA, s2.LMA); c != 0 {
		return c
	}
	if c := cmpUint(s1.VMA, s2.VMA); c != 0 {
		return c
	}

	toEnd := func(s *Section) bool {
		return s.Flags&(SecLoad|SecThreadLocal) == 0 && s.Size != 0
	}
	if c := boolFirst(!toEnd(s1), !toEnd(s2)); c != 0 {
		return c
	}

	loadedSize := func(s *Section) uint64 {
		if s.IsLoad() {
			return s.Size
		}
		return 0
	}
	return cmpUint(loadedSize(s1), loadedSize(s2))
}

func (ctx *Context) sortSections(ids []SectionID) {
	slices.SortStableFunc(ids, ctx.compareSections)
}

// segmentLMA is the load address a PT_LOAD is scheduled by.
func (ctx *Context) segmentLMA(m *Segment) uint64 {
	if m.PAddrValid {
		return m.PAddr
	}
	if len(m.Members) != 0 {
		return (ctx.Section(m.Members[0]).LMA + m.VAddrOffset) * ctx.opb()
	}
	return 0
}

// compareSegments gives the order segments are assigned file space in.
// PT_NULL goes last.
func (ctx *Context) compareSegments(m1, m2 *Segment) int {
	if m1.Type != m2.Type {
		if m1.Type == elf.PT_NULL {
			return 1
		}
		if m2.Type == elf.PT_NULL {
			return -1
		}
		return cmpUint(uint64(m1.Type), uint64(m2.Type))
	}
	if c := boolFirst(m1.IncludesFileHeader, m2.IncludesFileHeader); c != 0 {
		return c
	}
	if c := boolFirst(m1.NoSortLMA, m2.NoSortLMA); c != 0 {
		return c
	}
	if m1.Type == elf.PT_LOAD && !m1.NoSortLMA {
		if c := cmpUint(ctx.segmentLMA(m1), ctx.segmentLMA(m2)); c != 0 {
			return c
		}
	}
	return m1.idx - m2.idx
}

// placementOrder returns the segments in the order they get file space.
// PT_LOAD members are sorted by address as a side effect. Other segments
// keep the order they were given in.
func (ctx *Context) placementOrder() []*Segment {
	sorted := make([]*Segment, len(ctx.Segments))
	for i, m := range ctx.Segments {
		m.idx = i
		sorted[i] = m
		if m.Count() > 1 && m.Type == elf.PT_LOAD {
			ctx.sortMembers(m)
		}
	}
	slices.SortStableFunc(sorted, ctx.compareSegments)
	return sorted
}

// sortMembers sorts by address with the current member order as the
// final tie break.
func (ctx *Context) sortMembers(m *Segment) {
	pos := make(map[SectionID]int, len(m.Members))
	for i, id := range m.Members {
		pos[id] = i
	}
	slices.SortStableFunc(m.Members, func(a, b SectionID) int {
		if c := ctx.compareSectionAddrs(a, b); c != 0 {
			return c
		}
		return pos[a] - pos[b]
	})
}
