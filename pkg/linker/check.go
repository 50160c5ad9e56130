package linker

import "debug/elf"

// checkSegmentContents warns about members of a placed PT_LOAD that ended
// up outside it.
func (ctx *Context) checkSegmentContents(m *Segment) {
	opb := ctx.opb()
	p := &m.Header

	// Overlays share addresses, so only the file image can be checked.
	checkVMA := true
	for i := 1; i < m.Count(); i++ {
		prev := ctx.Section(m.Members[i-1])
		cur := ctx.Section(m.Members[i])
		if cur.VMA == prev.VMA &&
			SizeInSegment(cur.Extent(opb), p) != 0 &&
			SizeInSegment(prev.Extent(opb), p) != 0 {
			checkVMA = false
			break
		}
	}

	for _, id := range m.Members {
		s := ctx.Section(id)
		e := s.Extent(opb)
		if !SectionInSegment(e, p, checkVMA, false) && !TbssSpecial(e, p) {
			ctx.Warn("containment", "section `%s' can't be allocated in segment %d", s.Name, m.idx)
		}
	}
}

// checkPermissions warns about segments that are writable and executable
// at once.
func (ctx *Context) checkPermissions() {
	for i, m := range ctx.Segments {
		p := &m.Header
		switch p.Type {
		case elf.PT_LOAD:
			if p.Flags&(elf.PF_W|elf.PF_X) == elf.PF_W|elf.PF_X {
				ctx.Warn("permissions", "segment %d is a LOAD segment with RWX permissions", i)
			}
		case elf.PT_TLS:
			if p.Flags&elf.PF_X != 0 {
				ctx.Warn("permissions", "segment %d is a TLS segment with execute permission", i)
			}
		}
	}
}
