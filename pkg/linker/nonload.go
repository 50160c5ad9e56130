package linker

import "debug/elf"

// AssignNonLoadPositions places the allocated sections no PT_LOAD took and
// gives the remaining segments their file positions. It runs after
// AssignLoadPositions.
func AssignNonLoadPositions(ctx *Context) error {
	opb := ctx.opb()
	maxPage := uint64(1)
	if ctx.Paged {
		maxPage = ctx.MaxPageSize()
	}

	off := ctx.NextFilePos
	for i := range ctx.Sections {
		s := &ctx.Sections[i]
		if s.Placed || s.Flags&SecAlloc == 0 || s.Flags&SecExclude != 0 {
			continue
		}
		// Relocatable objects have no segments to be in.
		if s.Size != 0 && ctx.Type != elf.ET_REL {
			ctx.Warn("placement", "allocated section `%s' not in segment", s.Name)
		}
		align := s.Addralign & -s.Addralign
		if ctx.Paged && s.Size != 0 {
			align = maxPage
		}
		off += vmaPageAlignedBias(s.VMA*opb, off, align)
		s.FilePos, s.Placed = off, true
		if !s.IsNoBits() {
			off += s.Size
		}
	}
	ctx.NextFilePos = off

	for idx, m := range ctx.Segments {
		p := &m.Header
		switch {
		case p.Type == elf.PT_GNU_RELRO:
			if err := ctx.placeRelro(idx, m); err != nil {
				return err
			}

		case p.Type == elf.PT_GNU_STACK:
			if m.SizeValid {
				p.MemSize = m.Size
			}

		case m.Count() != 0 && p.Type != elf.PT_LOAD && (p.Type != elf.PT_NOTE || !ctx.IsCore()):
			if m.IncludesFileHeader || m.IncludesPhdrs {
				return segmentError(BadValue, idx, "",
					"non-load segment %d includes file header and/or program header", idx)
			}

			p.FileSize = 0
			p.Offset = ctx.Section(m.Members[0]).FilePos
			for i := m.Count() - 1; i >= 0; i-- {
				s := ctx.Section(m.Members[i])
				if s.IsNoBits() {
					continue
				}
				p.FileSize = s.FilePos - p.Offset + s.Size
				// Allocated notes are read straight from memory.
				if p.Type == elf.PT_NOTE && s.Flags&SecAlloc != 0 {
					p.MemSize = p.FileSize
				}
				break
			}
		}
	}
	return nil
}

// placeRelro sizes PT_GNU_RELRO to the part of a PT_LOAD covered by the
// relro range. Without one the header is cleared to PT_NULL.
func (ctx *Context) placeRelro(idx int, m *Segment) error {
	opb := ctx.opb()
	p := &m.Header

	var start, end uint64
	switch {
	case ctx.Link != nil && ctx.Link.Relro != nil:
		start, end = ctx.Link.Relro.Start, ctx.Link.Relro.End
	case m.Count() != 0:
		if !m.SizeValid {
			return segmentError(BadValue, idx, "", "PT_GNU_RELRO segment %d has no size", idx)
		}
		start = ctx.Section(m.Members[0]).VMA
		end = start + m.Size/opb
	}

	if start < end {
		var load *Segment
		for _, lm := range ctx.Segments {
			if lm.Type != elf.PT_LOAD || lm.Count() == 0 {
				continue
			}
			last := ctx.Section(lm.Members[lm.Count()-1])
			lastEnd := last.VMA
			if !last.IsTbss() {
				lastEnd += last.Size / opb
			}
			if lastEnd > start && ctx.Section(lm.Members[0]).VMA < end {
				load = lm
				break
			}
		}

		if load != nil {
			for _, id := range load.Members {
				s := ctx.Section(id)
				if s.VMA < start || s.VMA >= end || s.Size == 0 {
					continue
				}
				lp := &load.Header
				p.VAddr = s.VMA * opb
				p.PAddr = s.LMA * opb
				p.Offset = s.FilePos
				p.MemSize = end*opb - p.VAddr
				p.FileSize = p.MemSize
				if limit := lp.VAddr + lp.FileSize - p.VAddr; p.FileSize > limit {
					p.FileSize = limit
				}
				if !m.AlignValid {
					p.Align = 1
				}
				if !m.FlagsValid {
					p.Flags = elf.PF_R
				}
				return nil
			}
		}
	}

	if ctx.Link != nil {
		ctx.Warn("relro", "unable to allocate any sections to PT_GNU_RELRO segment")
	}
	*p = ProgramHeader{}
	return nil
}
