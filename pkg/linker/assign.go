package linker

import (
	"debug/elf"

	"seglayout/pkg/utils"
)

// vmaPageAlignedBias is how far off must move for the file offset to be
// congruent with vma modulo align.
func vmaPageAlignedBias(vma, off, align uint64) uint64 {
	if align == 0 {
		align = 1
	}
	return (vma - off) % align
}

func (ctx *Context) resetPositions() {
	for i := range ctx.Sections {
		ctx.Sections[i].FilePos = 0
		ctx.Sections[i].Placed = false
	}
	ctx.ZeroFill = nil
}

// AssignLoadPositions gives every PT_LOAD (and core file PT_NOTE) its file
// offset and sizes, and places the sections inside them. Other segments
// get their addresses and memory sizes here and their file positions in
// AssignNonLoadPositions.
func AssignLoadPositions(ctx *Context) error {
	opb := ctx.opb()
	ctx.resetPositions()

	alloc := uint64(len(ctx.Segments))
	if alloc == 0 {
		ctx.Phoff = 0
		ctx.ProgramHeaderSize = 0
		ctx.NextFilePos = ctx.EhdrSize
		return nil
	}
	ctx.Phoff = ctx.EhdrSize

	var actual uint64
	if ctx.ProgramHeaderSize == 0 {
		actual = alloc
	} else {
		actual = ctx.ProgramHeaderSize / ctx.PhentSize
		if actual < alloc {
			return newLayoutError(InsufficientRoom,
				"room for %d program headers but %d are needed", actual, alloc)
		}
	}
	phdrBytes, overflow := utils.MulOverflow(actual, ctx.PhentSize)
	if overflow {
		return newLayoutError(FileTooBig, "program header table of %d entries is too big", actual)
	}
	ctx.ProgramHeaderSize = phdrBytes

	sorted := ctx.placementOrder()

	maxPage := uint64(1)
	if ctx.Paged {
		maxPage = ctx.MaxPageSize()
	}

	// Sections start after the ELF header, and after the program headers
	// too unless a PT_LOAD maps them.
	off := ctx.EhdrSize
	var phdrLoad *Segment
	for _, m := range sorted {
		if m.Type != elf.PT_LOAD {
			break
		}
		if m.IncludesPhdrs {
			phdrLoad = m
			break
		}
	}
	if phdrLoad == nil {
		off += phdrBytes
	}

	policy := ctx.Target.policy()

	for j, m := range sorted {
		p := &m.Header
		*p = ProgramHeader{Type: m.Type, Flags: m.Flags}

		var first *Section
		if m.Count() != 0 {
			first = ctx.Section(m.Members[0])
		}

		if first == nil {
			p.VAddr = m.VAddrOffset * opb
		} else {
			p.VAddr = (first.VMA + m.VAddrOffset) * opb
		}
		switch {
		case m.PAddrValid:
			p.PAddr = m.PAddr
		case first == nil:
			p.PAddr = 0
		default:
			p.PAddr = (first.LMA + m.VAddrOffset) * opb
		}

		segPage := maxPage
		defaultAlign := false
		switch {
		case p.Type == elf.PT_LOAD && ctx.Paged:
			// Demand paged PT_LOADs are aligned to the page size.
			if m.AlignValid {
				segPage = m.Align
			} else if ctx.Target.PAlign != 0 && (ctx.Link == nil || !ctx.Link.MaxPageSizeSet) {
				defaultAlign = true
			}
			p.Align = segPage
		case m.AlignValid:
			p.Align = m.Align
		case first == nil:
			p.Align = 1 << ctx.Target.LogFileAlign()
		}

		if m == phdrLoad {
			if !m.IncludesFileHeader {
				p.Offset = off
			}
			off += phdrBytes
		}

		noContents := false
		var offAdjust uint64
		var sectionAlign uint64 = 1

		switch {
		case p.Type == elf.PT_LOAD && first != nil:
			for _, id := range m.Members {
				if a := ctx.Section(id).Addralign; a > sectionAlign {
					sectionAlign = a
				}
			}

			var align uint64
			if m.AlignValid {
				align = p.Align
			} else {
				align = sectionAlign
				if align < segPage {
					align = segPage
				} else if ctx.Paged {
					p.Align = align
				}
			}

			// Sections without file contents are NOBITS whatever they
			// were called.
			noContents = true
			for _, id := range m.Members {
				s := ctx.Section(id)
				if s.Flags&(SecLoad|SecHasContents) == 0 {
					s.Type = elf.SHT_NOBITS
				}
				if !s.IsNoBits() {
					noContents = false
				}
			}

			offAdjust = vmaPageAlignedBias(p.VAddr, off, align*opb)

			// Some hppa machines can't map one page with different
			// permissions.
			if j != 0 && ctx.Paged && ctx.Target.NoPageAlias &&
				off&(segPage-1) != 0 &&
				utils.AlignDown(off, segPage) == utils.AlignDown(off+offAdjust, segPage) {
				offAdjust += segPage
			}
			off += offAdjust

			// A segment without file contents gets an aligned p_offset
			// but no file space. offAdjust is taken back below.
			if !noContents {
				offAdjust = 0
			}

		case p.Type == elf.PT_DYNAMIC && m.Count() > 1 && first.Name != ".dynamic":
			return segmentError(BadValue, m.idx, first.Name,
				"first section in PT_DYNAMIC segment is not .dynamic")

		case p.Type == elf.PT_NOTE:
			for _, id := range m.Members {
				ctx.Section(id).Type = elf.SHT_NOTE
			}
		}

		if m.IncludesFileHeader {
			if !m.FlagsValid {
				p.Flags |= elf.PF_R
			}
			p.FileSize = ctx.EhdrSize
			p.MemSize = ctx.EhdrSize
			if p.Type == elf.PT_LOAD {
				if first != nil {
					if p.VAddr < off || (!m.PAddrValid && p.PAddr < off) {
						return segmentError(InsufficientRoom, m.idx, first.Name,
							"not enough room for program headers, try linking with -N")
					}
					p.VAddr -= off
					if !m.PAddrValid {
						p.PAddr -= off
					}
				}
			} else if sorted[0].IncludesFileHeader {
				filehdr := &sorted[0].Header
				p.VAddr = filehdr.VAddr
				if !m.PAddrValid {
					p.PAddr = filehdr.PAddr
				}
			}
		}

		if m.IncludesPhdrs {
			if !m.FlagsValid {
				p.Flags |= elf.PF_R
			}
			p.FileSize += phdrBytes
			p.MemSize += phdrBytes

			if !m.IncludesFileHeader {
				switch {
				case p.Type == elf.PT_LOAD:
					ctx.Phoff = p.Offset
					if first != nil {
						p.VAddr -= off - p.Offset
						if !m.PAddrValid {
							p.PAddr -= off - p.Offset
						}
					}
				case phdrLoad != nil:
					phdr := &phdrLoad.Header
					var phdrOff uint64
					if phdrLoad.IncludesFileHeader {
						phdrOff = ctx.EhdrSize
					}
					p.VAddr = phdr.VAddr + phdrOff
					if !m.PAddrValid {
						p.PAddr = phdr.PAddr + phdrOff
					}
					p.Offset = phdr.Offset + phdrOff
				default:
					p.Offset = ctx.EhdrSize
				}
			}
		}

		if p.Type == elf.PT_LOAD || (p.Type == elf.PT_NOTE && ctx.IsCore()) {
			if !m.IncludesFileHeader && !m.IncludesPhdrs {
				p.Offset = off
				if noContents {
					// Somewhere inside the first page, so p_offset
					// doesn't point past the end of the file.
					align := segPage
					if align < p.Align {
						align = p.Align
					}
					if align < 1 {
						align = 1
					}
					p.Offset = off % align
				}
			} else {
				adjust := off - (p.Offset + p.FileSize)
				if !noContents {
					p.FileSize += adjust
				}
				p.MemSize += adjust
			}
		}

		if err := ctx.placeMembers(m, &off, &offAdjust); err != nil {
			return err
		}
		off -= offAdjust

		if defaultAlign {
			align := ctx.Target.PAlign
			if sectionAlign > align {
				align = sectionAlign
			}
			if p.Align > align {
				p.Align = align
			}
		}

		if p.Type == elf.PT_PHDR && phdrLoad == nil && !policy.AllowNonLoadPhdr(ctx) {
			return segmentError(BadValue, m.idx, "", "PHDR segment not covered by LOAD segment")
		}

		// Debugger generated core files are exempt.
		if p.Type == elf.PT_LOAD && !ctx.IsCore() {
			ctx.checkSegmentContents(m)
		}
	}

	ctx.NextFilePos = off
	return nil
}

// placeMembers sets the file position of every member of m and grows the
// header to cover it.
func (ctx *Context) placeMembers(m *Segment, off, offAdjust *uint64) error {
	opb := ctx.opb()
	p := &m.Header

	for i, id := range m.Members {
		sec := ctx.Section(id)
		align := sec.Addralign
		if align == 0 {
			align = 1
		}
		nobits := sec.IsNoBits()
		alloc := sec.Flags&SecAlloc != 0
		tls := sec.IsTls()

		if (p.Type == elf.PT_LOAD || p.Type == elf.PT_TLS) &&
			(!nobits || (alloc && (!tls || p.Type == elf.PT_TLS))) {
			pStart := p.PAddr
			pEnd := pStart + p.MemSize
			sStart := sec.LMA * opb
			adjust := sStart - pEnd

			if adjust != 0 && (sStart < pEnd || pEnd < pStart) {
				ctx.Warn("lma", "section %s lma %#x adjusted to %#x", sec.Name, sStart/opb, pEnd/opb)
				adjust = 0
				sec.LMA = pEnd / opb
			}
			p.MemSize += adjust

			if p.Type == elf.PT_LOAD {
				if !nobits {
					*offAdjust = 0
					if p.FileSize+adjust < p.MemSize {
						// Contents after NOBITS sections: the NOBITS
						// bytes need file space too, and it must read
						// as zero.
						adjust = p.MemSize - p.FileSize
						ctx.ZeroFill = append(ctx.ZeroFill, ZeroFill{Offset: *off, Size: adjust})
					}
				}
				// NOBITS sections only move when they lead the segment.
				if !nobits || i == 0 {
					*off += adjust
					if !nobits {
						p.FileSize += adjust
					}
				}
			}
		}

		if p.Type == elf.PT_NOTE && ctx.IsCore() {
			// The first member holds every note; the rest are views
			// into it.
			if i == 0 {
				sec.FilePos, sec.Placed = *off, true
				*off += sec.Size
				p.FileSize = sec.Size
				p.MemSize = 0
				p.Align = 1
			} else {
				sec.FilePos, sec.Placed = 0, true
				sec.Size = 0
				sec.Flags = 0
				continue
			}
		} else {
			if p.Type == elf.PT_LOAD {
				sec.FilePos, sec.Placed = *off, true
				if !nobits {
					*off += sec.Size
				}
			} else if nobits && tls && !sec.Placed {
				// A .tbss without a PT_LOAD gets the offset a zero
				// sized PT_LOAD would have given it, so PT_TLS has the
				// same p_offset.
				sec.FilePos = *off + vmaPageAlignedBias(sec.VMA*opb, *off, align)
				sec.Placed = true
			}

			if !nobits {
				p.FileSize += sec.Size
				// Unallocated notes take file space but no memory.
				if alloc {
					p.MemSize += sec.Size
				}
			} else if alloc {
				// .tbss only counts in PT_TLS.
				if p.Type == elf.PT_TLS || !tls {
					p.MemSize += sec.Size
				}
			}

			if align > p.Align && !m.AlignValid && (p.Type != elf.PT_LOAD || !ctx.Paged) {
				p.Align = align
			}
		}

		if !m.FlagsValid {
			p.Flags |= sec.ToPhdrFlags()
		}
	}
	return nil
}
