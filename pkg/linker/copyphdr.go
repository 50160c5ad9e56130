package linker

import "debug/elf"

// copyProgramHeaders turns every input program header into a segment with
// the same type, flags and alignment, holding the output sections of the
// input sections it covered.
func copyProgramHeaders(ctx *Context, obj *ObjectFile, isecs []*InputSection) error {
	opb := ctx.opb()
	// All zero p_paddr fields carry no information.
	pAddrValid := anyPAddr(obj.Phdrs)
	phdrIncluded := false

	segs := make([]*Segment, 0, len(obj.Phdrs))
	for i := range obj.Phdrs {
		p := &obj.Phdrs[i]
		m := &Segment{
			Type:       p.Type,
			Flags:      p.Flags,
			FlagsValid: true,
			PAddr:      p.PAddr,
			PAddrValid: pAddrValid,
			Align:      p.Align,
			AlignValid: true,
		}

		// PT_GNU_RELRO may cover part of a section, and the size of
		// PT_GNU_STACK means something on some systems.
		if p.Type == elf.PT_GNU_RELRO || p.Type == elf.PT_GNU_STACK {
			m.Size, m.SizeValid = p.MemSize, true
		}

		filehdr, phdrs := includesHeaders(obj, p)
		// Only the first PT_LOAD that maps the headers keeps them.
		if !phdrIncluded || p.Type != elf.PT_LOAD {
			m.IncludesFileHeader = filehdr
			m.IncludesPhdrs = phdrs
			if p.Type == elf.PT_LOAD && (filehdr || phdrs) {
				phdrIncluded = true
			}
		}

		var lowest *Section
		for _, isec := range isecs {
			in := isec.Section()
			if !isec.Mapped() || !SectionInSegment(in.Extent(opb), p, true, true) {
				continue
			}
			m.Members = append(m.Members, isec.Output)
			if in.Flags&SecAlloc == 0 {
				continue
			}
			if lowest == nil || in.LMA < lowest.LMA {
				lowest = in
			}
			// The reader took section LMAs from p_paddr. A section that
			// disagrees means p_paddr can't be trusted.
			var segOff uint64
			if in.Flags&SecLoad != 0 {
				segOff = in.FilePos - p.Offset
			} else {
				segOff = in.VMA*opb - p.VAddr
			}
			if in.LMA*opb-p.PAddr != segOff {
				m.PAddrValid = false
			}
		}

		if m.Count() == 0 {
			m.VAddrOffset = p.VAddr / opb
		} else if m.PAddrValid {
			// Padding before the first section.
			var lma uint64
			if lowest != nil {
				lma = lowest.LMA
			}
			m.VAddrOffset = (p.PAddr+obj.headerBytes(m.IncludesFileHeader, m.IncludesPhdrs))/opb - lma
		}

		segs = append(segs, m)
	}

	ctx.Segments = segs
	return nil
}
