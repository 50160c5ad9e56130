package linker

import (
	"debug/elf"

	"golang.org/x/exp/slices"

	"seglayout/pkg/utils"
)

// rewriteProgramHeaders rebuilds the segment map using the input program
// headers as a template. Sections are matched to input segments by
// address, and sections that no longer fit spill into new segments of the
// same type.
func rewriteProgramHeaders(ctx *Context, obj *ObjectFile, isecs []*InputSection, maxPage uint64) error {
	opb := ctx.opb()
	zeroPAddr := ctx.Target.policy().WantPAddrSetToZero()
	ctx.CopiedPageSize = maxPage

	phdrs := slices.Clone(obj.Phdrs)
	pAddrValid := anyPAddr(phdrs)

	for i := range phdrs {
		p := &phdrs[i]
		if p.Type == elf.PT_INTERP {
			for _, isec := range isecs {
				if in := isec.Section(); SolarisInterp(p, in) {
					// Just enough for the address match below.
					p.VAddr = in.VMA * opb
					break
				}
			}
		}
		// Recomputed from the sections, not copied.
		if p.Type == elf.PT_GNU_RELRO {
			p.Type = elf.PT_NULL
		}
	}
	mergeOverlappingLoads(phdrs)

	var segs []*Segment
	claimed := make(map[int]bool)
	phdrIncluded := false
	var phdrAdjustSeg *Segment
	phdrAdjustNum := uint64(0)

	for i := range phdrs {
		p := &phdrs[i]
		if p.Type == elf.PT_NULL {
			continue
		}

		var first *InputSection
		var members []*InputSection
		for _, isec := range isecs {
			if !SectionInInputSegment(isec.Section(), p, opb, zeroPAddr, claimed[isec.Shndx]) {
				continue
			}
			if first == nil {
				first = isec
			}
			if isec.Mapped() {
				members = append(members, isec)
			}
		}

		m := &Segment{Type: p.Type, Flags: p.Flags, FlagsValid: true}
		if p.Type == elf.PT_LOAD && obj.Paged && maxPage > 1 && p.Align > 1 {
			m.Align, m.AlignValid = min(p.Align, maxPage), true
		}
		// The physical address only matters while the first section is
		// still there.
		if first == nil || first.Mapped() {
			m.PAddr, m.PAddrValid = p.PAddr, pAddrValid
		}

		filehdr, phdrsIn := includesHeaders(obj, p)
		// Only the first PT_LOAD that maps the headers keeps them.
		if !phdrIncluded || p.Type != elf.PT_LOAD {
			m.IncludesFileHeader = filehdr
			m.IncludesPhdrs = phdrsIn
			if p.Type == elf.PT_LOAD && (filehdr || phdrsIn) {
				phdrIncluded = true
			}
		}

		if len(members) == 0 {
			// Empty PT_LOADs are legal. Ones with only memory are used to
			// zero flash on embedded systems.
			if p.Type == elf.PT_LOAD && !m.IncludesPhdrs && (p.FileSize > 0 || p.MemSize == 0) {
				ctx.Warn("empty-segment", "empty loadable segment detected at vaddr=%#x, is this intentional?", p.VAddr)
			}
			m.VAddrOffset = p.VAddr / opb
			segs = append(segs, m)
			continue
		}

		hdrSize := obj.headerBytes(m.IncludesFileHeader, m.IncludesPhdrs)

		// Step one: find the sections that still fit at the segment's
		// physical address.
		var matching, suggested *Section
		fitted := 0
		for k, isec := range members {
			out := ctx.Section(isec.Output)
			if !pAddrValid && p.VAddr != 0 && !zeroPAddr && k == 0 && out.LMA != 0 &&
				utils.AlignTo(p.VAddr+hdrSize, out.Addralign*opb) == out.VMA*opb {
				// Solaris leaves p_paddr zero.
				m.PAddr = p.VAddr
			}

			e := out.Extent(opb)
			if ContainedBy(e, out.LMA, p, m.PAddr, opb) ||
				CoreNoteInSegment(isec.Section().Extent(opb), p, ctx.IsCore()) ||
				(zeroPAddr && ContainedBy(e, out.VMA, p, p.VAddr, opb)) {
				if matching == nil || out.LMA < matching.LMA {
					matching = out
				}
				fitted++
			} else if suggested == nil {
				suggested = out
			}
		}

		// Step two: keep the segment as it is if everything fits,
		// otherwise move it to the lowest section that does.
		if fitted == len(members) {
			for _, isec := range members {
				m.Members = append(m.Members, isec.Output)
			}
			if pAddrValid && !zeroPAddr {
				m.VAddrOffset = (m.PAddr+hdrSize)/opb - matching.LMA
			}
			segs = append(segs, m)
			continue
		}

		if matching == nil {
			matching = suggested
		}
		m.PAddr = matching.LMA * opb
		if m.IncludesPhdrs {
			// The final number of program headers isn't known yet.
			phdrAdjustNum = uint64(len(obj.Phdrs))
			m.PAddr -= phdrAdjustNum * obj.Phentsize
			phdrAdjustSeg = m
		}
		if m.IncludesFileHeader {
			align := matching.Addralign
			m.PAddr -= obj.Ehsize
			// There may have been padding before the section too.
			if p.Align != 0 && p.Align < align {
				align = p.Align
			}
			m.PAddr = utils.AlignDown(m.PAddr, align*opb)
		}

		// Step three: fill segments in order, opening a new one whenever
		// a section doesn't fit or would leave a gap of a page or more.
		var err error
		segs, err = ctx.spillSections(segs, m, p, obj, members, claimed, maxPage)
		if err != nil {
			return err
		}
	}

	if phdrAdjustSeg != nil {
		count := uint64(len(segs))
		if count > phdrAdjustNum {
			phdrAdjustSeg.PAddr -= (count - phdrAdjustNum) * obj.Phentsize
		}
		for _, m := range segs {
			if m.Type != elf.PT_PHDR {
				continue
			}
			m.PAddr = phdrAdjustSeg.PAddr
			if phdrAdjustSeg.IncludesFileHeader {
				m.PAddr += obj.Ehsize
			}
			break
		}
	}

	ctx.Segments = segs
	return nil
}

func (ctx *Context) spillSections(segs []*Segment, m *Segment, p *ProgramHeader, obj *ObjectFile,
	members []*InputSection, claimed map[int]bool, maxPage uint64) ([]*Segment, error) {
	opb := ctx.opb()
	remaining := slices.Clone(members)
	assigned := 0

	for pass := 0; ; pass++ {
		var suggested *Section
		before := assigned

		for j, isec := range remaining {
			if isec == nil {
				continue
			}
			out := ctx.Section(isec.Output)
			if !ContainedBy(out.Extent(opb), out.LMA, p, m.PAddr, opb) &&
				!CoreNoteInSegment(isec.Section().Extent(opb), p, ctx.IsCore()) {
				if suggested == nil {
					suggested = out
				}
				continue
			}

			if m.Count() == 0 {
				start := m.PAddr + obj.headerBytes(m.IncludesFileHeader, m.IncludesPhdrs)
				if utils.AlignTo(start, out.Addralign*opb) != out.LMA*opb {
					return nil, segmentError(Sorry, len(segs), out.Name,
						"section %s does not start at the beginning of its segment", out.Name)
				}
			} else {
				prev := ctx.Section(m.Members[m.Count()-1])
				prevEnd := prev.LMA + prev.Size/opb
				if utils.AlignTo(prevEnd, maxPage) < utils.AlignTo(out.LMA, maxPage) || prevEnd > out.LMA {
					if suggested == nil {
						suggested = out
					}
					continue
				}
			}

			m.Members = append(m.Members, isec.Output)
			assigned++
			remaining[j] = nil
			if p.Type == elf.PT_LOAD {
				claimed[isec.Shndx] = true
			}
		}

		segs = append(segs, m)
		if assigned == len(members) {
			return segs, nil
		}
		if suggested == nil || (pass > 0 && assigned == before) {
			return nil, segmentError(Sorry, len(segs)-1, "",
				"cannot assign the sections of a %s segment", ProgTypeName(p.Type))
		}

		m = &Segment{
			Type:       p.Type,
			Flags:      p.Flags,
			FlagsValid: true,
			PAddr:      suggested.LMA * opb,
			PAddrValid: anyPAddr(obj.Phdrs),
		}
	}
}

// mergeOverlappingLoads folds PT_LOADs that overlap an earlier one into a
// single segment and turns the other into PT_NULL.
func mergeOverlappingLoads(phdrs []ProgramHeader) {
	for merged := true; merged; {
		merged = false
	scan:
		for i := range phdrs {
			p := &phdrs[i]
			if p.Type != elf.PT_LOAD {
				continue
			}
			for j := 0; j < i; j++ {
				q := &phdrs[j]
				if q.Type != elf.PT_LOAD || !SegmentOverlaps(p, q) {
					continue
				}
				if q.VAddr < p.VAddr {
					// Extend q over p, drop p and start again.
					if end := p.VAddr + segmentSize(p); end > q.VAddr+segmentSize(q) {
						extra := end - (q.VAddr + segmentSize(q))
						q.MemSize += extra
						q.FileSize += extra
					}
					p.Type = elf.PT_NULL
					merged = true
					break scan
				}
				if end := q.VAddr + segmentSize(q); end > p.VAddr+segmentSize(p) {
					extra := end - (p.VAddr + segmentSize(p))
					p.MemSize += extra
					p.FileSize += extra
				}
				q.Type = elf.PT_NULL
			}
		}
	}
}
