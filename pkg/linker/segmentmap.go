package linker

import (
	"debug/elf"
	"fmt"
	"strings"

	"seglayout/pkg/utils"
)

// MapSectionsToSegments builds the segment map for a fresh output unless
// the caller already supplied one, then post-processes it.
func MapSectionsToSegments(ctx *Context) error {
	noUserPhdrs := len(ctx.Segments) == 0 && (ctx.Link == nil || !ctx.Link.UserPhdrs)

	if noUserPhdrs && len(ctx.Sections) != 0 {
		if err := buildSegmentMap(ctx); err != nil {
			return err
		}
	}

	if err := ModifySegmentMap(ctx, noUserPhdrs); err != nil {
		return err
	}

	count := uint64(len(ctx.Segments))
	if ctx.Link != nil && uint64(ctx.Link.PhdrCount) > count {
		count = uint64(ctx.Link.PhdrCount)
	}
	size, overflow := utils.MulOverflow(count, ctx.PhentSize)
	if overflow {
		return newLayoutError(FileTooBig, "program header table of %d entries is too big", count)
	}
	ctx.ProgramHeaderSize = size
	ctx.Metrics.segments(ctx.Segments)
	return nil
}

// allocSections returns the allocated sections sorted by address and the
// end address of the last section that wraps around the address space.
func (ctx *Context) allocSections() ([]SectionID, uint64) {
	opb := ctx.opb()
	mask := ctx.addrMask()

	var ids []SectionID
	var wrapTo uint64
	for i := range ctx.Sections {
		s := &ctx.Sections[i]
		if !s.IsAlloc() {
			continue
		}
		ids = append(ids, SectionID(i))
		if end := (s.LMA + s.Size/opb) & mask; end < s.LMA&mask {
			wrapTo = end
		}
	}
	ctx.sortSections(ids)
	return ids, wrapTo
}

func (ctx *Context) makeMapping(ids []SectionID, from, to int, phdr bool) *Segment {
	m := NewSegment(elf.PT_LOAD, append([]SectionID(nil), ids[from:to]...)...)
	if from == 0 && phdr {
		m.IncludesFileHeader = true
		m.IncludesPhdrs = true
	}
	return m
}

func buildSegmentMap(ctx *Context) error {
	opb := ctx.opb()
	mask := ctx.addrMask()
	sections, wrapTo := ctx.allocSections()

	phdrSize := ctx.ProgramHeaderSize
	if phdrSize == 0 {
		size, err := EstimateProgramHeaderSize(ctx)
		if err != nil {
			return err
		}
		phdrSize = size
	}
	phdrSize += ctx.EhdrSize
	phdrSize /= opb

	maxPage := ctx.MaxPageSize()
	phdrInSegment := ctx.Link != nil && ctx.Link.LoadPhdrs
	// Old scripts may not use SIZEOF_HEADERS but still leave room for
	// the headers below the first section.
	if len(sections) != 0 &&
		(ctx.Section(sections[0]).LMA&mask)&(maxPage-1) >= phdrSize&(maxPage-1) {
		phdrInSegment = true
	}

	var segs []*Segment

	if id, ok := ctx.SectionByName(".interp"); ok {
		if s := ctx.Section(id); s.IsLoad() && s.Size != 0 {
			segs = append(segs, &Segment{
				Type:          elf.PT_PHDR,
				Flags:         elf.PF_R,
				FlagsValid:    true,
				IncludesPhdrs: true,
			})
			segs = append(segs, NewSegment(elf.PT_INTERP, id))
		}
	}

	if !ctx.Paged {
		phdrInSegment = false
	}

	// The first section may have been placed away from the headers, with
	// -Ttext for instance.
	if phdrInSegment && len(sections) != 0 {
		first := ctx.Section(sections[0])
		phdrLMA := utils.AlignDown((first.LMA-phdrSize)&mask, maxPage)
		separatePhdr := false

		if ctx.Link != nil && ctx.Link.SeparateCode && first.Executable() {
			// Keep the headers out of the executable segment.
			separatePhdr = true
			if utils.AlignDown((phdrLMA+phdrSize-1)&mask, maxPage) == utils.AlignDown(first.LMA&mask, maxPage) {
				if phdrLMA >= maxPage {
					phdrLMA -= maxPage
				} else {
					separatePhdr = false
				}
			}
		}

		switch {
		case first.LMA&mask < phdrLMA || first.LMA&mask < phdrSize:
			// The headers would land at the end of memory.
			phdrInSegment = false
		case phdrLMA < wrapTo:
			// A wrapping section would overwrite them.
			phdrInSegment = false
		case separatePhdr:
			m := ctx.makeMapping(sections, 0, 0, true)
			m.PAddr = phdrLMA * opb
			m.PAddrValid = true
			// Same page in both address spaces.
			m.VAddrOffset = (phdrLMA + first.VMA - first.LMA) & mask
			segs = append(segs, m)
			phdrInSegment = false
		}
	}

	var last *Section
	var lastID SectionID
	var lastSize uint64
	hdrIndex := 0
	writable, executable := false, false

	for i, id := range sections {
		hdr := ctx.Section(id)

		newSegment := false
		reason := ""
		if last != nil {
			newSegment, reason = ctx.needNewSegment(last, lastSize, hdr, writable, executable, maxPage)
			if ctx.Link != nil && ctx.Link.OverrideSegmentAssignment != nil {
				overridden := ctx.Link.OverrideSegmentAssignment(ctx, id, lastID, newSegment)
				if overridden != newSegment {
					reason = "override"
				}
				newSegment = overridden
			}
		}

		if newSegment {
			ctx.debug("msg", "new segment", "section", hdr.Name, "after", last.Name, "reason", reason)
			segs = append(segs, ctx.makeMapping(sections, hdrIndex, i, phdrInSegment))
			writable = hdr.Writable()
			executable = hdr.Executable()
			hdrIndex = i
			phdrInSegment = false
		} else {
			writable = writable || hdr.Writable()
			executable = executable || hdr.Executable()
		}

		last, lastID = hdr, id
		// .tbss takes no room in the segment
		lastSize = 0
		if !hdr.IsTbss() {
			lastSize = hdr.Size / opb
		}
	}

	// The last PT_LOAD is not worth it for a lone .tbss.
	if last != nil && (len(sections)-hdrIndex != 1 || !last.IsTbss()) {
		segs = append(segs, ctx.makeMapping(sections, hdrIndex, len(sections), phdrInSegment))
	}

	if id, ok := ctx.SectionByName(".dynamic"); ok && ctx.Section(id).IsLoad() {
		segs = append(segs, NewSegment(elf.PT_DYNAMIC, id))
	}

	segs = append(segs, ctx.noteSegments(sections)...)

	tls, err := ctx.tlsSegment(sections)
	if err != nil {
		return err
	}
	if tls != nil {
		segs = append(segs, tls)
	}

	segs = append(segs, ctx.mbindSegments(sections)...)

	if id, ok := ctx.SectionByName(".note.gnu.property"); ok && ctx.Section(id).Size != 0 {
		m := NewSegment(elf.PT_GNU_PROPERTY, id)
		m.Flags, m.FlagsValid = elf.PF_R, true
		segs = append(segs, m)
	}

	if ctx.Link != nil {
		if id, ok := ctx.SectionByName(".eh_frame_hdr"); ok && ctx.Section(id).IsLoad() {
			segs = append(segs, NewSegment(elf.PT_GNU_EH_FRAME, id))
		}
		if id, ok := ctx.SectionByName(".sframe"); ok {
			if s := ctx.Section(id); s.IsLoad() && s.Size != 0 {
				segs = append(segs, NewSegment(PT_GNU_SFRAME, id))
			}
		}
	}

	if flags := ctx.stackFlags(); flags != 0 {
		m := &Segment{
			Type:       elf.PT_GNU_STACK,
			Flags:      flags,
			FlagsValid: true,
			Align:      ctx.Target.StackAlign,
			AlignValid: ctx.Target.StackAlign != 0,
		}
		if size := ctx.Link.Stack.Size; size > 0 {
			m.Size, m.SizeValid = size, true
		}
		segs = append(segs, m)
	}

	if ctx.Link != nil && ctx.Link.Relro != nil && ctx.relroLoadSegment(segs) != nil {
		segs = append(segs, &Segment{
			Type:       elf.PT_GNU_RELRO,
			Flags:      elf.PF_R,
			FlagsValid: true,
		})
	}

	ctx.Segments = segs
	return nil
}

// needNewSegment decides whether hdr must start a new PT_LOAD after last.
func (ctx *Context) needNewSegment(last *Section, lastSize uint64, hdr *Section,
	writable, executable bool, maxPage uint64) (bool, string) {
	if last.LMA-last.VMA != hdr.LMA-hdr.VMA {
		return true, "lma/vma skew"
	}
	lastEnd := last.LMA + lastSize
	if hdr.LMA < lastEnd || lastEnd < last.LMA {
		return true, "lma overlap"
	}

	if ctx.Paged {
		samePage := utils.AlignDown(lastEnd-1, maxPage) == utils.AlignDown(hdr.LMA, maxPage)
		// An aligned end that wraps leaves no more pages to skip.
		next := utils.AlignTo(lastEnd, maxPage) + maxPage
		if !samePage && next > last.LMA && next <= hdr.LMA {
			return true, "skips a page"
		}
	}

	// Loading a section after a bss-style one would force the bss to be
	// loaded too. .tbss counts as loaded here.
	if last.Flags&(SecLoad|SecThreadLocal) == 0 && hdr.Flags&(SecLoad|SecThreadLocal) != 0 {
		return true, "contents after zero fill"
	}

	// Unpaged files don't need aligned sections in the file.
	if !ctx.Paged {
		return false, ""
	}

	if ctx.Link != nil && ctx.Link.SeparateCode && executable != hdr.Executable() {
		return true, "separate code"
	}
	if !writable && hdr.Writable() {
		return true, "writable after read-only"
	}
	return false, ""
}

// noteSegments makes one PT_NOTE per run of abutting, equally aligned,
// loaded notes.
func (ctx *Context) noteSegments(sections []SectionID) []*Segment {
	opb := ctx.opb()
	var segs []*Segment
	for i := 0; i < len(sections); i++ {
		s := ctx.Section(sections[i])
		if !s.IsLoad() || !s.IsNote() {
			continue
		}
		m := NewSegment(elf.PT_NOTE, sections[i])
		for i+1 < len(sections) {
			prev := ctx.Section(sections[i])
			next := ctx.Section(sections[i+1])
			if next.Addralign != s.Addralign || !next.IsLoad() || !next.IsNote() ||
				utils.AlignTo(prev.LMA+prev.Size/opb, s.Addralign) != next.LMA {
				break
			}
			i++
			m.Members = append(m.Members, sections[i])
		}
		segs = append(segs, m)
	}
	return segs
}

// tlsSegment wraps every thread-local section in one PT_TLS. The sections
// have to be adjacent in address order.
func (ctx *Context) tlsSegment(sections []SectionID) (*Segment, error) {
	first, count := -1, 0
	for i, id := range sections {
		if ctx.Section(id).IsTls() {
			if count == 0 {
				first = i
			}
			count++
		}
	}
	if count == 0 {
		return nil, nil
	}

	m := &Segment{
		Type:       elf.PT_TLS,
		Flags:      elf.PF_R,
		FlagsValid: true,
	}
	for i := first; i < first+count; i++ {
		if i >= len(sections) || !ctx.Section(sections[i]).IsTls() {
			return nil, ctx.tlsNotAdjacent(sections, first, count)
		}
		m.Members = append(m.Members, sections[i])
	}
	return m, nil
}

func (ctx *Context) tlsNotAdjacent(sections []SectionID, first, count int) error {
	var b strings.Builder
	seen := 0
	for i := first; i < len(sections) && seen < count; i++ {
		s := ctx.Section(sections[i])
		if s.IsTls() {
			fmt.Fprintf(&b, "\n\t    TLS: %s", s.Name)
			seen++
		} else {
			fmt.Fprintf(&b, "\n\tnon-TLS: %s", s.Name)
		}
	}
	return newLayoutError(BadValue, "TLS sections are not adjacent:%s", b.String())
}

func (ctx *Context) mbindSegments(sections []SectionID) []*Segment {
	if !ctx.Paged || !ctx.GNUMBind {
		return nil
	}
	var segs []*Segment
	for _, id := range sections {
		s := ctx.Section(id)
		if s.Flags&SecGNUMBind == 0 || s.Info > PT_GNU_MBIND_NUM {
			continue
		}
		m := NewSegment(PT_GNU_MBIND_LO+elf.ProgType(s.Info), id)
		m.Flags, m.FlagsValid = s.ToPhdrFlags(), true
		segs = append(segs, m)
	}
	return segs
}

// relroLoadSegment finds the PT_LOAD whose first section starts inside the
// relro range and which has some contents to protect.
func (ctx *Context) relroLoadSegment(segs []*Segment) *Segment {
	relro := ctx.Link.Relro
	for _, m := range segs {
		if m.Type != elf.PT_LOAD || m.Count() == 0 {
			continue
		}
		first := ctx.Section(m.Members[0])
		if first.VMA < relro.Start || first.VMA >= relro.End {
			continue
		}
		for i := m.Count() - 1; i >= 0; i-- {
			s := ctx.Section(m.Members[i])
			if s.Size > 0 && s.Has(SecLoad|SecHasContents) {
				return m
			}
		}
	}
	return nil
}
