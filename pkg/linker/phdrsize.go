package linker

import (
	"debug/elf"
	"math/bits"

	"seglayout/pkg/utils"
)

// EstimateProgramHeaderSize guesses the byte size of the program header
// table before the segment map exists. The guess assumes one text and one
// data PT_LOAD.
func EstimateProgramHeaderSize(ctx *Context) (uint64, error) {
	segs := uint64(2)

	if id, ok := ctx.SectionByName(".interp"); ok {
		if s := ctx.Section(id); s.IsLoad() && s.Size != 0 {
			// PT_INTERP and PT_PHDR
			segs += 2
		}
	}
	if id, ok := ctx.SectionByName(".note.gnu.property"); ok && ctx.Section(id).Size != 0 {
		segs++
	}
	if _, ok := ctx.SectionByName(".dynamic"); ok {
		segs++
	}
	if ctx.Link != nil && ctx.Link.Relro != nil {
		segs++
	}
	if ctx.Link != nil {
		if _, ok := ctx.SectionByName(".eh_frame_hdr"); ok {
			segs++
		}
		if _, ok := ctx.SectionByName(".sframe"); ok {
			segs++
		}
	}
	if ctx.stackFlags() != 0 {
		segs++
	}

	sections, _ := ctx.allocSections()
	for i := 0; i < len(sections); i++ {
		s := ctx.Section(sections[i])
		if !s.IsLoad() || !s.IsNote() {
			continue
		}
		// One PT_NOTE per run of equally aligned notes.
		segs++
		for i+1 < len(sections) {
			next := ctx.Section(sections[i+1])
			if next.Addralign != s.Addralign || !next.IsLoad() || !next.IsNote() {
				break
			}
			i++
		}
	}

	for i := range ctx.Sections {
		if ctx.Sections[i].IsTls() {
			segs++
			break
		}
	}

	if ctx.Paged && ctx.GNUMBind {
		pageAlign := ctx.Target.CommonPageSize
		for i := range ctx.Sections {
			s := &ctx.Sections[i]
			if s.Flags&SecGNUMBind == 0 {
				continue
			}
			if s.Info > PT_GNU_MBIND_NUM {
				ctx.Warn("mbind", "GNU_MBIND section `%s' has invalid sh_info field: %d", s.Name, s.Info)
				continue
			}
			// mbind sections are page aligned
			if pageAlign != 0 && s.Addralign < pageAlign {
				s.Addralign = uint64(1) << (63 - bits.LeadingZeros64(pageAlign))
			}
			segs++
		}
	}

	extra := ctx.Target.policy().AdditionalProgramHeaders(ctx)
	if extra < 0 {
		return 0, newLayoutError(BadValue, "target cannot count its additional program headers")
	}
	segs += uint64(extra)

	size, overflow := utils.MulOverflow(segs, ctx.PhentSize)
	if overflow {
		return 0, newLayoutError(FileTooBig, "program header table of %d entries is too big", segs)
	}
	return size, nil
}

func (ctx *Context) stackFlags() elf.ProgFlag {
	if ctx.Link == nil || ctx.Link.Stack == nil {
		return 0
	}
	return ctx.Link.Stack.Flags
}
