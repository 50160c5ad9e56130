package linker

import (
	"debug/elf"

	"seglayout/pkg/utils"
)

// ModifySegmentMap drops excluded sections from every segment and
// unallocated ones from PT_LOADs. With removeEmptyLoad it also deletes
// PT_LOADs left empty that don't carry the program headers. The target
// gets the last word.
func ModifySegmentMap(ctx *Context, removeEmptyLoad bool) error {
	kept := ctx.Segments[:0]
	for _, m := range ctx.Segments {
		m.Members = utils.RemoveIf(m.Members, func(id SectionID) bool {
			s := ctx.Section(id)
			return s.Flags&SecExclude != 0 || (s.Flags&SecAlloc == 0 && m.Type == elf.PT_LOAD)
		})

		if removeEmptyLoad && m.Type == elf.PT_LOAD && m.Count() == 0 && !m.IncludesPhdrs {
			ctx.debug("msg", "dropping empty PT_LOAD")
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(ctx.Segments); i++ {
		ctx.Segments[i] = nil
	}
	ctx.Segments = kept

	return ctx.Target.policy().ModifySegmentMap(ctx)
}
