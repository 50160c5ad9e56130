package linker

import (
	"debug/elf"

	"seglayout/pkg/utils"
)

// Emit serializes the laid out context into a complete ELF image. Sections
// outside every segment are appended after NextFilePos, followed by the
// section header table.
func Emit(ctx *Context, plan *Plan, hdr ImageHeader) ([]byte, error) {
	ehdr := NewOutputEhdr(hdr)
	phdr := NewOutputPhdr(plan)
	shdr := NewOutputShdr()
	shdr.phnum = phdr.Count()
	shdr.UpdateShdr(ctx)

	off := ctx.NextFilePos
	for i := range ctx.Sections {
		s := &ctx.Sections[i]
		if s.Placed {
			continue
		}
		off = utils.AlignTo(off, s.Addralign)
		s.FilePos, s.Placed = off, true
		if !s.IsNoBits() {
			var overflow bool
			if off, overflow = utils.AddOverflow(off, s.Size); overflow {
				return nil, newLayoutError(FileTooBig, "section %s ends beyond the address space", s.Name)
			}
		}
	}

	shent := uint64(Elf64ShdrSize)
	if ctx.Target.Class == elf.ELFCLASS32 {
		shent = Elf32ShdrSize
	}
	shdr.Offset = utils.AlignTo(off, uint64(1)<<ctx.Target.LogFileAlign())
	tableSize, overflow := utils.MulOverflow(shdr.Count(), shent)
	if overflow {
		return nil, newLayoutError(FileTooBig, "%d section headers are too many", shdr.Count())
	}
	total, overflow := utils.AddOverflow(shdr.Offset, tableSize)
	if overflow || (ctx.Target.Class == elf.ELFCLASS32 && total > 0xffffffff) {
		return nil, newLayoutError(FileTooBig, "output of %#x bytes is too big", total)
	}

	ctx.Buf = make([]byte, total)
	ehdr.CopyBuf(ctx, phdr, shdr)
	if phdr.Count() != 0 {
		phdr.CopyBuf(ctx)
	}
	for _, z := range ctx.ZeroFill {
		clear(ctx.Buf[z.Offset : z.Offset+z.Size])
	}
	if err := ctx.copySections(); err != nil {
		return nil, err
	}
	shdr.CopyBuf(ctx)
	return ctx.Buf, nil
}

func (ctx *Context) copySections() error {
	for i := range ctx.Sections {
		s := &ctx.Sections[i]
		if s.IsNoBits() || len(s.Contents) == 0 {
			continue
		}
		end, overflow := utils.AddOverflow(s.FilePos, s.Size)
		if overflow || end > uint64(len(ctx.Buf)) {
			return newLayoutError(FileTooBig, "section %s at %#x does not fit the output", s.Name, s.FilePos)
		}
		copy(ctx.Buf[s.FilePos:end], s.Contents)
	}
	return nil
}
