package linker

import (
	"debug/elf"

	"seglayout/pkg/utils"
)

type OutputPhdr struct {
	Phdrs []ProgramHeader
}

// NewOutputPhdr takes the headers of plan. Room reserved beyond the
// segments is filled with PT_NULL entries.
func NewOutputPhdr(plan *Plan) *OutputPhdr {
	o := &OutputPhdr{Phdrs: append([]ProgramHeader(nil), plan.Headers...)}
	if plan.PhentSize != 0 {
		for n := plan.ProgramHeaderSize / plan.PhentSize; uint64(len(o.Phdrs)) < n; {
			o.Phdrs = append(o.Phdrs, ProgramHeader{})
		}
	}
	return o
}

func (o *OutputPhdr) Count() uint64 {
	return uint64(len(o.Phdrs))
}

func (o *OutputPhdr) CopyBuf(ctx *Context) {
	order := ctx.Target.ByteOrder()
	base := ctx.Buf[ctx.Phoff:]
	for i, p := range o.Phdrs {
		buf := base[uint64(i)*ctx.PhentSize:]
		if ctx.Target.Class == elf.ELFCLASS32 {
			utils.Write(buf, order, elf.Prog32{
				Type:   uint32(p.Type),
				Off:    uint32(p.Offset),
				Vaddr:  uint32(p.VAddr),
				Paddr:  uint32(p.PAddr),
				Filesz: uint32(p.FileSize),
				Memsz:  uint32(p.MemSize),
				Flags:  uint32(p.Flags),
				Align:  uint32(p.Align),
			})
			continue
		}
		utils.Write(buf, order, elf.Prog64{
			Type:   uint32(p.Type),
			Flags:  uint32(p.Flags),
			Off:    p.Offset,
			Vaddr:  p.VAddr,
			Paddr:  p.PAddr,
			Filesz: p.FileSize,
			Memsz:  p.MemSize,
			Align:  p.Align,
		})
	}
}
