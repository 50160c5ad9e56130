package linker

import (
	"debug/elf"
)

const (
	ModeCopy    = "copy"
	ModeRewrite = "rewrite"
)

// Reconstruct builds the output segment map from the program headers of
// obj. The headers are copied as they are when no section they cover has
// changed and rewritten otherwise.
func Reconstruct(ctx *Context, obj *ObjectFile, isecs []*InputSection) (string, error) {
	if len(obj.Phdrs) == 0 {
		return "", nil
	}

	mode := ctx.selectMode(obj, isecs)
	ctx.debug("msg", "reconstructing program headers", "mode", mode, "phnum", len(obj.Phdrs))

	var err error
	if mode == ModeCopy {
		err = copyProgramHeaders(ctx, obj, isecs)
	} else {
		err = rewriteProgramHeaders(ctx, obj, isecs, ctx.copiedPageSize(obj))
	}
	if err != nil {
		return mode, ctx.fail(err)
	}
	ctx.Metrics.rewrite(mode)
	return mode, nil
}

func (ctx *Context) selectMode(obj *ObjectFile, isecs []*InputSection) string {
	if ctx.Target.policy().WantPAddrSetToZero() {
		return ModeRewrite
	}
	if obj.Class != ctx.Target.Class || obj.Machine != ctx.Target.Machine {
		return ModeRewrite
	}

	opb := ctx.opb()
	for i := range obj.Phdrs {
		p := &obj.Phdrs[i]
		// Solaris zeroes these fields on special segments.
		if p.PAddr == 0 && p.MemSize == 0 && (p.Type == elf.PT_INTERP || p.Type == elf.PT_DYNAMIC) {
			return ModeRewrite
		}
		for _, isec := range isecs {
			in := isec.Section()
			if !SectionInSegment(in.Extent(opb), p, true, true) {
				continue
			}
			if !isec.Mapped() {
				return ModeRewrite
			}
			out := ctx.Section(isec.Output)
			if in.Flags != out.Flags || in.LMA != out.LMA || in.VMA != out.VMA ||
				in.Size != out.Size || in.Addralign != out.Addralign {
				return ModeRewrite
			}
		}
	}

	// Every output section must come from the input.
	var mapped []SectionID
	for _, isec := range isecs {
		if isec.Mapped() {
			mapped = append(mapped, isec.Output)
		}
	}
	all := make([]SectionID, len(ctx.Sections))
	for i := range all {
		all[i] = SectionID(i)
	}
	if sectionSetDigest(mapped) != sectionSetDigest(all) {
		return ModeRewrite
	}
	return ModeCopy
}

// copiedPageSize is the largest PT_LOAD alignment of obj.
func (ctx *Context) copiedPageSize(obj *ObjectFile) uint64 {
	var size uint64
	for i := range obj.Phdrs {
		p := &obj.Phdrs[i]
		if p.Type != elf.PT_LOAD || p.Align <= size {
			continue
		}
		if p.Align > 1<<62 {
			ctx.Warn("alignment", "segment alignment of %#x is too large", p.Align)
			continue
		}
		size = p.Align
	}
	if size == 0 {
		size = ctx.Target.MaxPageSize
	}
	return size
}

// includesHeaders reports whether p carries the ELF header and the
// program header table of obj.
func includesHeaders(obj *ObjectFile, p *ProgramHeader) (filehdr, phdrs bool) {
	filehdr = p.Offset == 0 && p.FileSize >= obj.Ehsize
	table := uint64(len(obj.Phdrs)) * obj.Phentsize
	phdrs = p.Offset <= obj.Phoff && p.FileEnd() >= obj.Phoff+table
	return filehdr, phdrs
}

func (obj *ObjectFile) headerBytes(filehdr, phdrs bool) uint64 {
	var size uint64
	if filehdr {
		size = obj.Ehsize
	}
	if phdrs {
		size += uint64(len(obj.Phdrs)) * obj.Phentsize
	}
	return size
}

func anyPAddr(phdrs []ProgramHeader) bool {
	for i := range phdrs {
		if phdrs[i].PAddr != 0 {
			return true
		}
	}
	return false
}
