package linker

import (
	"debug/elf"

	"seglayout/pkg/utils"
)

// ReadObjectFile parses filename for the machine it was built for.
func ReadObjectFile(filename string) (*ObjectFile, *Target, error) {
	file, err := NewFile(filename)
	if err != nil {
		return nil, nil, err
	}
	machine, class, data, ok := GetMachineType(file.Contents)
	if !ok {
		return nil, nil, newLayoutError(BadValue, "%s: not an ELF file", filename)
	}
	target := NewTarget(machine, class, data)
	obj, err := NewObjectFile(file, target)
	if err != nil {
		return nil, nil, err
	}
	return obj, target, nil
}

// NewPlanContext loads the sections of obj into a context for a fresh
// segment map.
func NewPlanContext(obj *ObjectFile, target *Target, link *LinkInfo) *Context {
	ctx := NewContext(target, link)
	ctx.Type = obj.Type
	ctx.Paged = obj.Paged || obj.Type == elf.ET_EXEC || obj.Type == elf.ET_DYN
	ctx.GNUMBind = obj.GNUMBind
	for _, s := range obj.Sections {
		s.Placed = false
		s.FilePos = 0
		ctx.AddSection(s)
	}
	return ctx
}

// CopyOptions are the section edits applied while copying a file.
type CopyOptions struct {
	RemoveSections []string
	// ChangeAddresses moves both VMA and LMA of the named sections.
	ChangeAddresses map[string]int64
}

// NewCopyContext copies the sections of obj that survive opts into a new
// context and returns how input sections map onto them.
func NewCopyContext(obj *ObjectFile, target *Target, opts CopyOptions) (*Context, []*InputSection) {
	ctx := NewContext(target, nil)
	ctx.Type = obj.Type
	ctx.Paged = obj.Paged
	ctx.GNUMBind = obj.GNUMBind

	removed := make(map[string]bool, len(opts.RemoveSections))
	for _, name := range opts.RemoveSections {
		removed[name] = true
	}

	isecs := make([]*InputSection, 0, len(obj.Sections))
	// Section header indexes shift when sections go away.
	shndx := make(map[uint32]uint32, len(obj.Sections))
	for i := range obj.Sections {
		isec := &InputSection{File: obj, Shndx: i, Output: NoSection}
		isecs = append(isecs, isec)

		in := &obj.Sections[i]
		if removed[in.Name] {
			continue
		}
		s := *in
		s.Placed = false
		s.FilePos = 0
		if delta, ok := opts.ChangeAddresses[s.Name]; ok {
			s.VMA = uint64(int64(s.VMA) + delta)
			s.LMA = uint64(int64(s.LMA) + delta)
		}
		s.Index = 0
		isec.Output = ctx.AddSection(s)
		shndx[uint32(in.Index)] = uint32(isec.Output) + 1
	}

	for i := range ctx.Sections {
		s := &ctx.Sections[i]
		s.Link = shndx[s.Link]
		if s.Type == elf.SHT_REL || s.Type == elf.SHT_RELA || s.OtherFlags&elf.SHF_INFO_LINK != 0 {
			s.Info = shndx[s.Info]
		}
	}

	utils.Assert(len(isecs) == len(obj.Sections))
	return ctx, isecs
}
