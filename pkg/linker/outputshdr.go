package linker

import (
	"debug/elf"
	"encoding/binary"

	"seglayout/pkg/utils"
)

type OutputShdr struct {
	Offset   uint64
	StrIndex uint64
	names    []uint32
	// phnum is the program header count, needed when it overflows e_phnum.
	phnum uint64
}

func NewOutputShdr() *OutputShdr {
	return &OutputShdr{}
}

// Count includes the null section.
func (o *OutputShdr) Count() uint64 {
	return uint64(len(o.names)) + 1
}

// UpdateShdr builds .shstrtab, creating it if needed, and returns its
// section id.
func (o *OutputShdr) UpdateShdr(ctx *Context) SectionID {
	id, ok := ctx.SectionByName(".shstrtab")
	if !ok {
		id = ctx.AddSection(Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Flags: SecHasContents | SecReadOnly})
	}

	strtab := []byte{0}
	offsets := make(map[string]uint32)
	o.names = make([]uint32, len(ctx.Sections))
	for i := range ctx.Sections {
		name := ctx.Sections[i].Name
		off, seen := offsets[name]
		if !seen {
			off = uint32(len(strtab))
			offsets[name] = off
			strtab = append(strtab, name...)
			strtab = append(strtab, 0)
		}
		o.names[i] = off
	}

	s := ctx.Section(id)
	s.Contents = strtab
	s.Size = uint64(len(strtab))
	o.StrIndex = uint64(id) + 1
	return id
}

func (o *OutputShdr) CopyBuf(ctx *Context) {
	t := ctx.Target
	order := t.ByteOrder()
	shent := uint64(Elf64ShdrSize)
	if t.Class == elf.ELFCLASS32 {
		shent = Elf32ShdrSize
	}
	base := ctx.Buf[o.Offset:]

	// Section 0 carries the counts that overflow the ELF header.
	var zero SectionHeader
	if n := o.Count(); n >= uint64(elf.SHN_LORESERVE) {
		zero.Size = n
	}
	if o.StrIndex >= uint64(elf.SHN_LORESERVE) {
		zero.Link = uint32(o.StrIndex)
	}
	if o.phnum >= 0xffff {
		zero.Info = uint32(o.phnum)
	}
	o.write(base, order, t.Class, zero)

	for i := range ctx.Sections {
		s := &ctx.Sections[i]
		o.write(base[uint64(i+1)*shent:], order, t.Class, SectionHeader{
			Name:      o.names[i],
			Type:      s.Type,
			Flags:     s.ShdrFlags(),
			Addr:      s.VMA * ctx.opb(),
			Offset:    s.FilePos,
			Size:      s.Size,
			Link:      s.Link,
			Info:      s.Info,
			Addralign: s.Addralign,
			Entsize:   s.Entsize,
		})
	}
}

func (o *OutputShdr) write(buf []byte, order binary.ByteOrder, class elf.Class, shdr SectionHeader) {
	if class == elf.ELFCLASS32 {
		utils.Write(buf, order, elf.Section32{
			Name:      shdr.Name,
			Type:      uint32(shdr.Type),
			Flags:     uint32(shdr.Flags),
			Addr:      uint32(shdr.Addr),
			Off:       uint32(shdr.Offset),
			Size:      uint32(shdr.Size),
			Link:      shdr.Link,
			Info:      shdr.Info,
			Addralign: uint32(shdr.Addralign),
			Entsize:   uint32(shdr.Entsize),
		})
		return
	}
	utils.Write(buf, order, elf.Section64{
		Name:      shdr.Name,
		Type:      uint32(shdr.Type),
		Flags:     uint64(shdr.Flags),
		Addr:      shdr.Addr,
		Off:       shdr.Offset,
		Size:      shdr.Size,
		Link:      shdr.Link,
		Info:      shdr.Info,
		Addralign: shdr.Addralign,
		Entsize:   shdr.Entsize,
	})
}
