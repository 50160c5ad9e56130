package linker

import (
	"debug/elf"

	"seglayout/pkg/utils"
)

// ImageHeader holds the ELF header fields the layout doesn't decide.
type ImageHeader struct {
	OSABI      elf.OSABI
	ABIVersion uint8
	Entry      uint64
	Flags      uint32
}

type OutputEhdr struct {
	Header ImageHeader
}

func NewOutputEhdr(hdr ImageHeader) *OutputEhdr {
	return &OutputEhdr{Header: hdr}
}

func (o *OutputEhdr) CopyBuf(ctx *Context, phdr *OutputPhdr, shdr *OutputShdr) {
	t := ctx.Target
	var ident [elf.EI_NIDENT]byte
	WriteMagic(ident[:])
	ident[elf.EI_CLASS] = byte(t.Class)
	ident[elf.EI_DATA] = byte(t.Data)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(o.Header.OSABI)
	ident[elf.EI_ABIVERSION] = o.Header.ABIVersion

	phnum := phdr.Count()
	if phnum >= 0xffff {
		// The real count lives in sh_info of section 0.
		phnum = 0xffff
	}
	var phoff uint64
	if phdr.Count() != 0 {
		phoff = ctx.Phoff
	}
	shnum, shstrndx := shdr.Count(), shdr.StrIndex
	if shnum >= uint64(elf.SHN_LORESERVE) {
		shnum = 0
	}
	if shstrndx >= uint64(elf.SHN_LORESERVE) {
		shstrndx = uint64(elf.SHN_XINDEX)
	}

	order := t.ByteOrder()
	if t.Class == elf.ELFCLASS32 {
		utils.Write(ctx.Buf, order, elf.Header32{
			Ident:     ident,
			Type:      uint16(ctx.Type),
			Machine:   uint16(t.Machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     uint32(o.Header.Entry),
			Phoff:     uint32(phoff),
			Shoff:     uint32(shdr.Offset),
			Flags:     o.Header.Flags,
			Ehsize:    uint16(ctx.EhdrSize),
			Phentsize: uint16(ctx.PhentSize),
			Phnum:     uint16(phnum),
			Shentsize: Elf32ShdrSize,
			Shnum:     uint16(shnum),
			Shstrndx:  uint16(shstrndx),
		})
		return
	}
	utils.Write(ctx.Buf, order, elf.Header64{
		Ident:     ident,
		Type:      uint16(ctx.Type),
		Machine:   uint16(t.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     o.Header.Entry,
		Phoff:     phoff,
		Shoff:     shdr.Offset,
		Flags:     o.Header.Flags,
		Ehsize:    uint16(ctx.EhdrSize),
		Phentsize: uint16(ctx.PhentSize),
		Phnum:     uint16(phnum),
		Shentsize: Elf64ShdrSize,
		Shnum:     uint16(shnum),
		Shstrndx:  uint16(shstrndx),
	})
}
