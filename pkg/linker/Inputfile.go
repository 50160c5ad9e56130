package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"

	"seglayout/pkg/utils"
)

// SectionHeader is a class-independent section header.
type SectionHeader struct {
	Name      uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// InputFile is an ELF image parsed down to its headers.
type InputFile struct {
	File  *File
	Class elf.Class
	Data  elf.Data
	Order binary.ByteOrder

	Type       elf.Type
	Machine    elf.Machine
	OSABI      elf.OSABI
	ABIVersion uint8
	Flags      uint32
	Entry      uint64

	Ehsize    uint64
	Phentsize uint64
	Shentsize uint64
	Phoff     uint64
	Shoff     uint64
	Shstrndx  uint64

	Sections []SectionHeader
	Phdrs    []ProgramHeader
	StrTable []byte
}

func NewInputFile(file *File) (*InputFile, error) {
	f := &InputFile{File: file}
	contents := file.Contents

	if len(contents) < Elf32HeaderSize {
		return nil, errors.Errorf("%s: ELF file too small", file.Name)
	}
	if !CheckMagic(contents) {
		return nil, errors.Errorf("%s: not an ELF file", file.Name)
	}

	f.Class = elf.Class(contents[elf.EI_CLASS])
	f.Data = elf.Data(contents[elf.EI_DATA])
	switch f.Data {
	case elf.ELFDATA2LSB:
		f.Order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		f.Order = binary.BigEndian
	default:
		return nil, errors.Errorf("%s: unknown ELF data encoding %v", file.Name, f.Data)
	}
	f.OSABI = elf.OSABI(contents[elf.EI_OSABI])
	f.ABIVersion = contents[elf.EI_ABIVERSION]

	var phnum, shnum uint64
	switch f.Class {
	case elf.ELFCLASS32:
		ehdr := utils.Read[elf.Header32](contents, f.Order)
		f.Type = elf.Type(ehdr.Type)
		f.Machine = elf.Machine(ehdr.Machine)
		f.Flags = ehdr.Flags
		f.Entry = uint64(ehdr.Entry)
		f.Ehsize = uint64(ehdr.Ehsize)
		f.Phentsize = uint64(ehdr.Phentsize)
		f.Shentsize = uint64(ehdr.Shentsize)
		f.Phoff = uint64(ehdr.Phoff)
		f.Shoff = uint64(ehdr.Shoff)
		f.Shstrndx = uint64(ehdr.Shstrndx)
		phnum, shnum = uint64(ehdr.Phnum), uint64(ehdr.Shnum)
	case elf.ELFCLASS64:
		if len(contents) < Elf64HeaderSize {
			return nil, errors.Errorf("%s: ELF file too small", file.Name)
		}
		ehdr := utils.Read[elf.Header64](contents, f.Order)
		f.Type = elf.Type(ehdr.Type)
		f.Machine = elf.Machine(ehdr.Machine)
		f.Flags = ehdr.Flags
		f.Entry = ehdr.Entry
		f.Ehsize = uint64(ehdr.Ehsize)
		f.Phentsize = uint64(ehdr.Phentsize)
		f.Shentsize = uint64(ehdr.Shentsize)
		f.Phoff = ehdr.Phoff
		f.Shoff = ehdr.Shoff
		f.Shstrndx = uint64(ehdr.Shstrndx)
		phnum, shnum = uint64(ehdr.Phnum), uint64(ehdr.Shnum)
	default:
		return nil, errors.Errorf("%s: unknown ELF class %v", file.Name, f.Class)
	}

	if f.Shoff != 0 {
		_, _, shent := f.sizes()
		if f.Shentsize != shent {
			return nil, errors.Errorf("%s: bad section header entry size %d", file.Name, f.Shentsize)
		}
		// Section 0 holds the real counts when they don't fit the header.
		first, err := f.readSectionHeader(0)
		if err != nil {
			return nil, err
		}
		if shnum == 0 {
			shnum = first.Size
		}
		if f.Shstrndx == uint64(elf.SHN_XINDEX) {
			f.Shstrndx = uint64(first.Link)
		}
		if phnum == 0xffff {
			phnum = uint64(first.Info)
		}

		if err := f.checkTable(f.Shoff, shnum, f.Shentsize, "section"); err != nil {
			return nil, err
		}
		f.Sections = make([]SectionHeader, 0, shnum)
		for i := uint64(0); i < shnum; i++ {
			shdr, err := f.readSectionHeader(i)
			if err != nil {
				return nil, err
			}
			f.Sections = append(f.Sections, shdr)
		}
	}

	if phnum != 0 {
		_, phent, _ := f.sizes()
		if f.Phentsize != phent {
			return nil, errors.Errorf("%s: bad program header entry size %d", file.Name, f.Phentsize)
		}
		if err := f.checkTable(f.Phoff, phnum, f.Phentsize, "program"); err != nil {
			return nil, err
		}
		f.Phdrs = make([]ProgramHeader, 0, phnum)
		for i := uint64(0); i < phnum; i++ {
			f.Phdrs = append(f.Phdrs, f.readProgramHeader(i))
		}
	}

	if f.Shstrndx != 0 && f.Shstrndx < uint64(len(f.Sections)) {
		strtab, err := f.GetBytesFromIndex(f.Shstrndx)
		if err != nil {
			return nil, err
		}
		f.StrTable = strtab
	}

	return f, nil
}

func (f *InputFile) sizes() (ehdr, phent, shent uint64) {
	ehdr, phent = HeaderSizes(f.Class)
	shent = Elf64ShdrSize
	if f.Class == elf.ELFCLASS32 {
		shent = Elf32ShdrSize
	}
	return ehdr, phent, shent
}

// checkTable makes sure count entries of entsize at off lie inside the file.
func (f *InputFile) checkTable(off, count, entsize uint64, what string) error {
	size, overflow := utils.MulOverflow(count, entsize)
	if !overflow {
		var end uint64
		end, overflow = utils.AddOverflow(off, size)
		if !overflow && end <= uint64(len(f.File.Contents)) {
			return nil
		}
		if !overflow {
			return errors.Errorf("%s: %s header table is out of range", f.File.Name, what)
		}
	}
	return errors.Wrap(newLayoutError(FileTooBig, "%d %s headers are too many", count, what), f.File.Name)
}

func (f *InputFile) readSectionHeader(idx uint64) (SectionHeader, error) {
	if err := f.checkTable(f.Shoff, idx+1, f.Shentsize, "section"); err != nil {
		return SectionHeader{}, err
	}
	data := f.File.Contents[f.Shoff+idx*f.Shentsize:]
	if f.Class == elf.ELFCLASS32 {
		s := utils.Read[elf.Section32](data, f.Order)
		return SectionHeader{
			Name:      s.Name,
			Type:      elf.SectionType(s.Type),
			Flags:     elf.SectionFlag(s.Flags),
			Addr:      uint64(s.Addr),
			Offset:    uint64(s.Off),
			Size:      uint64(s.Size),
			Link:      s.Link,
			Info:      s.Info,
			Addralign: uint64(s.Addralign),
			Entsize:   uint64(s.Entsize),
		}, nil
	}
	s := utils.Read[elf.Section64](data, f.Order)
	return SectionHeader{
		Name:      s.Name,
		Type:      elf.SectionType(s.Type),
		Flags:     elf.SectionFlag(s.Flags),
		Addr:      s.Addr,
		Offset:    s.Off,
		Size:      s.Size,
		Link:      s.Link,
		Info:      s.Info,
		Addralign: s.Addralign,
		Entsize:   s.Entsize,
	}, nil
}

func (f *InputFile) readProgramHeader(idx uint64) ProgramHeader {
	data := f.File.Contents[f.Phoff+idx*f.Phentsize:]
	if f.Class == elf.ELFCLASS32 {
		p := utils.Read[elf.Prog32](data, f.Order)
		return ProgramHeader{
			Type:     elf.ProgType(p.Type),
			Flags:    elf.ProgFlag(p.Flags),
			Offset:   uint64(p.Off),
			VAddr:    uint64(p.Vaddr),
			PAddr:    uint64(p.Paddr),
			FileSize: uint64(p.Filesz),
			MemSize:  uint64(p.Memsz),
			Align:    uint64(p.Align),
		}
	}
	p := utils.Read[elf.Prog64](data, f.Order)
	return ProgramHeader{
		Type:     elf.ProgType(p.Type),
		Flags:    elf.ProgFlag(p.Flags),
		Offset:   p.Off,
		VAddr:    p.Vaddr,
		PAddr:    p.Paddr,
		FileSize: p.Filesz,
		MemSize:  p.Memsz,
		Align:    p.Align,
	}
}

func (f *InputFile) GetBytesFromShdr(hdr *SectionHeader) ([]byte, error) {
	if hdr.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	end, overflow := utils.AddOverflow(hdr.Offset, hdr.Size)
	if overflow || uint64(len(f.File.Contents)) < end {
		return nil, errors.Errorf("%s: section header is out of range: %d", f.File.Name, hdr.Offset)
	}
	return f.File.Contents[hdr.Offset:end], nil
}

func (f *InputFile) GetBytesFromIndex(idx uint64) ([]byte, error) {
	return f.GetBytesFromShdr(&f.Sections[idx])
}

func GetNameFromTable(strTable []byte, offset uint32) string {
	if uint64(offset) >= uint64(len(strTable)) {
		return ""
	}
	length := bytes.IndexByte(strTable[offset:], 0)
	if length < 0 {
		return string(strTable[offset:])
	}
	return string(strTable[offset : int(offset)+length])
}

func (f *InputFile) SectionName(idx int) string {
	return GetNameFromTable(f.StrTable, f.Sections[idx].Name)
}

func (f *InputFile) FindSection(typ elf.SectionType) *SectionHeader {
	for i := 0; i < len(f.Sections); i++ {
		shdr := &f.Sections[i]
		if shdr.Type == typ {
			return shdr
		}
	}

	return nil
}
