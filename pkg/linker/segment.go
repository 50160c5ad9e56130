package linker

import "debug/elf"

// ProgramHeader is a class-independent program header. The field order
// matches Elf64_Phdr.
type ProgramHeader struct {
	Type     elf.ProgType
	Flags    elf.ProgFlag
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

func (p *ProgramHeader) FileEnd() uint64 {
	return p.Offset + p.FileSize
}

func (p *ProgramHeader) MemEnd() uint64 {
	return p.VAddr + p.MemSize
}

// Segment describes one program header entry and the sections it owns.
type Segment struct {
	Type elf.ProgType

	Flags      elf.ProgFlag
	FlagsValid bool

	PAddr      uint64
	PAddrValid bool

	Align      uint64
	AlignValid bool

	// VAddrOffset is the distance between the segment start and its first
	// section, for segments whose leading bytes belong to no section.
	VAddrOffset uint64

	// Size is p_memsz of PT_GNU_RELRO and PT_GNU_STACK.
	Size      uint64
	SizeValid bool

	IncludesFileHeader bool
	IncludesPhdrs      bool

	// NoSortLMA keeps the segment ahead of LMA-sorted ones of its type.
	NoSortLMA bool

	Members []SectionID

	Header ProgramHeader

	idx int
}

func NewSegment(typ elf.ProgType, members ...SectionID) *Segment {
	return &Segment{Type: typ, Members: members}
}

func (m *Segment) Count() int {
	return len(m.Members)
}

func (m *Segment) Contains(id SectionID) bool {
	for _, member := range m.Members {
		if member == id {
			return true
		}
	}
	return false
}
