package linker

import (
	"debug/elf"
	"strings"
)

type SectionID int

type SectionFlags uint32

const (
	SecAlloc SectionFlags = 1 << iota
	SecLoad
	SecReadOnly
	SecCode
	SecThreadLocal
	SecHasContents
	SecExclude
	SecGNUMBind
)

// Section is the engine's view of one output section. Sections live in
// Context.Sections and are referred to by SectionID everywhere else.
type Section struct {
	Name      string
	VMA       uint64
	LMA       uint64
	Size      uint64
	Addralign uint64
	Flags     SectionFlags
	Type      elf.SectionType
	Info      uint32
	// Link, Entsize and OtherFlags are carried through to the section
	// header untouched.
	Link       uint32
	Entsize    uint64
	OtherFlags elf.SectionFlag

	// FilePos is valid once Placed is set.
	FilePos uint64
	Placed  bool

	// Index is the section header index in the input file, or the order
	// the caller supplied the section in.
	Index int

	Contents []byte
}

func (s *Section) Has(flags SectionFlags) bool {
	return s.Flags&flags == flags
}

func (s *Section) IsAlloc() bool {
	return s.Flags&SecAlloc != 0 && s.Flags&SecExclude == 0
}

func (s *Section) IsLoad() bool {
	return s.Flags&SecLoad != 0
}

func (s *Section) IsTls() bool {
	return s.Flags&SecThreadLocal != 0
}

// IsTbss reports a thread-local section without file contents.
func (s *Section) IsTbss() bool {
	return s.Flags&(SecThreadLocal|SecLoad) == SecThreadLocal
}

func (s *Section) IsNoBits() bool {
	return s.Type == elf.SHT_NOBITS
}

func (s *Section) IsNote() bool {
	return s.Type == elf.SHT_NOTE
}

func (s *Section) Writable() bool {
	return s.Flags&SecReadOnly == 0
}

func (s *Section) Executable() bool {
	return s.Flags&SecCode != 0
}

// ToPhdrFlags derives the permissions a segment needs to hold s.
func (s *Section) ToPhdrFlags() elf.ProgFlag {
	ret := elf.PF_R
	if s.Writable() {
		ret |= elf.PF_W
	}
	if s.Executable() {
		ret |= elf.PF_X
	}
	return ret
}

// SectionFlagsFromShdr maps ELF section header attributes onto SectionFlags.
func SectionFlagsFromShdr(typ elf.SectionType, flags elf.SectionFlag, size uint64) SectionFlags {
	var ret SectionFlags
	if flags&elf.SHF_ALLOC != 0 {
		ret |= SecAlloc
		if typ != elf.SHT_NOBITS {
			ret |= SecLoad
		}
	}
	if typ != elf.SHT_NOBITS && typ != elf.SHT_NULL {
		ret |= SecHasContents
	}
	if flags&elf.SHF_WRITE == 0 {
		ret |= SecReadOnly
	}
	if flags&elf.SHF_EXECINSTR != 0 {
		ret |= SecCode
	}
	if flags&elf.SHF_TLS != 0 {
		ret |= SecThreadLocal
	}
	if flags&SHF_EXCLUDE != 0 {
		ret |= SecExclude
	}
	if flags&SHF_GNU_MBIND != 0 {
		ret |= SecGNUMBind
	}
	return ret
}

// ShdrFlags is the inverse of SectionFlagsFromShdr.
func (s *Section) ShdrFlags() elf.SectionFlag {
	var ret elf.SectionFlag
	if s.Flags&SecAlloc != 0 {
		ret |= elf.SHF_ALLOC
	}
	if s.Writable() {
		ret |= elf.SHF_WRITE
	}
	if s.Executable() {
		ret |= elf.SHF_EXECINSTR
	}
	if s.IsTls() {
		ret |= elf.SHF_TLS
	}
	if s.Flags&SecExclude != 0 {
		ret |= SHF_EXCLUDE
	}
	if s.Flags&SecGNUMBind != 0 {
		ret |= SHF_GNU_MBIND
	}
	return ret | s.OtherFlags
}

const modelledShdrFlags = elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_EXECINSTR | elf.SHF_TLS |
	SHF_EXCLUDE | SHF_GNU_MBIND

// inferType fills in a missing section type from the section's name and
// flags.
func (s *Section) inferType() {
	if s.Type != elf.SHT_NULL {
		return
	}
	switch {
	case strings.HasPrefix(s.Name, ".note"):
		s.Type = elf.SHT_NOTE
	case s.Name == ".dynamic":
		s.Type = elf.SHT_DYNAMIC
	case s.Flags&SecAlloc != 0 && (s.Flags&SecLoad == 0 || s.Flags&SecHasContents == 0):
		s.Type = elf.SHT_NOBITS
	default:
		s.Type = elf.SHT_PROGBITS
	}
}
