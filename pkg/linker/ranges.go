package linker

import (
	"debug/elf"

	"seglayout/pkg/utils"
)

// Extent is the part of a section header the containment checks look at.
type Extent struct {
	Addr   uint64
	LMA    uint64
	Offset uint64
	Size   uint64
	Alloc  bool
	Tls    bool
	NoBits bool
	Note   bool
}

func (s *Section) Extent(opb uint64) Extent {
	return Extent{
		Addr:   s.VMA * opb,
		LMA:    s.LMA * opb,
		Offset: s.FilePos,
		Size:   s.Size,
		Alloc:  s.Flags&SecAlloc != 0,
		Tls:    s.IsTls(),
		NoBits: s.IsNoBits(),
		Note:   s.IsNote(),
	}
}

// SizeInSegment is the number of bytes e occupies in p. A .tbss section
// occupies none outside of PT_TLS.
func SizeInSegment(e Extent, p *ProgramHeader) uint64 {
	if !e.Tls || !e.NoBits || p.Type == elf.PT_TLS {
		return e.Size
	}
	return 0
}

// TbssSpecial reports a .tbss section that sits at the end of a non-TLS
// segment without taking any of its space.
func TbssSpecial(e Extent, p *ProgramHeader) bool {
	return e.Tls && e.NoBits && p.Type != elf.PT_TLS
}

func isAllocOnlySegment(t elf.ProgType) bool {
	switch t {
	case elf.PT_LOAD, elf.PT_DYNAMIC, elf.PT_GNU_EH_FRAME, elf.PT_GNU_STACK,
		elf.PT_GNU_RELRO, PT_GNU_SFRAME:
		return true
	}
	return t >= PT_GNU_MBIND_LO && t <= PT_GNU_MBIND_HI
}

// SectionInSegment reports whether e lies within the file and memory image
// of p. With strict set, zero sized sections must start inside the
// segment rather than at its end.
func SectionInSegment(e Extent, p *ProgramHeader, checkVMA, strict bool) bool {
	if e.Tls {
		if p.Type != elf.PT_TLS && p.Type != elf.PT_GNU_RELRO && p.Type != elf.PT_LOAD {
			return false
		}
	} else if p.Type == elf.PT_TLS || p.Type == elf.PT_PHDR {
		return false
	}

	if !e.Alloc && isAllocOnlySegment(p.Type) {
		return false
	}

	size := SizeInSegment(e, p)

	if !e.NoBits {
		if e.Offset < p.Offset {
			return false
		}
		rel := e.Offset - p.Offset
		if strict && p.FileSize != 0 && rel > p.FileSize-1 {
			return false
		}
		if strict && p.FileSize == 0 && size != 0 {
			return false
		}
		if rel+size > p.FileSize {
			return false
		}
	}

	if checkVMA && e.Alloc {
		if e.Addr < p.VAddr {
			return false
		}
		rel := e.Addr - p.VAddr
		if strict && p.MemSize != 0 && rel > p.MemSize-1 {
			return false
		}
		if rel+size > p.MemSize {
			return false
		}
	}

	// No empty sections at the edges of PT_DYNAMIC or PT_NOTE.
	if (p.Type == elf.PT_DYNAMIC || p.Type == elf.PT_NOTE) && e.Size == 0 && p.MemSize != 0 {
		if !(p.Type == elf.PT_NOTE || e.Alloc) {
			return false
		}
		if !e.NoBits && !(e.Offset > p.Offset && e.Offset-p.Offset < p.FileSize) {
			return false
		}
		if e.Alloc && !(e.Addr > p.VAddr && e.Addr-p.VAddr < p.MemSize) {
			return false
		}
	}
	return true
}

func segmentSize(p *ProgramHeader) uint64 {
	if p.MemSize > p.FileSize {
		return p.MemSize
	}
	return p.FileSize
}

// SegmentOverlaps reports whether a and b intersect in both their virtual
// and their physical images. Images may overlap in one space only, like
// .data and .bss sharing a VMA range from different LMAs.
func SegmentOverlaps(a, b *ProgramHeader) bool {
	after := func(start1, start2 uint64, s2 *ProgramHeader) bool {
		return start1 >= start2+segmentSize(s2)
	}
	return !(after(a.VAddr, b.VAddr, b) || after(b.VAddr, a.VAddr, a)) &&
		!(after(a.PAddr, b.PAddr, b) || after(b.PAddr, a.PAddr, a))
}

// ContainedBy reports whether the section at addr (in target units) lies
// inside the segment starting at segAddr, without wrapping.
func ContainedBy(e Extent, addr uint64, p *ProgramHeader, segAddr, opb uint64) bool {
	octet, overflow := utils.MulOverflow(addr, opb)
	if overflow {
		return false
	}
	size := SizeInSegment(e, p)
	segSize := segmentSize(p)
	return octet >= segAddr && size <= segSize && octet-segAddr <= segSize-size
}

// NoteInSegment reports an SHT_NOTE section whose bytes lie in p's file image.
func NoteInSegment(e Extent, p *ProgramHeader) bool {
	return p.Type == elf.PT_NOTE && e.Note &&
		e.Offset >= p.Offset && e.Offset+e.Size <= p.FileEnd()
}

// CoreNoteInSegment is NoteInSegment for the unallocated notes of a core file.
func CoreNoteInSegment(e Extent, p *ProgramHeader, core bool) bool {
	return core && p.Type == elf.PT_NOTE && !e.Alloc &&
		e.Offset >= p.Offset && e.Offset+e.Size <= p.FileEnd()
}

// SolarisInterp matches the PT_INTERP emitted by Solaris linkers, which
// leave every address field zero.
func SolarisInterp(p *ProgramHeader, s *Section) bool {
	return p.VAddr == 0 && p.PAddr == 0 && p.MemSize == 0 && p.FileSize > 0 &&
		s.Flags&SecHasContents != 0 && s.Size > 0 &&
		s.FilePos >= p.Offset && s.FilePos+s.Size <= p.FileEnd()
}

// SectionInInputSegment decides whether input section s belonged to input
// segment p. Addresses are compared through p_vaddr when useVAddr is set
// and through p_paddr otherwise. claimed reports sections already taken by
// an earlier PT_LOAD.
func SectionInInputSegment(s *Section, p *ProgramHeader, opb uint64, useVAddr, claimed bool) bool {
	e := s.Extent(opb)

	var contained bool
	if useVAddr {
		contained = ContainedBy(e, s.VMA, p, p.VAddr, opb)
	} else {
		contained = ContainedBy(e, s.LMA, p, p.PAddr, opb)
	}

	if !((contained && e.Alloc) || NoteInSegment(e, p)) {
		return false
	}
	if p.Type == elf.PT_GNU_STACK {
		return false
	}
	if p.Type == elf.PT_TLS && !e.Tls {
		return false
	}
	if p.Type != elf.PT_LOAD && p.Type != elf.PT_TLS && e.Tls {
		return false
	}
	if p.Type == elf.PT_DYNAMIC && SizeInSegment(e, p) == 0 && s.Name != ".dynamic" {
		// An empty section that merely sits at the start of PT_DYNAMIC.
		if p.PAddr != 0 && p.PAddr == e.LMA {
			return false
		}
		if p.PAddr == 0 && p.VAddr == e.Addr {
			return false
		}
	}
	if p.Type == elf.PT_LOAD && claimed {
		return false
	}
	return true
}
