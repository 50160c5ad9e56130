package linker

import (
	"debug/elf"

	"github.com/pkg/errors"
)

// ObjectFile is an input file with its sections in engine form.
// Sections[i] describes section header i+1; the null section is skipped.
type ObjectFile struct {
	*InputFile

	Sections []Section
	// Paged is set when the file looks demand paged: it has program
	// headers and every PT_LOAD is congruent modulo the minimum page size.
	Paged    bool
	GNUMBind bool
}

func NewObjectFile(file *File, target *Target) (*ObjectFile, error) {
	in, err := NewInputFile(file)
	if err != nil {
		return nil, err
	}
	o := &ObjectFile{InputFile: in}
	if err := o.Parse(target); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *ObjectFile) Parse(target *Target) error {
	opb := target.opb()

	o.Paged = len(o.Phdrs) != 0 && (o.Type == elf.ET_EXEC || o.Type == elf.ET_DYN)
	minPage := target.MinPageSize
	if minPage == 0 {
		minPage = target.MaxPageSize
	}
	if minPage != 0 {
		for i := range o.Phdrs {
			p := &o.Phdrs[i]
			if p.Type == elf.PT_LOAD && (p.VAddr-p.Offset)%minPage != 0 {
				o.Paged = false
			}
		}
	}

	for i := 1; i < len(o.InputFile.Sections); i++ {
		shdr := &o.InputFile.Sections[i]
		contents, err := o.GetBytesFromShdr(shdr)
		if err != nil {
			return err
		}
		s := Section{
			Name:       o.SectionName(i),
			VMA:        shdr.Addr / opb,
			LMA:        shdr.Addr / opb,
			Size:       shdr.Size,
			Addralign:  shdr.Addralign,
			Flags:      SectionFlagsFromShdr(shdr.Type, shdr.Flags, shdr.Size),
			Type:       shdr.Type,
			Info:       shdr.Info,
			Link:       shdr.Link,
			Entsize:    shdr.Entsize,
			OtherFlags: shdr.Flags &^ modelledShdrFlags,
			FilePos:    shdr.Offset,
			Placed:     true,
			Index:      i,
			Contents:   contents,
		}
		if s.Addralign == 0 {
			s.Addralign = 1
		}
		if s.Flags&SecAlloc != 0 {
			s.LMA = o.sectionLMA(shdr, &s, opb)
		}
		if s.Flags&SecGNUMBind != 0 && (o.OSABI == elf.ELFOSABI_LINUX || o.OSABI == elf.ELFOSABI_FREEBSD) {
			o.GNUMBind = true
		}
		o.Sections = append(o.Sections, s)
	}

	if o.Shstrndx != 0 && o.StrTable == nil {
		return errors.Errorf("%s: missing section name table", o.File.Name)
	}
	return nil
}

// sectionLMA derives the load address of an allocated section from the
// segment holding it.
func (o *ObjectFile) sectionLMA(shdr *SectionHeader, s *Section, opb uint64) uint64 {
	// Some linkers leave every p_paddr zero. With more than one PT_LOAD
	// the derived LMAs would overlap, so keep LMA == VMA.
	nload := 0
	anyPAddr := false
	for i := range o.Phdrs {
		p := &o.Phdrs[i]
		if p.PAddr != 0 {
			anyPAddr = true
			break
		}
		if p.Type == elf.PT_LOAD && p.MemSize != 0 {
			nload++
		}
	}
	if !anyPAddr && nload > 1 {
		return s.LMA
	}

	lma := s.LMA
	e := s.Extent(1)
	e.Addr = shdr.Addr
	for i := range o.Phdrs {
		p := &o.Phdrs[i]
		if !((p.Type == elf.PT_LOAD && !e.Tls) || p.Type == elf.PT_TLS) ||
			!SectionInSegment(e, p, true, true) {
			continue
		}
		if s.Flags&SecLoad == 0 {
			lma = (p.PAddr + shdr.Addr - p.VAddr) / opb
		} else {
			// File offsets survive segments packed from several VMAs.
			lma = (p.PAddr + shdr.Offset - p.Offset) / opb
		}
		// A zero sized section between two segments belongs to the one
		// its address falls in.
		if shdr.Addr >= p.VAddr && shdr.Addr+shdr.Size <= p.MemEnd() {
			break
		}
	}
	return lma
}
