package linker

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// TargetPolicy holds the per-architecture adjustments to the generic layout.
type TargetPolicy interface {
	// AdditionalProgramHeaders returns how many segments ModifySegmentMap
	// may add, or -1 if it cannot tell.
	AdditionalProgramHeaders(ctx *Context) int
	ModifySegmentMap(ctx *Context) error
	// AllowNonLoadPhdr accepts a PT_PHDR that no PT_LOAD covers.
	AllowNonLoadPhdr(ctx *Context) bool
	// WantPAddrSetToZero forces copied program headers through a rewrite
	// so that p_paddr ends up zero.
	WantPAddrSetToZero() bool
}

type DefaultPolicy struct{}

func (DefaultPolicy) AdditionalProgramHeaders(*Context) int { return 0 }
func (DefaultPolicy) ModifySegmentMap(*Context) error { return nil }
func (DefaultPolicy) AllowNonLoadPhdr(*Context) bool { return false }
func (DefaultPolicy) WantPAddrSetToZero() bool { return false }

type Target struct {
	Name    string
	Machine elf.Machine
	Class   elf.Class
	Data    elf.Data

	MaxPageSize    uint64
	MinPageSize    uint64
	CommonPageSize uint64
	// PAlign is the p_align used for PT_LOAD when the page size was not
	// set explicitly. Zero means MaxPageSize.
	PAlign     uint64
	StackAlign uint64

	OctetsPerByte uint64
	// NoPageAlias targets must never map one physical page at two
	// different virtual addresses.
	NoPageAlias bool

	Policy TargetPolicy
}

func (t *Target) ByteOrder() binary.ByteOrder {
	if t.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// LogFileAlign is log2 of the natural alignment of file structures.
func (t *Target) LogFileAlign() uint {
	if t.Class == elf.ELFCLASS32 {
		return 2
	}
	return 3
}

func (t *Target) opb() uint64 {
	if t.OctetsPerByte == 0 {
		return 1
	}
	return t.OctetsPerByte
}

func (t *Target) policy() TargetPolicy {
	if t.Policy == nil {
		return DefaultPolicy{}
	}
	return t.Policy
}

// NewTarget returns the built-in description of machine.
func NewTarget(machine elf.Machine, class elf.Class, data elf.Data) *Target {
	t := &Target{
		Name:           fmt.Sprintf("%s-%s", machineName(machine), class),
		Machine:        machine,
		Class:          class,
		Data:           data,
		MaxPageSize:    PageSize,
		MinPageSize:    PageSize,
		CommonPageSize: PageSize,
		OctetsPerByte:  1,
		Policy:         DefaultPolicy{},
	}

	switch machine {
	case elf.EM_X86_64:
		t.MaxPageSize = 0x1000
		t.StackAlign = 16
		t.Policy = x86_64Policy{}
	case elf.EM_AARCH64:
		t.MaxPageSize = 0x10000
		t.StackAlign = 16
	case elf.EM_RISCV:
		t.MaxPageSize = 0x1000
		t.StackAlign = 16
		t.Policy = riscvPolicy{}
	case elf.EM_PARISC:
		t.MaxPageSize = 0x10000
		t.MinPageSize = 0x1000
		t.NoPageAlias = true
		t.Policy = hppa64Policy{}
	case elf.EM_IA_64:
		t.MaxPageSize = 0x10000
		t.Policy = ia64Policy{}
	case elf.EM_S390:
		t.MaxPageSize = 0x1000
		t.StackAlign = 8
		t.Policy = &s390Policy{}
	}
	return t
}

func machineName(m elf.Machine) string {
	switch m {
	case elf.EM_X86_64:
		return "x86_64"
	case elf.EM_AARCH64:
		return "aarch64"
	case elf.EM_RISCV:
		return "riscv"
	case elf.EM_PARISC:
		return "hppa"
	case elf.EM_IA_64:
		return "ia64"
	case elf.EM_S390:
		return "s390"
	case elf.EM_386:
		return "i386"
	}
	return "elf"
}

// insertAfterHeaders puts m after any leading PT_PHDR and PT_INTERP.
func insertAfterHeaders(ctx *Context, m *Segment) {
	pos := 0
	for pos < len(ctx.Segments) &&
		(ctx.Segments[pos].Type == elf.PT_PHDR || ctx.Segments[pos].Type == elf.PT_INTERP) {
		pos++
	}
	ctx.Segments = append(ctx.Segments, nil)
	copy(ctx.Segments[pos+1:], ctx.Segments[pos:])
	ctx.Segments[pos] = m
}

func hasSegment(ctx *Context, typ elf.ProgType) bool {
	for _, m := range ctx.Segments {
		if m.Type == typ {
			return true
		}
	}
	return false
}

type x86_64Policy struct{ DefaultPolicy }

// Large read-only and large data sections get segments of their own.
func (x86_64Policy) AdditionalProgramHeaders(ctx *Context) int {
	count := 0
	if id, ok := ctx.SectionByName(".lrodata"); ok && ctx.Section(id).IsLoad() {
		count++
	}
	if id, ok := ctx.SectionByName(".ldata"); ok && ctx.Section(id).IsLoad() {
		count++
	}
	return count
}

type riscvPolicy struct{ DefaultPolicy }

func (riscvPolicy) AdditionalProgramHeaders(ctx *Context) int {
	if _, ok := ctx.SectionByName(".riscv.attributes"); ok {
		return 1
	}
	return 0
}

func (riscvPolicy) ModifySegmentMap(ctx *Context) error {
	id, ok := ctx.SectionByName(".riscv.attributes")
	if !ok || hasSegment(ctx, PT_RISCV_ATTRIBUTES) {
		return nil
	}
	insertAfterHeaders(ctx, NewSegment(PT_RISCV_ATTRIBUTES, id))
	return nil
}

type hppa64Policy struct{ DefaultPolicy }

// Shared libraries need a PT_PHDR too; one without .interp is assumed to
// be a shared library.
func (hppa64Policy) AdditionalProgramHeaders(ctx *Context) int {
	if _, ok := ctx.SectionByName(".interp"); !ok {
		return 1
	}
	return 0
}

func (hppa64Policy) AllowNonLoadPhdr(*Context) bool { return true }

func (hppa64Policy) ModifySegmentMap(ctx *Context) error {
	if ctx.Link != nil && !ctx.Link.UserPhdrs && len(ctx.Segments) > 0 &&
		ctx.Segments[0].Type != elf.PT_PHDR {
		m := &Segment{
			Type:          elf.PT_PHDR,
			Flags:         elf.PF_R | elf.PF_X,
			FlagsValid:    true,
			PAddrValid:    true,
			IncludesPhdrs: true,
		}
		ctx.Segments = append([]*Segment{m}, ctx.Segments...)
	}

	// The HP dynamic linker requires the code hint on the text segment,
	// even when it only holds .hash.
	for _, m := range ctx.Segments {
		if m.Type != elf.PT_LOAD {
			continue
		}
		for _, id := range m.Members {
			s := ctx.Section(id)
			if s.Executable() || s.Name == ".hash" {
				m.Flags |= elf.PF_X | PF_HP_CODE
			}
		}
	}
	return nil
}

type ia64Policy struct{ DefaultPolicy }

const ia64ArchextSection = ".IA_64.archext"

func (ia64Policy) WantPAddrSetToZero() bool { return true }

func (ia64Policy) AdditionalProgramHeaders(ctx *Context) int {
	ret := 0
	if id, ok := ctx.SectionByName(ia64ArchextSection); ok && ctx.Section(id).IsLoad() {
		ret++
	}
	for i := range ctx.Sections {
		s := &ctx.Sections[i]
		if s.Type == SHT_IA_64_UNWIND && s.IsLoad() {
			ret++
		}
	}
	return ret
}

func (ia64Policy) ModifySegmentMap(ctx *Context) error {
	if id, ok := ctx.SectionByName(ia64ArchextSection); ok && ctx.Section(id).IsLoad() &&
		!hasSegment(ctx, PT_IA_64_ARCHEXT) {
		insertAfterHeaders(ctx, NewSegment(PT_IA_64_ARCHEXT, id))
	}

	for i := range ctx.Sections {
		s := &ctx.Sections[i]
		if s.Type != SHT_IA_64_UNWIND || !s.IsLoad() {
			continue
		}
		id := SectionID(i)
		found := false
		for _, m := range ctx.Segments {
			if m.Type == PT_IA_64_UNWIND && m.Contains(id) {
				found = true
				break
			}
		}
		if !found {
			ctx.Segments = append(ctx.Segments, NewSegment(PT_IA_64_UNWIND, id))
		}
	}
	return nil
}

type s390Policy struct {
	DefaultPolicy

	// PGSTE marks the binary as needing page guest storage extensions.
	PGSTE bool
}

func (p *s390Policy) AdditionalProgramHeaders(ctx *Context) int {
	if ctx.Link != nil && p.PGSTE {
		return 1
	}
	return 0
}

func (p *s390Policy) ModifySegmentMap(ctx *Context) error {
	if ctx.Link == nil || !p.PGSTE || hasSegment(ctx, PT_S390_PGSTE) {
		return nil
	}
	ctx.Segments = append(ctx.Segments, NewSegment(PT_S390_PGSTE))
	return nil
}

// GetMachineType reads the machine, class and byte order of an ELF image.
func GetMachineType(contents []byte) (elf.Machine, elf.Class, elf.Data, bool) {
	if len(contents) < Elf32HeaderSize || !CheckMagic(contents) {
		return elf.EM_NONE, elf.ELFCLASSNONE, elf.ELFDATANONE, false
	}
	class := elf.Class(contents[elf.EI_CLASS])
	data := elf.Data(contents[elf.EI_DATA])
	var order binary.ByteOrder = binary.LittleEndian
	if data == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}
	return elf.Machine(order.Uint16(contents[18:])), class, data, true
}
