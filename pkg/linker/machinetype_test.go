package linker

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func segmentTypes(segs []*Segment) []elf.ProgType {
	types := make([]elf.ProgType, 0, len(segs))
	for _, m := range segs {
		types = append(types, m.Type)
	}
	return types
}

func TestRiscvAttributesSegment(t *testing.T) {
	ctx := NewContext(NewTarget(elf.EM_RISCV, elf.ELFCLASS64, elf.ELFDATA2LSB), NewLinkInfo())
	ctx.Logger = newTestingLogger(t)
	attrs := section(".riscv.attributes", SecHasContents|SecReadOnly, 0, 0x40, 1)
	attrs.Type = SHT_RISCV_ATTRIBUTES
	ids := addSections(ctx,
		section(".interp", rodataFlags, 0x10200, 0x1c, 1),
		section(".text", textFlags, 0x11000, 0x100, 16),
		attrs,
	)
	require.Equal(t, 1, ctx.Target.policy().AdditionalProgramHeaders(ctx))

	ctx.Segments = []*Segment{
		{Type: elf.PT_PHDR, IncludesPhdrs: true},
		NewSegment(elf.PT_INTERP, ids[0]),
		NewSegment(elf.PT_LOAD, ids[0], ids[1]),
	}
	require.NoError(t, ModifySegmentMap(ctx, true))
	require.Equal(t,
		[]elf.ProgType{elf.PT_PHDR, elf.PT_INTERP, PT_RISCV_ATTRIBUTES, elf.PT_LOAD},
		segmentTypes(ctx.Segments))
	require.Equal(t, []SectionID{ids[2]}, ctx.Segments[2].Members)

	// Running again doesn't add a second one.
	require.NoError(t, ModifySegmentMap(ctx, true))
	require.Len(t, ctx.Segments, 4)
}

func TestHppaCodeSegments(t *testing.T) {
	newHppa := func(link *LinkInfo) (*Context, []SectionID) {
		ctx := NewContext(NewTarget(elf.EM_PARISC, elf.ELFCLASS64, elf.ELFDATA2MSB), link)
		ctx.Logger = newTestingLogger(t)
		ids := addSections(ctx,
			section(".hash", rodataFlags, 0x4000000000001000, 0x100, 8),
			section(".data", dataFlags, 0x8000000000001000, 0x100, 8),
		)
		ctx.Segments = []*Segment{
			NewSegment(elf.PT_LOAD, ids[0]),
			NewSegment(elf.PT_LOAD, ids[1]),
		}
		return ctx, ids
	}

	ctx, _ := newHppa(NewLinkInfo())
	// Without .interp the output is taken to be a shared library.
	require.Equal(t, 1, ctx.Target.policy().AdditionalProgramHeaders(ctx))
	require.True(t, ctx.Target.policy().AllowNonLoadPhdr(ctx))
	require.NoError(t, ModifySegmentMap(ctx, true))
	require.Equal(t, []elf.ProgType{elf.PT_PHDR, elf.PT_LOAD, elf.PT_LOAD}, segmentTypes(ctx.Segments))
	require.True(t, ctx.Segments[0].IncludesPhdrs)
	require.Equal(t, elf.PF_X|PF_HP_CODE, ctx.Segments[1].Flags)
	require.Zero(t, ctx.Segments[2].Flags)

	// Tools other than the linker never get a PT_PHDR.
	ctx, _ = newHppa(nil)
	require.NoError(t, ModifySegmentMap(ctx, true))
	require.Equal(t, []elf.ProgType{elf.PT_LOAD, elf.PT_LOAD}, segmentTypes(ctx.Segments))
}

func TestIa64UnwindSegments(t *testing.T) {
	ctx := NewContext(NewTarget(elf.EM_IA_64, elf.ELFCLASS64, elf.ELFDATA2LSB), NewLinkInfo())
	ctx.Logger = newTestingLogger(t)
	unwind := section(".IA_64.unwind", rodataFlags, 0x4000000000001100, 0x30, 8)
	unwind.Type = SHT_IA_64_UNWIND
	ids := addSections(ctx,
		section(".text", textFlags, 0x4000000000001000, 0x100, 16),
		unwind,
	)
	require.Equal(t, 1, ctx.Target.policy().AdditionalProgramHeaders(ctx))
	require.True(t, ctx.Target.policy().WantPAddrSetToZero())

	ctx.Segments = []*Segment{NewSegment(elf.PT_LOAD, ids...)}
	require.NoError(t, ModifySegmentMap(ctx, true))
	require.Equal(t, []elf.ProgType{elf.PT_LOAD, PT_IA_64_UNWIND}, segmentTypes(ctx.Segments))
	require.Equal(t, []SectionID{ids[1]}, ctx.Segments[1].Members)

	require.NoError(t, ModifySegmentMap(ctx, true))
	require.Len(t, ctx.Segments, 2)
}

func TestS390PGSTE(t *testing.T) {
	cfg := &TargetConfig{S390PGSTE: true}

	target := NewTarget(elf.EM_S390, elf.ELFCLASS64, elf.ELFDATA2MSB)
	link := NewLinkInfo()
	cfg.Apply(target, link)
	ctx := NewContext(target, link)
	ctx.Logger = newTestingLogger(t)
	ids := addSections(ctx, section(".text", textFlags, 0x1000, 0x100, 8))
	ctx.Segments = []*Segment{NewSegment(elf.PT_LOAD, ids...)}

	require.Equal(t, 1, target.policy().AdditionalProgramHeaders(ctx))
	require.NoError(t, ModifySegmentMap(ctx, true))
	require.Equal(t, []elf.ProgType{elf.PT_LOAD, PT_S390_PGSTE}, segmentTypes(ctx.Segments))

	// Copying a file never adds one.
	target = NewTarget(elf.EM_S390, elf.ELFCLASS64, elf.ELFDATA2MSB)
	cfg.Apply(target, nil)
	ctx = NewContext(target, nil)
	require.Zero(t, target.policy().AdditionalProgramHeaders(ctx))
}

func TestX86LargeSections(t *testing.T) {
	ctx := newTestContext(t, nil)
	require.Zero(t, ctx.Target.policy().AdditionalProgramHeaders(ctx))

	addSections(ctx,
		section(".lrodata", rodataFlags, 0x10000000, 0x100, 8),
		section(".ldata", dataFlags, 0x20000000, 0x100, 8),
	)
	require.Equal(t, 2, ctx.Target.policy().AdditionalProgramHeaders(ctx))
}

func TestNewTargetDefaults(t *testing.T) {
	for _, tc := range []struct {
		machine  elf.Machine
		name     string
		maxPage  uint64
		noAlias  bool
		policy   TargetPolicy
		byteSize uint64
	}{
		{elf.EM_X86_64, "x86_64-ELFCLASS64", 0x1000, false, x86_64Policy{}, 1},
		{elf.EM_AARCH64, "aarch64-ELFCLASS64", 0x10000, false, DefaultPolicy{}, 1},
		{elf.EM_PARISC, "hppa-ELFCLASS64", 0x10000, true, hppa64Policy{}, 1},
		{elf.EM_MIPS, "elf-ELFCLASS64", PageSize, false, DefaultPolicy{}, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			target := NewTarget(tc.machine, elf.ELFCLASS64, elf.ELFDATA2LSB)
			require.Equal(t, tc.name, target.Name)
			require.Equal(t, tc.maxPage, target.MaxPageSize)
			require.Equal(t, tc.noAlias, target.NoPageAlias)
			require.Equal(t, tc.policy, target.Policy)
			require.Equal(t, tc.byteSize, target.opb())
		})
	}
}

func TestGetMachineType(t *testing.T) {
	hdr := make([]byte, Elf64HeaderSize)
	WriteMagic(hdr)
	hdr[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	binary.BigEndian.PutUint16(hdr[18:], uint16(elf.EM_PPC))

	machine, class, data, ok := GetMachineType(hdr)
	require.True(t, ok)
	require.Equal(t, elf.EM_PPC, machine)
	require.Equal(t, elf.ELFCLASS32, class)
	require.Equal(t, elf.ELFDATA2MSB, data)

	_, _, _, ok = GetMachineType(hdr[:20])
	require.False(t, ok)
	_, _, _, ok = GetMachineType(make([]byte, Elf64HeaderSize))
	require.False(t, ok)
}
