package linker

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSectionInSegment(t *testing.T) {
	load := &ProgramHeader{Type: elf.PT_LOAD, Offset: 0x1000, VAddr: 0x401000, FileSize: 0x200, MemSize: 0x300}
	tls := &ProgramHeader{Type: elf.PT_TLS, Offset: 0x1100, VAddr: 0x401100, FileSize: 0x100, MemSize: 0x140}

	for _, tc := range []struct {
		name   string
		e      Extent
		p      *ProgramHeader
		strict bool
		want   bool
	}{
		{"inside", Extent{Addr: 0x401000, Offset: 0x1000, Size: 0x200, Alloc: true}, load, true, true},
		{"past file end", Extent{Addr: 0x401100, Offset: 0x1100, Size: 0x200, Alloc: true}, load, false, false},
		{"bss in memory", Extent{Addr: 0x401200, Size: 0x100, Alloc: true, NoBits: true}, load, true, true},
		{"bss past memory", Extent{Addr: 0x401280, Size: 0x100, Alloc: true, NoBits: true}, load, false, false},
		{"unallocated in load", Extent{Offset: 0x1000, Size: 0x10}, load, false, false},
		{"empty at end, lax", Extent{Addr: 0x401300, Offset: 0x1200, Alloc: true}, load, false, true},
		{"empty at end, strict", Extent{Addr: 0x401300, Offset: 0x1200, Alloc: true}, load, true, false},
		{"tbss in load takes no room", Extent{Addr: 0x401300, Size: 0x40, Alloc: true, Tls: true, NoBits: true}, load, false, true},
		{"tbss in tls", Extent{Addr: 0x401100, Size: 0x140, Alloc: true, Tls: true, NoBits: true}, tls, false, true},
		{"data in tls", Extent{Addr: 0x401100, Offset: 0x1100, Size: 0x10, Alloc: true}, tls, false, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, SectionInSegment(tc.e, tc.p, true, tc.strict))
		})
	}
}

func TestEmptySectionAtDynamicEdge(t *testing.T) {
	dyn := &ProgramHeader{Type: elf.PT_DYNAMIC, Offset: 0x2000, VAddr: 0x402000, FileSize: 0x100, MemSize: 0x100}
	require.False(t, SectionInSegment(Extent{Addr: 0x402000, Offset: 0x2000, Alloc: true}, dyn, true, false))
	require.True(t, SectionInSegment(Extent{Addr: 0x402010, Offset: 0x2010, Alloc: true}, dyn, true, false))
}

func TestSegmentOverlaps(t *testing.T) {
	a := &ProgramHeader{VAddr: 0x1000, PAddr: 0x1000, FileSize: 0x100, MemSize: 0x200}
	require.True(t, SegmentOverlaps(a, &ProgramHeader{VAddr: 0x1100, PAddr: 0x1100, MemSize: 0x10}))
	require.False(t, SegmentOverlaps(a, &ProgramHeader{VAddr: 0x1200, PAddr: 0x1200, MemSize: 0x10}))
	// Overlapping virtual ranges loaded from different places.
	require.False(t, SegmentOverlaps(a, &ProgramHeader{VAddr: 0x1100, PAddr: 0x8000, MemSize: 0x10}))
}

func TestContainedBy(t *testing.T) {
	p := &ProgramHeader{Type: elf.PT_LOAD, VAddr: 0x1000, PAddr: 0x1000, FileSize: 0x100, MemSize: 0x200}
	e := Extent{Size: 0x80, Alloc: true}
	require.True(t, ContainedBy(e, 0x1180, p, 0x1000, 1))
	require.False(t, ContainedBy(e, 0x11c0, p, 0x1000, 1))
	require.False(t, ContainedBy(e, 0xf80, p, 0x1000, 1))
	// Octet addresses that wrap are never contained.
	require.False(t, ContainedBy(e, 1<<62, p, 0x1000, 8))
}

func TestSectionInInputSegment(t *testing.T) {
	load := &ProgramHeader{Type: elf.PT_LOAD, Offset: 0x1000, VAddr: 0x401000, PAddr: 0x401000, FileSize: 0x200, MemSize: 0x200}
	text := &Section{Name: ".text", VMA: 0x401000, LMA: 0x401000, Size: 0x100, Flags: textFlags, Type: elf.SHT_PROGBITS, FilePos: 0x1000}

	require.True(t, SectionInInputSegment(text, load, 1, false, false))
	require.False(t, SectionInInputSegment(text, load, 1, false, true))

	stack := &ProgramHeader{Type: elf.PT_GNU_STACK, VAddr: 0x401000, MemSize: 0x1000}
	require.False(t, SectionInInputSegment(text, stack, 1, true, false))

	tbss := &Section{Name: ".tbss", VMA: 0x401100, LMA: 0x401100, Size: 0x40, Flags: tbssFlags, Type: elf.SHT_NOBITS}
	dyn := &ProgramHeader{Type: elf.PT_DYNAMIC, VAddr: 0x401000, PAddr: 0x401000, MemSize: 0x200}
	require.False(t, SectionInInputSegment(tbss, dyn, 1, false, false))
}

func TestSolarisInterp(t *testing.T) {
	p := &ProgramHeader{Type: elf.PT_INTERP, Offset: 0x100, FileSize: 0x20}
	interp := &Section{Name: ".interp", Size: 0x1c, Flags: rodataFlags, FilePos: 0x100}
	require.True(t, SolarisInterp(p, interp))

	p.VAddr = 0x400100
	require.False(t, SolarisInterp(p, interp))
}
