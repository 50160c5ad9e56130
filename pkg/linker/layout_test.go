package linker

import (
	"bytes"
	"debug/elf"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"seglayout/pkg/utils"
)

// randomSections returns a deterministic run of non-overlapping sections
// in ascending address order.
func randomSections(seed int64, n int) []Section {
	rng := rand.New(rand.NewSource(seed))
	kinds := []struct {
		name  string
		flags SectionFlags
	}{
		{".text", textFlags},
		{".rodata", rodataFlags},
		{".data", dataFlags},
		{".bss", bssFlags},
	}

	var sections []Section
	addr := uint64(0x400000)
	for i := 0; i < n; i++ {
		kind := kinds[rng.Intn(len(kinds))]
		align := uint64(1) << rng.Intn(7)
		addr = utils.AlignTo(addr+uint64(rng.Intn(0x3000)), align)
		size := uint64(rng.Intn(0x2000) + 1)
		s := section(kind.name, kind.flags, addr, size, align)
		s.Name = kind.name + "." + string(rune('a'+i))
		sections = append(sections, s)
		addr += size
	}
	return sections
}

// randomLinkInfo returns nil for a tool layout or a linker policy with a
// random mix of separate code, loaded headers, relro and stack size.
func randomLinkInfo(rng *rand.Rand, sections []Section) *LinkInfo {
	if rng.Intn(4) == 0 {
		return nil
	}
	link := NewLinkInfo()
	link.SeparateCode = rng.Intn(2) == 0
	link.LoadPhdrs = rng.Intn(2) == 0
	if rng.Intn(2) == 0 {
		s := sections[rng.Intn(len(sections))]
		link.Relro = &RelroRange{Start: s.VMA, End: utils.AlignTo(s.VMA+s.Size, 0x1000)}
	}
	if rng.Intn(2) == 0 {
		link.Stack.Size = 0x100000
	}
	return link
}

// requireNoVAddrOverlap checks that the memory images of loads are disjoint.
func requireNoVAddrOverlap(t *testing.T, loads []ProgramHeader, msgAndArgs ...interface{}) {
	loads = append([]ProgramHeader(nil), loads...)
	sort.Slice(loads, func(i, j int) bool { return loads[i].VAddr < loads[j].VAddr })
	for i := 1; i < len(loads); i++ {
		if loads[i].MemSize == 0 || loads[i-1].MemSize == 0 {
			continue
		}
		require.LessOrEqual(t, loads[i-1].MemEnd(), loads[i].VAddr, msgAndArgs...)
	}
}

func TestLayoutProperties(t *testing.T) {
	for seed := int64(1); seed <= 400; seed++ {
		sections := randomSections(seed, 12)
		link := randomLinkInfo(rand.New(rand.NewSource(seed)), sections)
		ctx := newTestContext(t, link)
		addSections(ctx, sections...)

		plan, err := Layout(ctx)
		require.NoError(t, err, "seed %d", seed)
		if link == nil {
			require.Empty(t, plan.Warnings, "seed %d", seed)
		}

		loads := plan.Loads()
		for _, p := range loads {
			require.True(t, utils.IsPowerOfTwo(p.Align), "seed %d", seed)
			require.Equal(t, p.VAddr%p.Align, p.Offset%p.Align, "seed %d: %+v", seed, p)
			require.LessOrEqual(t, p.FileSize, p.MemSize, "seed %d", seed)
		}

		// File images of PT_LOADs don't overlap.
		sort.Slice(loads, func(i, j int) bool { return loads[i].Offset < loads[j].Offset })
		for i := 1; i < len(loads); i++ {
			if loads[i].FileSize == 0 || loads[i-1].FileSize == 0 {
				continue
			}
			require.LessOrEqual(t, loads[i-1].FileEnd(), loads[i].Offset, "seed %d", seed)
		}
		requireNoVAddrOverlap(t, loads, "seed %d", seed)

		// Every allocated section is inside the PT_LOAD that owns it.
		opb := ctx.opb()
		seen := make(map[SectionID]bool)
		for _, m := range ctx.Segments {
			if m.Type != elf.PT_LOAD {
				continue
			}
			for _, id := range m.Members {
				seen[id] = true
				e := ctx.Section(id).Extent(opb)
				require.True(t, SectionInSegment(e, &m.Header, true, false),
					"seed %d: %s not in %+v", seed, ctx.Section(id).Name, m.Header)
			}
		}
		for i := range ctx.Sections {
			if ctx.Sections[i].IsAlloc() {
				require.True(t, seen[SectionID(i)], "seed %d: %s not mapped", seed, ctx.Sections[i].Name)
			}
		}
	}
}

var ignoreWarnings = cmpopts.IgnoreFields(Plan{}, "Warnings")

func warningStrings(p *Plan) []string {
	var ret []string
	for _, err := range p.Warnings {
		ret = append(ret, err.Error())
	}
	return ret
}

func TestLayoutDeterministic(t *testing.T) {
	build := func() *Plan {
		link := NewLinkInfo()
		link.Relro = &RelroRange{Start: 0x401000, End: 0x401800}
		ctx := newTestContext(t, link)
		addSections(ctx, randomSections(7, 16)...)
		plan, err := Layout(ctx)
		require.NoError(t, err)
		return plan
	}
	a, b := build(), build()
	if diff := cmp.Diff(a, b, ignoreWarnings); diff != "" {
		t.Errorf("layouts differ (-first +second):\n%s", diff)
	}
	require.Equal(t, warningStrings(a), warningStrings(b))

	// Placing an existing map again gives the same answer.
	ctx := newTestContext(t, nil)
	addSections(ctx, randomSections(3, 10)...)
	first, err := Layout(ctx)
	require.NoError(t, err)
	require.NoError(t, AssignFileLayout(ctx))
	if diff := cmp.Diff(first, ctx.Plan(), ignoreWarnings); diff != "" {
		t.Errorf("second placement differs (-first +second):\n%s", diff)
	}
}

func TestBssBeforeData(t *testing.T) {
	ctx := newTestContext(t, nil)
	ids := addSections(ctx,
		section(".data", dataFlags, 0x2000, 0x10, 8),
		section(".bss", bssFlags, 0x2010, 0x30, 8),
	)
	// A user supplied map may put contents after zero fill.
	late := ctx.AddSection(section(".data.late", dataFlags, 0x2040, 0x10, 8))
	ctx.Segments = []*Segment{NewSegment(elf.PT_LOAD, ids[0], ids[1], late)}

	plan, err := Layout(ctx)
	require.NoError(t, err)
	require.Len(t, plan.Loads(), 1)
	p := plan.Loads()[0]
	require.Equal(t, uint64(0x50), p.FileSize)
	require.Equal(t, uint64(0x50), p.MemSize)

	require.Equal(t, []ZeroFill{{Offset: ctx.Section(ids[1]).FilePos, Size: 0x30}}, plan.ZeroFill)
	require.Equal(t, ctx.Section(ids[1]).FilePos+0x30, ctx.Section(late).FilePos)
}

func TestEmitReadableByDebugElf(t *testing.T) {
	for _, tc := range []struct {
		name   string
		target *Target
	}{
		{"elf64 little endian", NewTarget(elf.EM_X86_64, elf.ELFCLASS64, elf.ELFDATA2LSB)},
		{"elf32 big endian", NewTarget(elf.EM_PPC, elf.ELFCLASS32, elf.ELFDATA2MSB)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := NewContext(tc.target, nil)
			ctx.Logger = newTestingLogger(t)
			addSections(ctx,
				section(".text", textFlags, 0x10001000, 0x200, 16),
				section(".data", dataFlags, 0x10002000, 0x40, 8),
				section(".bss", bssFlags, 0x10002040, 0x100, 8),
				section(".comment", SecHasContents|SecReadOnly, 0, 0x20, 1),
			)

			plan, err := Layout(ctx)
			require.NoError(t, err)
			buf, err := Emit(ctx, plan, ImageHeader{Entry: 0x10001000})
			require.NoError(t, err)

			f, err := elf.NewFile(bytes.NewReader(buf))
			require.NoError(t, err)
			require.Equal(t, tc.target.Class, f.Class)
			require.Equal(t, tc.target.Data, f.Data)
			require.Equal(t, elf.ET_EXEC, f.Type)
			require.Equal(t, uint64(0x10001000), f.Entry)

			require.Len(t, f.Progs, len(plan.Headers))
			for i, prog := range f.Progs {
				h := plan.Headers[i]
				require.Equal(t, h.Type, prog.Type)
				require.Equal(t, h.Flags, prog.Flags)
				require.Equal(t, h.Offset, prog.Off)
				require.Equal(t, h.VAddr, prog.Vaddr)
				require.Equal(t, h.FileSize, prog.Filesz)
				require.Equal(t, h.MemSize, prog.Memsz)
			}

			for _, name := range []string{".text", ".data", ".bss", ".comment", ".shstrtab"} {
				require.NotNil(t, f.Section(name), name)
			}
			text, err := f.Section(".text").Data()
			require.NoError(t, err)
			require.Equal(t, fill(0x200, byte(len(".text"))), text)
			require.Equal(t, elf.SHT_NOBITS, f.Section(".bss").Type)
		})
	}
}

func TestReadEmittedImage(t *testing.T) {
	ctx := newTestContext(t, nil)
	addSections(ctx,
		section(".text", textFlags, 0x401000, 0x200, 16),
		section(".data", dataFlags, 0x401210, 0x50, 8),
		section(".bss", bssFlags, 0x401260, 0x100, 8),
	)
	plan, err := Layout(ctx)
	require.NoError(t, err)
	buf, err := Emit(ctx, plan, ImageHeader{})
	require.NoError(t, err)

	obj, err := NewObjectFile(&File{Name: "a.out", Contents: buf}, ctx.Target)
	require.NoError(t, err)
	require.True(t, obj.Paged)
	require.Equal(t, elf.EM_X86_64, obj.Machine)
	if diff := cmp.Diff(plan.Headers, obj.Phdrs); diff != "" {
		t.Errorf("program headers mismatch (-emitted +read):\n%s", diff)
	}

	var names []string
	for _, s := range obj.Sections {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{".text", ".data", ".bss", ".shstrtab"}, names)
	for i, want := range ctx.Sections[:3] {
		got := obj.Sections[i]
		require.Equal(t, want.VMA, got.VMA, want.Name)
		require.Equal(t, want.LMA, got.LMA, want.Name)
		require.Equal(t, want.Flags, got.Flags, want.Name)
		require.Equal(t, want.FilePos, got.FilePos, want.Name)
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := NewInputFile(&File{Name: "junk", Contents: make([]byte, 16)})
	require.Error(t, err)

	_, err = NewInputFile(&File{Name: "junk", Contents: append([]byte(elf.ELFMAG), make([]byte, 60)...)})
	require.Error(t, err)
}
