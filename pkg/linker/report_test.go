package linker

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteSegmentTable(t *testing.T) {
	ctx := newTestContext(t, NewLinkInfo())
	addSections(ctx,
		section(".text", textFlags, 0x401000, 0x200, 16),
		section(".data", dataFlags, 0x402000, 0x40, 8),
	)
	plan, err := Layout(ctx)
	require.NoError(t, err)

	var buf bytes.Buffer
	WriteSegmentTable(&buf, plan.Headers, ctx)
	out := buf.String()
	for _, want := range []string{"LOAD", "GNU_STACK", ".text", ".data", "R E", "RW", "0x200 (512 B)"} {
		require.Contains(t, out, want)
	}

	buf.Reset()
	WriteSegmentTable(&buf, plan.Headers, nil)
	require.NotContains(t, buf.String(), ".text")
}

func TestProgTypeName(t *testing.T) {
	require.Equal(t, "LOAD", ProgTypeName(elf.PT_LOAD))
	require.Equal(t, "GNU_RELRO", ProgTypeName(elf.PT_GNU_RELRO))
	require.Equal(t, "GNU_MBIND", ProgTypeName(PT_GNU_MBIND_LO+3))
	require.Equal(t, "GNU_SFRAME", ProgTypeName(PT_GNU_SFRAME))
	require.Equal(t, "RWE", ProgFlagString(elf.PF_R|elf.PF_W|elf.PF_X))
	require.Equal(t, "R  ", ProgFlagString(elf.PF_R))
}

func TestWriteWarnings(t *testing.T) {
	ctx := newTestContext(t, nil)
	ctx.Warn("relro", "unable to allocate any sections to PT_GNU_RELRO segment")

	var buf bytes.Buffer
	WriteWarnings(&buf, ctx.Plan())
	require.Equal(t, "warning: unable to allocate any sections to PT_GNU_RELRO segment\n", buf.String())
}
