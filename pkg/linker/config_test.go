package linker

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "target.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadTargetConfig(t *testing.T) {
	path := writeConfig(t, `
max_page_size = 0x10000
p_align = 0x1000
stack_align = 16
no_page_alias = false
separate_code = true
load_phdrs = true
relro_start = 0x402000
relro_end = 0x403000
stack_size = 0x800000
`)
	cfg, err := LoadTargetConfig(path)
	require.NoError(t, err)

	target := NewTarget(elf.EM_PARISC, elf.ELFCLASS64, elf.ELFDATA2MSB)
	link := NewLinkInfo()
	cfg.Apply(target, link)

	require.Equal(t, uint64(0x10000), target.MaxPageSize)
	require.Equal(t, uint64(0x1000), target.MinPageSize)
	require.Equal(t, uint64(0x1000), target.PAlign)
	require.Equal(t, uint64(16), target.StackAlign)
	require.False(t, target.NoPageAlias)

	require.True(t, link.SeparateCode)
	require.True(t, link.LoadPhdrs)
	require.True(t, link.MaxPageSizeSet)
	require.Equal(t, uint64(0x10000), link.MaxPageSize)
	require.Equal(t, &RelroRange{Start: 0x402000, End: 0x403000}, link.Relro)
	require.Equal(t, &StackConfig{Flags: elf.PF_R | elf.PF_W, Size: 0x800000}, link.Stack)
}

func TestEmptyConfigKeepsDefaults(t *testing.T) {
	cfg, err := LoadTargetConfig(writeConfig(t, ""))
	require.NoError(t, err)

	target := NewTarget(elf.EM_PARISC, elf.ELFCLASS64, elf.ELFDATA2MSB)
	link := NewLinkInfo()
	cfg.Apply(target, link)
	require.Equal(t, NewTarget(elf.EM_PARISC, elf.ELFCLASS64, elf.ELFDATA2MSB), target)
	require.Equal(t, NewLinkInfo(), link)
}

func TestInvalidConfig(t *testing.T) {
	for name, body := range map[string]string{
		"page size":      "max_page_size = 0x3000",
		"stack align":    "stack_align = 24",
		"min over max":   "max_page_size = 0x1000\nmin_page_size = 0x2000",
		"reversed relro": "relro_start = 0x2000\nrelro_end = 0x1000",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadTargetConfig(writeConfig(t, body))
			require.Error(t, err)
			require.True(t, IsKind(err, BadValue), "%v", err)
		})
	}

	_, err := LoadTargetConfig(writeConfig(t, "max_page_size = [1"))
	require.Error(t, err)
	require.False(t, IsKind(err, BadValue))

	_, err = LoadTargetConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
