package linker

import (
	"debug/elf"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"seglayout/pkg/utils"
)

// TargetConfig overrides the built-in target and link policy. Zero values
// leave the built-in setting alone.
type TargetConfig struct {
	MaxPageSize   uint64 `toml:"max_page_size"`
	MinPageSize   uint64 `toml:"min_page_size"`
	PAlign        uint64 `toml:"p_align"`
	StackAlign    uint64 `toml:"stack_align"`
	OctetsPerByte uint64 `toml:"octets_per_byte"`
	NoPageAlias   *bool  `toml:"no_page_alias"`
	// S390PGSTE asks s390 targets for a PT_S390_PGSTE segment.
	S390PGSTE bool `toml:"s390_pgste"`

	SeparateCode bool   `toml:"separate_code"`
	LoadPhdrs    bool   `toml:"load_phdrs"`
	RelroStart   uint64 `toml:"relro_start"`
	RelroEnd     uint64 `toml:"relro_end"`
	StackSize    uint64 `toml:"stack_size"`
}

// LoadTargetConfig loads a target configuration from a TOML file.
func LoadTargetConfig(path string) (*TargetConfig, error) {
	var c TargetConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return &c, nil
}

func (c *TargetConfig) Validate() error {
	for _, v := range []struct {
		name string
		val  uint64
	}{
		{"max_page_size", c.MaxPageSize},
		{"min_page_size", c.MinPageSize},
		{"p_align", c.PAlign},
		{"stack_align", c.StackAlign},
	} {
		if v.val != 0 && !utils.IsPowerOfTwo(v.val) {
			return newLayoutError(BadValue, "%s %#x is not a power of two", v.name, v.val)
		}
	}
	if c.MinPageSize != 0 && c.MaxPageSize != 0 && c.MinPageSize > c.MaxPageSize {
		return newLayoutError(BadValue, "min_page_size %#x is larger than max_page_size %#x",
			c.MinPageSize, c.MaxPageSize)
	}
	if c.RelroStart > c.RelroEnd {
		return newLayoutError(BadValue, "relro range %#x-%#x is reversed", c.RelroStart, c.RelroEnd)
	}
	return nil
}

// Apply writes the configured values into t and link. link may be nil, in
// which case only the target is changed.
func (c *TargetConfig) Apply(t *Target, link *LinkInfo) {
	if c.MaxPageSize != 0 {
		t.MaxPageSize = c.MaxPageSize
	}
	if c.MinPageSize != 0 {
		t.MinPageSize = c.MinPageSize
	}
	if c.PAlign != 0 {
		t.PAlign = c.PAlign
	}
	if c.StackAlign != 0 {
		t.StackAlign = c.StackAlign
	}
	if c.OctetsPerByte != 0 {
		t.OctetsPerByte = c.OctetsPerByte
	}
	if c.NoPageAlias != nil {
		t.NoPageAlias = *c.NoPageAlias
	}
	if p, ok := t.Policy.(*s390Policy); ok {
		p.PGSTE = c.S390PGSTE
	}

	if link == nil {
		return
	}
	link.SeparateCode = c.SeparateCode
	link.LoadPhdrs = c.LoadPhdrs
	if c.MaxPageSize != 0 {
		link.MaxPageSize = c.MaxPageSize
		link.MaxPageSizeSet = true
	}
	if c.RelroEnd != 0 {
		link.Relro = &RelroRange{Start: c.RelroStart, End: c.RelroEnd}
	}
	if c.StackSize != 0 {
		if link.Stack == nil {
			link.Stack = &StackConfig{Flags: elf.PF_R | elf.PF_W}
		}
		link.Stack.Size = c.StackSize
	}
}
