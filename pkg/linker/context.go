package linker

import (
	"debug/elf"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type RelroRange struct {
	Start uint64
	End   uint64
}

type StackConfig struct {
	Flags elf.ProgFlag
	Size  uint64
}

// SegmentOverride may overturn the decision to start a new segment
// between prev and next.
type SegmentOverride func(ctx *Context, next, prev SectionID, newSegment bool) bool

// LinkInfo carries the policy a linker passes down. A nil LinkInfo means
// the layout is done for a tool that is not a linker.
type LinkInfo struct {
	SeparateCode bool
	// LoadPhdrs maps the file and program headers with the first PT_LOAD.
	LoadPhdrs bool
	Relro     *RelroRange
	Stack     *StackConfig
	// MaxPageSizeSet means MaxPageSize came from the user and must show
	// up in p_align.
	MaxPageSizeSet bool
	MaxPageSize    uint64
	// UserPhdrs means Segments came from a script and is not rebuilt.
	UserPhdrs bool
	// PhdrCount reserves room for at least that many program headers.
	PhdrCount int

	OverrideSegmentAssignment SegmentOverride
}

func NewLinkInfo() *LinkInfo {
	return &LinkInfo{
		Stack: &StackConfig{Flags: elf.PF_R | elf.PF_W},
	}
}

// ZeroFill is file space inside a PT_LOAD that must read as zero.
type ZeroFill struct {
	Offset uint64
	Size   uint64
}

// Context holds everything one output file's layout needs.
type Context struct {
	Target *Target
	Link   *LinkInfo

	Type  elf.Type
	Paged bool
	// GNUMBind is set when the output uses the GNU OSABI mbind extension.
	GNUMBind bool

	Sections []Section
	Segments []*Segment

	EhdrSize  uint64
	PhentSize uint64
	// ProgramHeaderSize is the byte size of the program header table.
	ProgramHeaderSize uint64
	Phoff             uint64
	NextFilePos       uint64
	ZeroFill          []ZeroFill
	// CopiedPageSize stands in for the target page size when segments
	// are rebuilt from an input file.
	CopiedPageSize uint64

	Buf []byte

	Logger   log.Logger
	Metrics  *Metrics
	Warnings *multierror.Error

	names map[string]SectionID
}

func NewContext(target *Target, link *LinkInfo) *Context {
	ehdr, phent := HeaderSizes(target.Class)
	return &Context{
		Target:    target,
		Link:      link,
		Type:      elf.ET_EXEC,
		Paged:     true,
		EhdrSize:  ehdr,
		PhentSize: phent,
		Logger:    log.NewNopLogger(),
	}
}

// AddSection appends s to the arena and returns its id.
func (ctx *Context) AddSection(s Section) SectionID {
	s.inferType()
	if s.Addralign == 0 {
		s.Addralign = 1
	}
	id := SectionID(len(ctx.Sections))
	if s.Index == 0 {
		s.Index = int(id) + 1
	}
	ctx.Sections = append(ctx.Sections, s)
	if ctx.names == nil {
		ctx.names = make(map[string]SectionID)
	}
	if _, ok := ctx.names[s.Name]; !ok {
		ctx.names[s.Name] = id
	}
	return id
}

func (ctx *Context) Section(id SectionID) *Section {
	return &ctx.Sections[id]
}

// SectionByName returns the first section called name.
func (ctx *Context) SectionByName(name string) (SectionID, bool) {
	id, ok := ctx.names[name]
	return id, ok
}

func (ctx *Context) MaxPageSize() uint64 {
	size := ctx.Target.MaxPageSize
	if ctx.Link != nil && ctx.Link.MaxPageSize != 0 {
		size = ctx.Link.MaxPageSize
	} else if ctx.CopiedPageSize != 0 {
		size = ctx.CopiedPageSize
	}
	if size == 0 {
		size = 1
	}
	return size
}

func (ctx *Context) IsCore() bool {
	return ctx.Type == elf.ET_CORE
}

func (ctx *Context) opb() uint64 {
	return ctx.Target.opb()
}

func (ctx *Context) addrMask() uint64 {
	if ctx.Target.Class == elf.ELFCLASS32 {
		return 0xffffffff
	}
	return ^uint64(0)
}

// Warn records a problem that does not stop the layout.
func (ctx *Context) Warn(kind string, format string, args ...any) {
	err := errors.Errorf(format, args...)
	ctx.Warnings = multierror.Append(ctx.Warnings, err)
	level.Warn(ctx.Logger).Log("msg", err.Error(), "kind", kind)
	ctx.Metrics.warning(kind)
}

func (ctx *Context) debug(keyvals ...any) {
	level.Debug(ctx.Logger).Log(keyvals...)
}
