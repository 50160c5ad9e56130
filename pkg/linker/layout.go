package linker

import (
	"debug/elf"

	"github.com/go-kit/log/level"
	"github.com/samber/lo"
)

// Plan is the finished layout: program headers in table order plus what
// the ELF header and the emitter need.
type Plan struct {
	Headers           []ProgramHeader
	Phoff             uint64
	ProgramHeaderSize uint64
	PhentSize         uint64
	NextFilePos       uint64
	ZeroFill          []ZeroFill
	Warnings          []error
}

// AssignFileLayout runs both placement passes over an existing segment map.
func AssignFileLayout(ctx *Context) error {
	if err := AssignLoadPositions(ctx); err != nil {
		return err
	}
	if err := AssignNonLoadPositions(ctx); err != nil {
		return err
	}
	if ctx.Link != nil {
		ctx.checkPermissions()
	}
	return nil
}

// Layout builds or post-processes the segment map, assigns file positions
// and returns the resulting plan.
func Layout(ctx *Context) (*Plan, error) {
	if err := MapSectionsToSegments(ctx); err != nil {
		return nil, ctx.fail(err)
	}
	if err := AssignFileLayout(ctx); err != nil {
		return nil, ctx.fail(err)
	}
	return ctx.Plan(), nil
}

func (ctx *Context) fail(err error) error {
	ctx.Metrics.error(err)
	level.Error(ctx.Logger).Log("msg", "layout failed", "kind", KindOf(err), "err", err)
	return err
}

// Plan snapshots the current headers.
func (ctx *Context) Plan() *Plan {
	plan := &Plan{
		Headers:           make([]ProgramHeader, 0, len(ctx.Segments)),
		Phoff:             ctx.Phoff,
		ProgramHeaderSize: ctx.ProgramHeaderSize,
		PhentSize:         ctx.PhentSize,
		NextFilePos:       ctx.NextFilePos,
		ZeroFill:          append([]ZeroFill(nil), ctx.ZeroFill...),
	}
	for _, m := range ctx.Segments {
		plan.Headers = append(plan.Headers, m.Header)
	}
	if ctx.Warnings != nil {
		plan.Warnings = append(plan.Warnings, ctx.Warnings.Errors...)
	}
	return plan
}

// Loads returns the PT_LOAD headers of the plan.
func (p *Plan) Loads() []ProgramHeader {
	return lo.Filter(p.Headers, func(h ProgramHeader, _ int) bool {
		return h.Type == elf.PT_LOAD
	})
}
