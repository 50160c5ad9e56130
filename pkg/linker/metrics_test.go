package linker

import (
	"debug/elf"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLayoutMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	link := NewLinkInfo()
	link.OverrideSegmentAssignment = func(*Context, SectionID, SectionID, bool) bool { return false }
	ctx := newTestContext(t, link)
	ctx.Metrics = metrics
	addSections(ctx,
		section(".text", textFlags, 0x1000, 0x200, 16),
		section(".data", dataFlags, 0x1210, 0x50, 8),
	)
	_, err := Layout(ctx)
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Segments.WithLabelValues("LOAD")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Segments.WithLabelValues("GNU_STACK")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Warnings.WithLabelValues("permissions")))

	ctx = newTestContext(t, nil)
	ctx.Metrics = metrics
	ids := addSections(ctx,
		section(".data", dataFlags, 0x3000, 0x10, 8),
		section(".dynamic", dataFlags, 0x3010, 0x100, 8),
	)
	ctx.Segments = []*Segment{
		NewSegment(elf.PT_LOAD, ids...),
		NewSegment(elf.PT_DYNAMIC, ids...),
	}
	_, err = Layout(ctx)
	require.Error(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Errors.WithLabelValues("bad value")))

	_, obj := emitTestImage(t)
	ctx, isecs := NewCopyContext(obj, NewTarget(obj.Machine, obj.Class, obj.Data), CopyOptions{})
	ctx.Metrics = metrics
	_, err = Reconstruct(ctx, obj, isecs)
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Rewrites.WithLabelValues(ModeCopy)))

	// LOAD, GNU_STACK and DYNAMIC.
	require.Equal(t, 3, testutil.CollectAndCount(metrics.Segments))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.segments([]*Segment{NewSegment(elf.PT_LOAD)})
	m.warning("permissions")
	m.error(newLayoutError(Sorry, "nope"))
	m.rewrite(ModeCopy)
}
