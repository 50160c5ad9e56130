package linker

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Segments *prometheus.CounterVec
	Warnings *prometheus.CounterVec
	Errors   *prometheus.CounterVec
	Rewrites *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seglayout_segments_total",
			Help: "Total number of program headers in the segment maps built",
		}, []string{"type"}),
		Warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seglayout_warnings_total",
			Help: "Total number of non-fatal layout problems",
		}, []string{"kind"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seglayout_errors_total",
			Help: "Total number of layouts that failed",
		}, []string{"kind"}),
		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seglayout_rewrites_total",
			Help: "Total number of input segment maps carried over, by copy or rewrite",
		}, []string{"mode"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Segments,
			m.Warnings,
			m.Errors,
			m.Rewrites,
		)
	}

	return m
}

func (m *Metrics) segments(segs []*Segment) {
	if m == nil {
		return
	}
	for _, seg := range segs {
		m.Segments.WithLabelValues(ProgTypeName(seg.Type)).Inc()
	}
}

func (m *Metrics) warning(kind string) {
	if m == nil {
		return
	}
	m.Warnings.WithLabelValues(kind).Inc()
}

func (m *Metrics) error(err error) {
	if m == nil || err == nil {
		return
	}
	m.Errors.WithLabelValues(KindOf(err).String()).Inc()
}

func (m *Metrics) rewrite(mode string) {
	if m == nil {
		return
	}
	m.Rewrites.WithLabelValues(mode).Inc()
}
