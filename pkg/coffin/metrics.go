package coffin

import (
	"fmt"
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
	"gonum.org/v1/gonum/spatial/r3"
)

// chainMetrics lives on a registry owned by one chain, so concurrent
// pathways never share counters.
type chainMetrics struct {
	registry *prometheus.Registry

	// proposals counts jumps by phase
	proposals *prometheus.CounterVec

	// accepts counts accepted jumps by phase
	accepts *prometheus.CounterVec

	// rejects counts rejected jumps by reason
	rejects *prometheus.CounterVec

	// std tracks the current proposal SD per control point and axis
	std *prometheus.GaugeVec

	// logPosterior tracks the log-posterior of the accepted state
	logPosterior prometheus.Gauge

	// samples counts kept samples
	samples prometheus.Counter

	// pathLength tracks the length of proposed paths
	pathLength prometheus.Histogram
}

func newChainMetrics(pathway string) *chainMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"pathway": pathway}

	m := &chainMetrics{registry: reg}
	m.proposals = factory.NewCounterVec(prometheus.CounterOpts{
		Name:        "tractmcmc_proposals_total",
		Help:        "Total proposed jumps by phase",
		ConstLabels: labels,
	}, []string{"phase"})
	m.accepts = factory.NewCounterVec(prometheus.CounterOpts{
		Name:        "tractmcmc_accepts_total",
		Help:        "Total accepted jumps by phase",
		ConstLabels: labels,
	}, []string{"phase"})
	m.rejects = factory.NewCounterVec(prometheus.CounterOpts{
		Name:        "tractmcmc_rejects_total",
		Help:        "Total rejected jumps by reason",
		ConstLabels: labels,
	}, []string{"reason"})
	m.std = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "tractmcmc_proposal_std",
		Help:        "Current proposal standard deviation in voxels",
		ConstLabels: labels,
	}, []string{"cpt", "axis"})
	m.logPosterior = factory.NewGauge(prometheus.GaugeOpts{
		Name:        "tractmcmc_log_posterior",
		Help:        "Log-posterior of the accepted state",
		ConstLabels: labels,
	})
	m.samples = factory.NewCounter(prometheus.CounterOpts{
		Name:        "tractmcmc_kept_samples_total",
		Help:        "Total samples kept for the posterior",
		ConstLabels: labels,
	})
	m.pathLength = factory.NewHistogram(prometheus.HistogramOpts{
		Name:        "tractmcmc_path_length_voxels",
		Help:        "Length of interpolated proposals in voxels",
		Buckets:     prometheus.ExponentialBuckets(8, 2, 8), // 8 to 1024
		ConstLabels: labels,
	})

	// zero series so every reason shows up in the dump
	for _, r := range rejectionReasons {
		m.rejects.WithLabelValues(r)
	}
	return m
}

func (m *chainMetrics) setStd(std []r3.Vec) {
	for i, s := range std {
		cpt := strconv.Itoa(i)
		m.std.WithLabelValues(cpt, "x").Set(s.X)
		m.std.WithLabelValues(cpt, "y").Set(s.Y)
		m.std.WithLabelValues(cpt, "z").Set(s.Z)
	}
}

// WriteText writes the chain's metrics in the Prometheus text format.
func (m *chainMetrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("error gathering metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("error encoding metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
