package monitoring

import (
	"errors"
	"time"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Metrics.
type PrometheusCollector struct {
	peers            *prometheus.GaugeVec
	activeSwitches   *prometheus.CounterVec
	roundTrips       *prometheus.HistogramVec
	remoteErrors     *prometheus.CounterVec
	positionResyncs  *prometheus.CounterVec
	rejectedCommands *prometheus.CounterVec
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the controller metrics with reg, or with
// the default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mprisctl_peers",
			Help: "Number of tracked player peers by state",
		}, []string{"state"}),

		activeSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mprisctl_active_switches_total",
			Help: "Active peer changes by reason",
		}, []string{"reason"}),

		roundTrips: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mprisctl_bus_round_trip_seconds",
			Help:    "Duration of bus round-trips",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "outcome"}),

		remoteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mprisctl_bus_remote_errors_total",
			Help: "Failed bus round-trips by method",
		}, []string{"method"}),

		positionResyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mprisctl_position_resyncs_total",
			Help: "Position refetches by trigger",
		}, []string{"reason"}),

		rejectedCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mprisctl_rejected_commands_total",
			Help: "Commands refused locally before reaching a peer",
		}, []string{"command", "reason"}),
	}
}

func (c *PrometheusCollector) SetPeers(state domain.PeerState, count int) {
	c.peers.WithLabelValues(string(state)).Set(float64(count))
}

func (c *PrometheusCollector) IncActiveSwitches(reason string) {
	c.activeSwitches.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) ObserveRoundTrip(method string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		c.remoteErrors.WithLabelValues(method).Inc()
	}
	c.roundTrips.WithLabelValues(method, outcome).Observe(d.Seconds())
}

func (c *PrometheusCollector) IncPositionResyncs(reason string) {
	c.positionResyncs.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) IncRejectedCommands(command string, err error) {
	c.rejectedCommands.WithLabelValues(command, rejectReason(err)).Inc()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotAllowed):
		return "not_allowed"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, domain.ErrInvalidValue):
		return "invalid_value"
	case errors.Is(err, domain.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, domain.ErrUnknownProperty):
		return "unknown_property"
	case errors.Is(err, domain.ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, domain.ErrNoActivePeer):
		return "no_active_peer"
	}
	return "other"
}
