package stub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the stub's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	sessions       prometheus.Counter
	activeSessions prometheus.Gauge
	commands       *prometheus.CounterVec
	mutations      prometheus.Counter
	dumpBytes      prometheus.Counter
	sessionErrors  *prometheus.CounterVec
}

// NewMetrics registers the stub's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "covstub",
			Name:      "sessions_total",
			Help:      "Total number of accepted sessions",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "covstub",
			Name:      "active_sessions",
			Help:      "Number of sessions currently being served",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "covstub",
			Name:      "commands_total",
			Help:      "Commands received by command byte",
		}, []string{"command"}),
		mutations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "covstub",
			Name:      "map_mutations_total",
			Help:      "Times a dump bumped the unstable counter",
		}),
		dumpBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "covstub",
			Name:      "dump_bytes_total",
			Help:      "Coverage map bytes written to clients",
		}),
		sessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "covstub",
			Name:      "session_errors_total",
			Help:      "Sessions that ended with an error, by kind",
		}, []string{"kind"}),
	}
}

func (me *Metrics) sessionStarted() {
	if me == nil {
		return
	}
	me.sessions.Inc()
	me.activeSessions.Inc()
}

func (me *Metrics) sessionEnded(err error) {
	if me == nil {
		return
	}
	me.activeSessions.Dec()
	if err != nil {
		me.sessionErrors.WithLabelValues(errorKind(err)).Inc()
	}
}

func (me *Metrics) command(c byte) {
	if me == nil {
		return
	}
	me.commands.WithLabelValues(commandLabel(c)).Inc()
}

func (me *Metrics) dumped(n int, mutated bool) {
	if me == nil {
		return
	}
	me.dumpBytes.Add(float64(n))
	if mutated {
		me.mutations.Inc()
	}
}

func commandLabel(c byte) string {
	switch c {
	case CommandReset:
		return "reset"
	case CommandDump:
		return "dump"
	default:
		return "invalid"
	}
}
