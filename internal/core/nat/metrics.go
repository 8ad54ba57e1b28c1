package nat

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-natd/pkg/types"
)

const metricsNamespace = "natd"

// Metrics 服务指标
//
// 所有方法对 nil 接收者安全，未配置 Registerer 时不采集。
type Metrics struct {
	entries       *prometheus.GaugeVec
	clients       prometheus.Gauge
	notifications *prometheus.CounterVec
	stunPackets   *prometheus.CounterVec
	reversals     *prometheus.CounterVec
	helperStatus  *prometheus.CounterVec
	haveNAT       prometheus.Gauge
}

// NewMetrics 创建并注册指标，reg 为 nil 时返回 nil
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "local_addresses",
			Help:      "Number of local address entries by source.",
		}, []string{"source"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "clients",
			Help:      "Number of connected clients.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "address_notifications_total",
			Help:      "Address change notifications sent to clients.",
		}, []string{"op"}),
		stunPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stun_packets_total",
			Help:      "STUN packets handled by result.",
		}, []string{"result"}),
		reversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reversal_requests_total",
			Help:      "Connection reversal requests by outcome.",
		}, []string{"outcome"}),
		helperStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "helper_status_total",
			Help:      "Helper failures by status code.",
		}, []string{"code"}),
		haveNAT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "behind_nat",
			Help:      "1 if a LAN-class interface address is present.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.entries, m.clients, m.notifications, m.stunPackets, m.reversals, m.helperStatus, m.haveNAT,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	for _, s := range types.Sources() {
		m.entries.WithLabelValues(s.String())
	}
	return m, nil
}

func (m *Metrics) entryAdded(s types.Source) {
	if m != nil {
		m.entries.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) entryRemoved(s types.Source) {
	if m != nil {
		m.entries.WithLabelValues(s.String()).Dec()
	}
}

func (m *Metrics) setClients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

func (m *Metrics) notified(add bool) {
	if m == nil {
		return
	}
	op := "remove"
	if add {
		op = "add"
	}
	m.notifications.WithLabelValues(op).Inc()
}

func (m *Metrics) stunResult(r StunResult) {
	if m != nil {
		m.stunPackets.WithLabelValues(r.String()).Inc()
	}
}

func (m *Metrics) reversal(outcome string) {
	if m != nil {
		m.reversals.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) helperFailure(code types.StatusCode) {
	if m != nil {
		m.helperStatus.WithLabelValues(code.String()).Inc()
	}
}

func (m *Metrics) setHaveNAT(v bool) {
	if m == nil {
		return
	}
	if v {
		m.haveNAT.Set(1)
	} else {
		m.haveNAT.Set(0)
	}
}
