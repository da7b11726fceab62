// Package metrics exposes the Capability Table and per-channel Byte
// Stream state as a Prometheus collector, grounded on
// sockstats/pkg/exporter.TCPInfoCollector: a mutex-guarded map of active
// entries, scraped on demand from Collect rather than pushed.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ChannelStats is the subset of per-channel Byte Stream state worth
// exporting: bytes moved and the last observed error kind.
type ChannelStats struct {
	Channel   int
	SessionID string
	BytesSent uint64
	BytesRecv uint64
	LastError string
}

// CapabilitySnapshot is a read-only view of one capability table entry,
// decoupled from internal/capability to avoid an import cycle.
type CapabilitySnapshot struct {
	Name    string
	Enabled bool
	Value   uint32
}

// Source is implemented by whatever owns the live state; Collect calls
// back into it on every scrape. *rspclient.Client does not implement it
// directly (its Capabilities method returns the *capability.Table).
type Source interface {
	ChannelStats() []ChannelStats
	Capabilities() []CapabilitySnapshot
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	mu     sync.Mutex
	source Source

	bytesSent    *prometheus.Desc
	bytesRecv    *prometheus.Desc
	channelError *prometheus.Desc
	capability   *prometheus.Desc
}

// NewCollector builds a Collector that scrapes source on demand.
func NewCollector(prefix string, source Source) *Collector {
	return &Collector{
		source: source,
		bytesSent: prometheus.NewDesc(prefix+"_channel_bytes_sent_total",
			"Bytes sent on an RSP channel.", []string{"channel", "session"}, nil),
		bytesRecv: prometheus.NewDesc(prefix+"_channel_bytes_recv_total",
			"Bytes received on an RSP channel.", []string{"channel", "session"}, nil),
		channelError: prometheus.NewDesc(prefix+"_channel_last_error",
			"Last error kind observed on an RSP channel (0 if none).", []string{"channel", "session", "kind"}, nil),
		capability: prometheus.NewDesc(prefix+"_capability_enabled",
			"Whether an RSP capability is enabled after negotiation.", []string{"feature"}, nil),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.bytesSent
	descs <- c.bytesRecv
	descs <- c.channelError
	descs <- c.capability
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range c.source.ChannelStats() {
		ch := strconv.Itoa(st.Channel)
		metrics <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(st.BytesSent), ch, st.SessionID)
		metrics <- prometheus.MustNewConstMetric(c.bytesRecv, prometheus.CounterValue, float64(st.BytesRecv), ch, st.SessionID)
		errVal := 0.0
		if st.LastError != "" {
			errVal = 1.0
		}
		metrics <- prometheus.MustNewConstMetric(c.channelError, prometheus.GaugeValue, errVal, ch, st.SessionID, st.LastError)
	}

	for _, cap := range c.source.Capabilities() {
		v := 0.0
		if cap.Enabled {
			v = 1.0
		}
		metrics <- prometheus.MustNewConstMetric(c.capability, prometheus.GaugeValue, v, cap.Name)
	}
}
