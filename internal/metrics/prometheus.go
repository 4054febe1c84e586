package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "perp_market_sdk"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry  *prometheus.Registry
	collected map[string]prometheus.Counter
}

var counterDefs = []struct {
	name string
	help string
	bind func(*Metrics, Counter)
}{
	{"snapshots_built_total", "Total number of market snapshots built.", func(m *Metrics, c Counter) { m.SnapshotsBuilt = c }},
	{"snapshots_failed_total", "Total number of failed snapshot builds.", func(m *Metrics, c Counter) { m.SnapshotsFailed = c }},
	{"aggregation_omissions_total", "Total number of groups or pairs omitted from an aggregation after a failed read.", func(m *Metrics, c Counter) { m.AggregationOmissions = c }},
	{"registry_refreshes_total", "Total number of pair catalog fetches.", func(m *Metrics, c Counter) { m.RegistryRefreshes = c }},
	{"feed_reconnects_total", "Total number of scheduled price feed reconnects.", func(m *Metrics, c Counter) { m.FeedReconnects = c }},
	{"feed_messages_dropped_total", "Total number of malformed price feed messages dropped.", func(m *Metrics, c Counter) { m.FeedMessagesDropped = c }},
	{"feed_reconnect_exhausted_total", "Total number of times the price feed gave up reconnecting.", func(m *Metrics, c Counter) { m.FeedReconnectsExhausted = c }},
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	m := &Metrics{}
	collected := make(map[string]prometheus.Counter, len(counterDefs))
	for _, def := range counterDefs {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      def.name,
			Help:      def.help,
		})
		registry.MustRegister(counter)
		def.bind(m, promCounter{counter})
		collected[def.name] = counter
	}
	return &Prometheus{
		Metrics:   m,
		registry:  registry,
		collected: collected,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
