// Package health exposes the running core's state over HTTP: a small JSON
// /status document for operators, and a Prometheus /metrics endpoint for
// the adapter lock state, TS Filter throughput, and cache service count.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plextuner/plex-tuner/internal/adapter"
	"github.com/plextuner/plex-tuner/internal/cache"
	"github.com/plextuner/plex-tuner/internal/tsfilter"
)

// Monitor collects live values from the core's subsystems on every scrape
// rather than polling in the background; each Collect call reads the
// current Adapter/Filter/Cache state directly.
type Monitor struct {
	Adapter *adapter.Adapter
	Filter  *tsfilter.Filter
	Cache   *cache.Cache

	lockedDesc       *prometheus.Desc
	bitrateDesc      *prometheus.Desc
	filteredDesc     *prometheus.Desc
	processedDesc    *prometheus.Desc
	outputDesc       *prometheus.Desc
	sinkErrorsDesc   *prometheus.Desc
	serviceCountDesc *prometheus.Desc
}

// NewMonitor returns a Monitor wired to the given subsystems. Any of them
// may be nil; Collect skips the metrics that need a nil dependency.
func NewMonitor(a *adapter.Adapter, f *tsfilter.Filter, c *cache.Cache) *Monitor {
	return &Monitor{
		Adapter: a,
		Filter:  f,
		Cache:   c,
		lockedDesc: prometheus.NewDesc(
			"dvbcore_adapter_locked", "1 if the frontend reports a lock, else 0.", nil, nil),
		bitrateDesc: prometheus.NewDesc(
			"dvbcore_tsfilter_bitrate_bps", "Rolling bitrate of the TS Filter's read loop.", nil, nil),
		filteredDesc: prometheus.NewDesc(
			"dvbcore_pidfilter_filtered_total", "Packets a PID Filter's predicate matched.", []string{"filter"}, nil),
		processedDesc: prometheus.NewDesc(
			"dvbcore_pidfilter_processed_total", "Packets run through a PID Filter's processor.", []string{"filter"}, nil),
		outputDesc: prometheus.NewDesc(
			"dvbcore_pidfilter_output_total", "Packets a PID Filter's sink accepted.", []string{"filter"}, nil),
		sinkErrorsDesc: prometheus.NewDesc(
			"dvbcore_pidfilter_sink_errors_total", "Non-fatal sink write errors.", []string{"filter"}, nil),
		serviceCountDesc: prometheus.NewDesc(
			"dvbcore_cache_services", "Services currently held in the cache.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.lockedDesc
	ch <- m.bitrateDesc
	ch <- m.filteredDesc
	ch <- m.processedDesc
	ch <- m.outputDesc
	ch <- m.sinkErrorsDesc
	ch <- m.serviceCountDesc
}

// Collect implements prometheus.Collector.
func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	if m.Adapter != nil {
		locked := 0.0
		if m.Adapter.Status().Locked {
			locked = 1.0
		}
		ch <- prometheus.MustNewConstMetric(m.lockedDesc, prometheus.GaugeValue, locked)
	}
	if m.Filter != nil {
		ch <- prometheus.MustNewConstMetric(m.bitrateDesc, prometheus.GaugeValue, m.Filter.BitrateBps())
		for _, pf := range m.Filter.Filters() {
			ch <- prometheus.MustNewConstMetric(m.filteredDesc, prometheus.CounterValue, float64(pf.Stats.Filtered), pf.Name)
			ch <- prometheus.MustNewConstMetric(m.processedDesc, prometheus.CounterValue, float64(pf.Stats.Processed), pf.Name)
			ch <- prometheus.MustNewConstMetric(m.outputDesc, prometheus.CounterValue, float64(pf.Stats.Output), pf.Name)
			ch <- prometheus.MustNewConstMetric(m.sinkErrorsDesc, prometheus.CounterValue, float64(pf.Stats.SinkErrors), pf.Name)
		}
	}
	if m.Cache != nil {
		ch <- prometheus.MustNewConstMetric(m.serviceCountDesc, prometheus.GaugeValue, float64(len(m.Cache.Services())))
	}
}

// statusDoc is the /status endpoint's JSON body.
type statusDoc struct {
	AdapterLocked bool         `json:"adapter_locked"`
	BitrateBps    float64      `json:"bitrate_bps"`
	Services      int          `json:"services"`
	Outputs       []outputStat `json:"outputs"`
}

type outputStat struct {
	Name       string `json:"name"`
	Filtered   int64  `json:"filtered"`
	Processed  int64  `json:"processed"`
	Output     int64  `json:"output"`
	SinkErrors int64  `json:"sink_errors"`
}

// StatusHandler serves a point-in-time JSON snapshot of the core's state.
func (m *Monitor) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := statusDoc{}
		if m.Adapter != nil {
			doc.AdapterLocked = m.Adapter.Status().Locked
		}
		if m.Filter != nil {
			doc.BitrateBps = m.Filter.BitrateBps()
			for _, pf := range m.Filter.Filters() {
				doc.Outputs = append(doc.Outputs, outputStat{
					Name:       pf.Name,
					Filtered:   pf.Stats.Filtered,
					Processed:  pf.Stats.Processed,
					Output:     pf.Stats.Output,
					SinkErrors: pf.Stats.SinkErrors,
				})
			}
		}
		if m.Cache != nil {
			doc.Services = len(m.Cache.Services())
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	})
}

// Mux returns an http.ServeMux serving /status (JSON) and /metrics
// (Prometheus text exposition) from this Monitor.
func (m *Monitor) Mux() *http.ServeMux {
	reg := prometheus.NewRegistry()
	reg.MustRegister(m)

	mux := http.NewServeMux()
	mux.Handle("/status", m.StatusHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
