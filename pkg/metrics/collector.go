package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes node-level metrics. Directory and host sizes are pulled
// through callbacks at scrape time; call counters are pushed by the host and
// proxy observers.
type Collector struct {
	GetDirectorySize func() int
	GetLocalServices func() int

	nodeInfo          *prometheus.Desc
	directoryServices *prometheus.Desc
	localServices     *prometheus.Desc

	callsTotal        *prometheus.Desc
	callFailuresTotal *prometheus.Desc
	recoveriesTotal   *prometheus.Desc

	dispatchTotal       *prometheus.Desc
	dispatchErrorsTotal *prometheus.Desc

	advertUpdatesTotal *prometheus.Desc

	peerID string
	ip     string

	metricsLock   sync.RWMutex
	calls         map[string]float64
	callFailures  map[string]float64
	recoveries    map[string]float64
	dispatches    map[string]float64
	dispatchErrs  map[string]float64 // keyed "service:kind"
	advertUpdates float64
}

// NewCollector creates a collector for one node.
func NewCollector(peerID, ip string, getDirectorySize, getLocalServices func() int) *Collector {
	return &Collector{
		GetDirectorySize: getDirectorySize,
		GetLocalServices: getLocalServices,
		peerID:           peerID,
		ip:               ip,

		nodeInfo: prometheus.NewDesc(
			"lanrpc_node_info",
			"Node identity information (always 1)",
			nil, prometheus.Labels{"peer_id": peerID, "ip": ip},
		),
		directoryServices: prometheus.NewDesc(
			"lanrpc_directory_services",
			"Number of remote service names currently known",
			nil, nil,
		),
		localServices: prometheus.NewDesc(
			"lanrpc_local_services",
			"Number of locally hosted service names",
			nil, nil,
		),
		callsTotal: prometheus.NewDesc(
			"lanrpc_calls_total",
			"Outbound calls by service name",
			[]string{"service"}, nil,
		),
		callFailuresTotal: prometheus.NewDesc(
			"lanrpc_call_failures_total",
			"Outbound calls that returned an error or timed out, by service name",
			[]string{"service"}, nil,
		),
		recoveriesTotal: prometheus.NewDesc(
			"lanrpc_recoveries_total",
			"Completed proxy recoveries by service name",
			[]string{"service"}, nil,
		),
		dispatchTotal: prometheus.NewDesc(
			"lanrpc_dispatch_total",
			"Inbound dispatched calls by service name",
			[]string{"service"}, nil,
		),
		dispatchErrorsTotal: prometheus.NewDesc(
			"lanrpc_dispatch_errors_total",
			"Inbound dispatch faults by service name and error kind",
			[]string{"service", "kind"}, nil,
		),
		advertUpdatesTotal: prometheus.NewDesc(
			"lanrpc_advert_updates_total",
			"Advertisement publications (adds and amendments)",
			nil, nil,
		),

		calls:        make(map[string]float64),
		callFailures: make(map[string]float64),
		recoveries:   make(map[string]float64),
		dispatches:   make(map[string]float64),
		dispatchErrs: make(map[string]float64),
	}
}

// RecordCall records one outbound call outcome.
func (c *Collector) RecordCall(service string, failed bool) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.calls[service]++
	if failed {
		c.callFailures[service]++
	}
}

// RecordRecovery records one completed proxy recovery.
func (c *Collector) RecordRecovery(service string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.recoveries[service]++
}

// RecordDispatch records one inbound dispatch and its error kind, if any.
func (c *Collector) RecordDispatch(service, errKind string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.dispatches[service]++
	if errKind != "" {
		c.dispatchErrs[service+":"+errKind]++
	}
}

// RecordAdvertUpdate records one advertisement publication.
func (c *Collector) RecordAdvertUpdate() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.advertUpdates++
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodeInfo
	ch <- c.directoryServices
	ch <- c.localServices
	ch <- c.callsTotal
	ch <- c.callFailuresTotal
	ch <- c.recoveriesTotal
	ch <- c.dispatchTotal
	ch <- c.dispatchErrorsTotal
	ch <- c.advertUpdatesTotal
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.nodeInfo, prometheus.GaugeValue, 1)

	if c.GetDirectorySize != nil {
		ch <- prometheus.MustNewConstMetric(c.directoryServices, prometheus.GaugeValue, float64(c.GetDirectorySize()))
	}
	if c.GetLocalServices != nil {
		ch <- prometheus.MustNewConstMetric(c.localServices, prometheus.GaugeValue, float64(c.GetLocalServices()))
	}

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for service, v := range c.calls {
		ch <- prometheus.MustNewConstMetric(c.callsTotal, prometheus.CounterValue, v, service)
	}
	for service, v := range c.callFailures {
		ch <- prometheus.MustNewConstMetric(c.callFailuresTotal, prometheus.CounterValue, v, service)
	}
	for service, v := range c.recoveries {
		ch <- prometheus.MustNewConstMetric(c.recoveriesTotal, prometheus.CounterValue, v, service)
	}
	for service, v := range c.dispatches {
		ch <- prometheus.MustNewConstMetric(c.dispatchTotal, prometheus.CounterValue, v, service)
	}
	for key, v := range c.dispatchErrs {
		service, kind := splitKey(key)
		ch <- prometheus.MustNewConstMetric(c.dispatchErrorsTotal, prometheus.CounterValue, v, service, kind)
	}
	ch <- prometheus.MustNewConstMetric(c.advertUpdatesTotal, prometheus.CounterValue, c.advertUpdates)
}

func splitKey(key string) (service, kind string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
