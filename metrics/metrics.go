// Package metrics holds the Prometheus collectors shared by the transport engine and the
// synchronized memory.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "swamp"

var (
	TransmittedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "transmitted_total",
			Help:      "Counter of requests handed to the bus.",
		}, []string{"channel"})

	Responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "responses_total",
			Help:      "Counter of inbound frames by outcome.",
		}, []string{"outcome"})

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "in_flight",
			Help:      "Requests transmitted and not yet answered, per engine.",
		}, []string{"engine"})

	FreeIDs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "free_ids",
			Help:      "Transaction ids available for allocation, per engine.",
		}, []string{"engine"})

	MemoryWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "syncmem",
			Name:      "writes_total",
			Help:      "Counter of write updates by result.",
		}, []string{"result"})

	HardwareReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "syncmem",
			Name:      "hardware_reads_total",
			Help:      "Counter of hardware-verified read calls by result.",
		}, []string{"result"})

	Resets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "syncmem",
			Name:      "resets_total",
			Help:      "Counter of memory resets by origin.",
		}, []string{"origin"})
)

// Response outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeError     = "error"
	OutcomeSpurious  = "spurious"
	OutcomeViolation = "violation"
)

func init() {
	prometheus.MustRegister(TransmittedRequests)
	prometheus.MustRegister(Responses)
	prometheus.MustRegister(InFlight)
	prometheus.MustRegister(FreeIDs)
	prometheus.MustRegister(MemoryWrites)
	prometheus.MustRegister(HardwareReads)
	prometheus.MustRegister(Resets)
}
