package storage

import "github.com/prometheus/client_golang/prometheus"

// PersistFailures counts fire-and-forget writes that were dropped after a
// storage error. Callers that swallow a save error must bump this.
var PersistFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "webguard_persist_failures_total",
	Help: "Background persistence writes that failed, by record type.",
}, []string{"record"})

func init() {
	prometheus.MustRegister(PersistFailures)
}
