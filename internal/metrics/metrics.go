// Package metrics exposes the worker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskworker"

// Collectors used across the scheduler and runners
var (
	// InFlight tracks leases currently being executed
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_flight_leases",
		Help:      "Number of leases currently being executed",
	})

	// TasksFetched counts leases returned by fetchAndLock
	TasksFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_fetched_total",
		Help:      "Leases returned by fetchAndLock",
	})

	// FetchErrors counts failed fetchAndLock calls
	FetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_errors_total",
		Help:      "Failed fetchAndLock calls",
	})

	// Reports counts terminal reports by kind
	Reports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_reports_total",
		Help:      "Terminal reports issued, by kind",
	}, []string{"kind"})

	// LockExtensions counts successful lock extensions
	LockExtensions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_extensions_total",
		Help:      "Successful lock extensions",
	})
)

// Report kinds
const (
	ReportComplete  = "complete"
	ReportFailure   = "failure"
	ReportBpmnError = "bpmnError"
	ReportLeaseLost = "leaseLost"
)
