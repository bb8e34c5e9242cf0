// Package metrics is a minimal pluggable metrics facade.
//
// Pipeline code records counters and histograms through package-level helpers
// and never imports a vendor SDK. A process installs at most one Backend at
// startup (SetBackend); the default backend discards everything, so metrics
// can stay disabled with zero branching at call sites.
package metrics

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Labels are free-form metric dimensions (e.g. {"phase": "extract"}).
type Labels map[string]string

// Backend receives recorded metrics. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

// holder keeps the stored concrete type constant across SetBackend
// calls; atomic.Value panics when successive stores differ in type.
type holder struct{ b Backend }

var backend atomic.Value

func init() { backend.Store(holder{nopBackend{}}) }

// SetBackend installs b as the process-wide backend. Call once at startup,
// before any pipeline work begins.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	backend.Store(holder{b})
}

func current() Backend { return backend.Load().(holder).b }

// IncCounter adds delta to the named counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of the named distribution.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush forces buffered metrics out to the backend's sink.
func Flush() error { return current().Flush() }

// RecordPhase records the outcome of one pipeline phase.
func RecordPhase(phase, status string, records int, dur time.Duration) {
	l := Labels{"phase": phase, "status": status}
	IncCounter("elt.phase.runs", 1, l)
	IncCounter("elt.phase.records", float64(records), l)
	ObserveHistogram("elt.phase.duration_seconds", dur.Seconds(), l)
}

// RecordHTTP records one API request attempt.
func RecordHTTP(job string, status int, err error, dur time.Duration, size int64) {
	l := Labels{"job": job, "status": strconv.Itoa(status)}
	IncCounter("elt.http.requests", 1, l)
	if err != nil {
		IncCounter("elt.http.errors", 1, l)
	}
	ObserveHistogram("elt.http.duration_seconds", dur.Seconds(), l)
	if size >= 0 {
		ObserveHistogram("elt.http.response_bytes", float64(size), l)
	}
}
