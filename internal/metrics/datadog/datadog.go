// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// The backend buffers metrics in memory, submits them on a periodic ticker,
// and submits one final time on Close(). Short one-shot pipeline runs get a
// single tail flush; long runs get an actual time series.
//
// Concurrency model:
//   - pipeline code calls IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets buffers under a mutex, then submits out of
//     the lock
//   - the flush loop calls Flush() periodically; Close() stops the loop
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"splashelt/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "elt".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:elt"}).
	Tags []string

	// FlushEvery controls submission cadence. If <= 0, defaults to 60s.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets these.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal slice of the Datadog SDK this backend needs.
// Depending on the interface instead of *datadogV2.MetricsApi keeps tests free
// of real HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counters map[metricKey]float64
	samples  map[metricKey][]float64
}

// metricKey identifies one buffered series: metric name plus its sorted,
// comma-joined label tags.
type metricKey struct {
	name string
	tags string
}

func keyFor(name string, labels metrics.Labels) metricKey {
	if len(labels) == 0 {
		return metricKey{name: name}
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+":"+v)
	}
	sort.Strings(parts)
	return metricKey{name: name, tags: strings.Join(parts, ",")}
}

func (k metricKey) tagList() []string {
	if k.tags == "" {
		return nil
	}
	return strings.Split(k.tags, ",")
}

// ParseTagsCSV splits "env:prod,service:elt" into a tag slice, dropping
// empties.
func ParseTagsCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client and
// starts its periodic flush goroutine.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "elt".
//   - Environment tag uses ENV then DD_ENV, otherwise env:unknown.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "elt"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counters:   make(map[metricKey]float64),
		samples:    make(map[metricKey][]float64),
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
// Call once at process shutdown.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	k := keyFor(name, labels)

	b.mu.Lock()
	b.counters[k] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	k := keyFor(name, labels)

	b.mu.Lock()
	b.samples[k] = append(b.samples[k], value)
	b.mu.Unlock()
}

// snapshotAndReset detaches the current buffers under the lock so payload
// building and submission can run outside it.
func (b *Backend) snapshotAndReset() (map[metricKey]float64, map[metricKey][]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counters, samples := b.counters, b.samples
	b.counters = make(map[metricKey]float64)
	b.samples = make(map[metricKey][]float64)
	return counters, samples
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Buffers are reset even if submission fails: dropping a window of metrics is
// preferable to blocking the pipeline or growing memory without bound.
func (b *Backend) Flush() error {
	counters, samples := b.snapshotAndReset()
	if len(counters) == 0 && len(samples) == 0 {
		return nil
	}

	ts := b.now().Unix()
	series := make([]datadogV2.MetricSeries, 0, len(counters)+len(samples)*3)

	for k, v := range counters {
		series = append(series, b.series(k.name, datadogV2.METRICINTAKETYPE_COUNT, v, ts, k.tagList()))
	}
	for k, vals := range samples {
		if len(vals) == 0 {
			continue
		}
		sum, max := 0.0, vals[0]
		for _, v := range vals {
			sum += v
			if v > max {
				max = v
			}
		}
		tags := k.tagList()
		series = append(series,
			b.series(k.name+".avg", datadogV2.METRICINTAKETYPE_GAUGE, sum/float64(len(vals)), ts, tags),
			b.series(k.name+".max", datadogV2.METRICINTAKETYPE_GAUGE, max, ts, tags),
			b.series(k.name+".count", datadogV2.METRICINTAKETYPE_COUNT, float64(len(vals)), ts, tags),
		)
	}

	payload := datadogV2.MetricPayload{Series: series}
	if _, _, err := b.api.SubmitMetrics(b.ctx, payload); err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

func (b *Backend) series(name string, typ datadogV2.MetricIntakeType, value float64, ts int64, extra []string) datadogV2.MetricSeries {
	tags := make([]string, 0, len(b.baseTags)+len(extra))
	tags = append(tags, b.baseTags...)
	tags = append(tags, extra...)

	return datadogV2.MetricSeries{
		Metric: name,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{{
			Timestamp: dd.PtrInt64(ts),
			Value:     dd.PtrFloat64(value),
		}},
		Tags: tags,
	}
}
