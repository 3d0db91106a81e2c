// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package profiler measures named regions of the training step (sampling, rendering, backward pass,
// optimizer update, evaluation, …).
//
// Each region becomes an OpenTelemetry span, nested under the enclosing region if any, and its
// duration is recorded in a histogram. The Harness also aggregates the durations per region name,
// and reports them in a table sorted by total time.
//
// A disabled (or nil) Harness simply calls the wrapped functions.
package profiler

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gsplat/ui/tables"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

const (
	// InstrumentationName used for the tracer and the meter.
	InstrumentationName = "github.com/gomlx/gsplat/pkg/ml/profiler"

	// DurationHistogramName is the name of the histogram with the regions durations, in seconds.
	DurationHistogramName = "gsplat.profiler.region.duration"

	// RegionAttribute is the attribute key with the region name in the histogram records.
	RegionAttribute = "region"

	// DefaultRowLimit is the default number of rows in the Report.
	DefaultRowLimit = 10
)

// RegionStats aggregates the executions of a region.
type RegionStats struct {
	Name   string
	Calls  int
	Errors int
	Total  time.Duration
	Max    time.Duration
}

// Mean duration of the region.
func (s RegionStats) Mean() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Calls)
}

// Harness profiles named regions.
type Harness struct {
	enabled   bool
	rowLimit  int
	tracer    trace.Tracer
	histogram metric.Float64Histogram

	mu    sync.Mutex
	stack []context.Context
	stats map[string]*RegionStats
}

// Option for New.
type Option func(h *harnessConfig)

type harnessConfig struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	rowLimit       int
}

// WithTracerProvider sets the provider of the tracer used for the regions spans.
// The default is the global provider (otel.GetTracerProvider()).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *harnessConfig) { c.tracerProvider = tp }
}

// WithMeterProvider sets the provider of the meter used for the durations histogram.
// The default is the global provider (otel.GetMeterProvider()).
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *harnessConfig) { c.meterProvider = mp }
}

// WithRowLimit sets the maximum number of regions listed in the Report. Defaults to DefaultRowLimit.
// If <= 0, all regions are listed.
func WithRowLimit(n int) Option {
	return func(c *harnessConfig) { c.rowLimit = n }
}

// New creates a Harness. If enabled is false, regions are not measured.
func New(enabled bool, options ...Option) *Harness {
	cfg := &harnessConfig{rowLimit: DefaultRowLimit}
	for _, option := range options {
		option(cfg)
	}
	h := &Harness{
		enabled:  enabled,
		rowLimit: cfg.rowLimit,
		stats:    make(map[string]*RegionStats),
	}
	if !enabled {
		return h
	}
	tp := cfg.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := cfg.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	h.tracer = tp.Tracer(InstrumentationName)
	histogram, err := mp.Meter(InstrumentationName).Float64Histogram(
		DurationHistogramName,
		metric.WithDescription("Duration of the profiled regions of the training loop"),
		metric.WithUnit("s"),
	)
	if err != nil {
		klog.Warningf("profiler: failed to create histogram %q, durations won't be exported: %v", DurationHistogramName, err)
	} else {
		h.histogram = histogram
	}
	return h
}

// Enabled returns whether the harness is measuring regions.
func (h *Harness) Enabled() bool {
	return h != nil && h.enabled
}

// Region runs fn as the named region and returns its error. Regions can be nested: a region started
// inside fn becomes a child span of this one.
func (h *Harness) Region(name string, fn func() error) error {
	if !h.Enabled() {
		return fn()
	}

	h.mu.Lock()
	parent := context.Background()
	if len(h.stack) > 0 {
		parent = h.stack[len(h.stack)-1]
	}
	ctx, span := h.tracer.Start(parent, name)
	h.stack = append(h.stack, ctx)
	h.mu.Unlock()

	start := time.Now()
	var err error
	defer func() {
		elapsed := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if h.histogram != nil {
			h.histogram.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String(RegionAttribute, name)))
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		h.stack = h.stack[:len(h.stack)-1]
		stats, found := h.stats[name]
		if !found {
			stats = &RegionStats{Name: name}
			h.stats[name] = stats
		}
		stats.Calls++
		stats.Total += elapsed
		stats.Max = max(stats.Max, elapsed)
		if err != nil {
			stats.Errors++
		}
	}()
	err = fn()
	return err
}

// Stats returns the aggregated statistics of all regions, sorted by decreasing total time.
func (h *Harness) Stats() []RegionStats {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	result := make([]RegionStats, 0, len(h.stats))
	for _, s := range h.stats {
		result = append(result, *s)
	}
	slices.SortFunc(result, func(a, b RegionStats) int {
		if c := cmp.Compare(b.Total, a.Total); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return result
}

// Report returns a table with the regions that took the most time, up to the configured row limit.
// It returns an empty string if nothing was measured.
func (h *Harness) Report() string {
	stats := h.Stats()
	if len(stats) == 0 {
		return ""
	}
	if h.rowLimit > 0 && len(stats) > h.rowLimit {
		stats = stats[:h.rowLimit]
	}
	table := tables.NewPlain(lipgloss.Left, lipgloss.Right)
	table.Headers("Region", "Calls", "Total", "Mean", "Max", "Errors")
	for _, s := range stats {
		table.Row(s.Name, fmt.Sprint(s.Calls), tables.FormatDuration(s.Total),
			tables.FormatDuration(s.Mean()), tables.FormatDuration(s.Max), fmt.Sprint(s.Errors))
	}
	return table.String()
}

// Close logs the Report, if there is anything to report.
func (h *Harness) Close() error {
	if !h.Enabled() {
		return nil
	}
	if report := h.Report(); report != "" {
		klog.Infof("Profiling results (sorted by total time):\n%s", report)
	}
	return nil
}
