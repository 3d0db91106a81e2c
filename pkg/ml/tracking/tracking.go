// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking records the training metrics of a run (experiment tracking).
//
// The FileTracker appends the metrics as plot points to TrainingPlotFileName in the results folder,
// and records the hyperparameters of the run in HyperparametersFileName. The points can later be loaded
// with LoadPoints, printed as a table or plotted with PlotPoints.
package tracking

import (
	"context"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/gsplat/pkg/ml/train"
	"github.com/gomlx/gsplat/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	// HyperparametersFileName is the file within the results folder with the run information and hyperparameters.
	HyperparametersFileName = "hyperparameters.yaml"

	// InstrumentationName used for the meter.
	InstrumentationName = "github.com/gomlx/gsplat/pkg/ml/tracking"

	// MetricHistogramName is the name of the histogram that records every tracked value.
	MetricHistogramName = "gsplat.tracking.metric"

	// LossMetricName is the name of the point with the total loss of the update.
	LossMetricName = "loss"

	// TrackingPriority of the hooks registered by Attach: after evaluation, before checkpointing.
	TrackingPriority train.Priority = 20
)

// Tracker records the metrics of a training run.
type Tracker interface {
	// Start a run with the given project name and hyperparameters (any YAML serializable value).
	Start(project string, hyperparameters any) error

	// Log the metrics at the given global step.
	Log(step int, metrics train.Metrics) error

	// Close flushes and releases the tracker. It can be called more than once.
	Close() error
}

// RunInfo is the contents of HyperparametersFileName.
type RunInfo struct {
	RunID           string    `yaml:"run_id"`
	Project         string    `yaml:"project"`
	StartedAt       time.Time `yaml:"started_at"`
	Hyperparameters any       `yaml:"hyperparameters"`
}

// FileTracker implements Tracker by appending plot points to a file in a directory.
type FileTracker struct {
	dir       string
	runID     string
	histogram metric.Float64Histogram

	pointWriter chan<- Point
	errReport   <-chan error
	closeOnce   sync.Once
	closeErr    error
}

var _ Tracker = (*FileTracker)(nil)

// Option for NewFileTracker.
type Option func(t *FileTracker)

// WithMeterProvider sets the provider of the meter used for the metrics histogram.
// The default is the global provider (otel.GetMeterProvider()).
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(t *FileTracker) { t.histogram = newHistogram(mp) }
}

func newHistogram(mp metric.MeterProvider) metric.Float64Histogram {
	histogram, err := mp.Meter(InstrumentationName).Float64Histogram(
		MetricHistogramName,
		metric.WithDescription("Training metrics recorded by the tracker"),
	)
	if err != nil {
		klog.Warningf("tracking: failed to create histogram %q, metrics won't be exported: %v", MetricHistogramName, err)
		return nil
	}
	return histogram
}

// NewFileTracker creates a tracker that writes into dir, creating it if needed.
func NewFileTracker(dir string, options ...Option) (*FileTracker, error) {
	resolved, err := fsutil.EnsureDir(dir, 0770)
	if err != nil {
		return nil, errors.WithMessage(err, "tracking.NewFileTracker()")
	}
	t := &FileTracker{dir: resolved}
	for _, option := range options {
		option(t)
	}
	if t.histogram == nil {
		t.histogram = newHistogram(otel.GetMeterProvider())
	}
	return t, nil
}

// RunID returns the unique id of the run, set by Start.
func (t *FileTracker) RunID() string {
	return t.runID
}

// Dir returns the directory where the tracking files are written.
func (t *FileTracker) Dir() string {
	return t.dir
}

// Start implements Tracker: it assigns a new run id and writes HyperparametersFileName.
func (t *FileTracker) Start(project string, hyperparameters any) error {
	if t.pointWriter != nil {
		return errors.Errorf("tracking: run %s already started", t.runID)
	}
	t.runID = uuid.NewString()
	info := RunInfo{
		RunID:           t.runID,
		Project:         project,
		StartedAt:       time.Now(),
		Hyperparameters: hyperparameters,
	}
	path := filepath.Join(t.dir, HyperparametersFileName)
	err := fsutil.WriteFileAtomic(path, 0660, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(info); err != nil {
			return errors.Wrap(err, "encoding run information")
		}
		return enc.Close()
	})
	if err != nil {
		return errors.WithMessagef(err, "tracking: writing %q", path)
	}
	t.pointWriter, t.errReport = createPointsWriter(filepath.Join(t.dir, TrainingPlotFileName))
	klog.V(1).Infof("tracking run %s of %q in %q", t.runID, project, t.dir)
	return nil
}

// MetricType returns the type of the metric: "quality" for PSNR/SSIM-like metrics, "loss" otherwise.
func MetricType(name string) string {
	if strings.Contains(strings.ToLower(name), "psnr") {
		return "quality"
	}
	return "loss"
}

// Log implements Tracker. Non-finite values are skipped.
func (t *FileTracker) Log(step int, metrics train.Metrics) error {
	if t.pointWriter == nil {
		return errors.New("tracking: Log() called before Start()")
	}
	for _, m := range metrics {
		if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			continue
		}
		t.pointWriter <- Point{
			MetricName: m.Name,
			Short:      m.Name,
			MetricType: MetricType(m.Name),
			Step:       float64(step),
			Value:      m.Value,
		}
		if t.histogram != nil {
			t.histogram.Record(context.Background(), m.Value, metric.WithAttributes(
				attribute.String("metric", m.Name),
				attribute.String("run_id", t.runID)))
		}
	}
	return nil
}

// Close implements Tracker: it flushes the points file and returns any error that happened while writing it.
func (t *FileTracker) Close() error {
	t.closeOnce.Do(func() {
		if t.pointWriter == nil {
			return
		}
		close(t.pointWriter)
		t.closeErr = <-t.errReport
	})
	return t.closeErr
}

// Attach registers hooks on the loop that start the tracker with the loop configuration, log the loss and
// metrics every n steps and at the end of the run, and close the tracker.
func Attach(loop *train.Loop, tracker Tracker, project string, n int) {
	lastLogged := -1
	logMetrics := func(loop *train.Loop, loss float64, metrics train.Metrics) error {
		if loop.Step == lastLogged {
			return nil
		}
		lastLogged = loop.Step
		all := append(train.Metrics{{Name: LossMetricName, Value: loss}}, metrics...)
		return tracker.Log(loop.Step, all)
	}
	loop.OnStart("tracking", TrackingPriority, func(loop *train.Loop) error {
		return tracker.Start(project, loop.Config)
	})
	train.EveryNSteps(loop, n, "tracking", TrackingPriority, logMetrics)
	loop.OnEnd("tracking", TrackingPriority, func(loop *train.Loop, loss float64, metrics train.Metrics) error {
		if err := logMetrics(loop, loss, metrics); err != nil {
			return err
		}
		return tracker.Close()
	})
}
