// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotImplemented is returned (wrapped) by UnimplementedTask methods a concrete task didn't override.
var ErrNotImplemented = errors.New("not implemented")

// Task is the contract between the Loop and a concrete training task.
//
// The Loop calls TrainStep once per micro-batch, backpropagates the returned loss, and then calls
// TrackGrad. Evaluate is called periodically, every `i_image` steps.
type Task interface {
	// TrainStep samples one observation, runs the forward pass and returns the loss and the metrics.
	TrainStep() (Loss, Metrics, error)

	// Evaluate runs an evaluation and writes any visualization it generates.
	Evaluate() error

	// TrackGrad inspects gradients after the backward pass. It must not change them.
	TrackGrad() error
}

// UnimplementedTask can be embedded by tasks: any method not overridden returns an error wrapping
// ErrNotImplemented.
type UnimplementedTask struct{}

// TrainStep implements Task.
func (UnimplementedTask) TrainStep() (Loss, Metrics, error) {
	return Loss{}, nil, errors.Wrap(ErrNotImplemented, "Task.TrainStep")
}

// Evaluate implements Task.
func (UnimplementedTask) Evaluate() error {
	return errors.Wrap(ErrNotImplemented, "Task.Evaluate")
}

// TrackGrad implements Task.
func (UnimplementedTask) TrackGrad() error {
	return errors.Wrap(ErrNotImplemented, "Task.TrackGrad")
}

// Loss of a micro-batch: its scalar value and the backward function that accumulates the
// gradients of `scale * Value` into the model parameters.
type Loss struct {
	Value    float64
	backward func(scale float64) error
}

// NewLoss creates a Loss with the given value and backward function.
func NewLoss(value float64, backward func(scale float64) error) Loss {
	return Loss{Value: value, backward: backward}
}

// Backward accumulates the gradients of `scale * Value` into the model parameters.
func (l Loss) Backward(scale float64) error {
	if l.backward == nil {
		return errors.New("Loss.Backward: loss has no backward function")
	}
	return l.backward(scale)
}

// Metric is a named scalar value.
type Metric struct {
	Name  string
	Value float64
}

// Metrics is an ordered list of metrics: insertion order is display order.
type Metrics []Metric

// Get returns the value of the named metric.
func (ms Metrics) Get(name string) (value float64, found bool) {
	for _, m := range ms {
		if m.Name == name {
			return m.Value, true
		}
	}
	return 0, false
}

// String implements fmt.Stringer.
func (ms Metrics) String() string {
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		parts = append(parts, fmt.Sprintf("%s: %.3f", m.Name, m.Value))
	}
	return strings.Join(parts, " ")
}

// FormatLogLine returns the periodic log line: the loss followed by every metric, in order.
func FormatLogLine(loss float64, metrics Metrics) string {
	line := fmt.Sprintf("loss: %.3f", loss)
	if len(metrics) > 0 {
		line += " " + metrics.String()
	}
	return line
}
