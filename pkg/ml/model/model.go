// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the boundary between the training loop and the scene representation it optimizes.
//
// A Model is anything that exposes an ordered list of named Parameter objects. Each parameter holds its
// current value and the gradient accumulated by the backward passes since the last optimizer update.
//
// The package also provides State, a detached snapshot of the model values that can be serialized
// by checkpoints and restored later, and ParameterSet, a generic in-memory Model.
package model

import (
	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Model is the scene representation being optimized.
//
// Parameters must return the same parameters, in the same order, every time it is called.
type Model interface {
	Parameters() []*Parameter
}

// Stateful can be optionally implemented by a Model whose state includes more than its parameters values
// (e.g.: accumulated densification statistics). If implemented, Snapshot and Restore use it.
type Stateful interface {
	StateDict() State
	LoadStateDict(state State) error
}

// Parameter is a named tensor of the model, plus its accumulated gradient.
type Parameter struct {
	Name  string
	Value *tensors.Tensor

	// Grad holds the accumulated gradient. It is nil if no backward pass reached this parameter
	// since the last ZeroGrad.
	Grad *tensors.Tensor

	// Trainable parameters are updated by the optimizer. Defaults to true.
	Trainable bool
}

// NewParameter creates a trainable parameter with the given value.
func NewParameter(name string, value *tensors.Tensor) *Parameter {
	return &Parameter{Name: name, Value: value, Trainable: true}
}

// AccumulateGrad adds scale*grad to the parameter gradient, creating it if it doesn't exist yet.
func (p *Parameter) AccumulateGrad(grad *tensors.Tensor, scale float32) error {
	if grad.Size() != p.Value.Size() {
		return errors.Errorf("parameter %q has shape %s, but received gradient of shape %s", p.Name, p.Value, grad)
	}
	if p.Grad == nil {
		p.Grad = tensors.New(p.Value.Shape()...)
	}
	return p.Grad.AddScaled(grad, scale)
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad = nil
}

// String implements fmt.Stringer.
func (p *Parameter) String() string {
	return p.Name + p.Value.String()
}

// TrainableParameters returns the trainable parameters of the model.
func TrainableParameters(m Model) []*Parameter {
	var params []*Parameter
	for _, p := range m.Parameters() {
		if p.Trainable {
			params = append(params, p)
		}
	}
	return params
}

// NumElements returns the total number of scalar values in the model parameters.
func NumElements(m Model) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Value.Size()
	}
	return total
}
