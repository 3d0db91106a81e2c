// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/pkg/errors"
)

const (
	// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
	SGDDefaultLearningRate = 0.1

	// SGDType is the State.Type of SGD optimizers.
	SGDType = "sgd"

	sgdSlotMomentum = "momentum_buffer"
)

// SGDConfig configures a Stochastic Gradient Descent optimizer.
type SGDConfig struct {
	learningRate float64
	momentum     float64
}

// StochasticGradientDescent creates an optimizer that performs SGD, optionally with momentum:
// `v = momentum * v + grad; param -= learning_rate * v`.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: SGDDefaultLearningRate}
}

// WithLearningRate sets the learning rate. The default value is SGDDefaultLearningRate.
//
// It returns itself to allow chaining.
func (c *SGDConfig) WithLearningRate(learningRate float64) *SGDConfig {
	if learningRate <= 0 {
		exceptions.Panicf("SGD: learning rate must be > 0, got %g", learningRate)
	}
	c.learningRate = learningRate
	return c
}

// WithMomentum sets the momentum. The default is 0 (no momentum).
//
// It returns itself to allow chaining.
func (c *SGDConfig) WithMomentum(momentum float64) *SGDConfig {
	if momentum < 0 || momentum >= 1 {
		exceptions.Panicf("SGD: momentum must be in the range [0, 1), got %g", momentum)
	}
	c.momentum = momentum
	return c
}

// Done returns the configured optimizers.Interface.
func (c *SGDConfig) Done() Interface {
	return &sgd{config: *c, buffers: make(map[string]*tensors.Tensor)}
}

type sgd struct {
	config  SGDConfig
	buffers map[string]*tensors.Tensor
}

// Step implements Interface.
func (o *sgd) Step(params []*model.Parameter) error {
	for _, p := range params {
		if p.Trainable && p.Grad != nil && p.Grad.Size() != p.Value.Size() {
			return errors.Errorf("SGD: parameter %q has shape %s, but gradient has shape %s", p.Name, p.Value, p.Grad)
		}
	}
	lr := float32(o.config.learningRate)
	for _, p := range params {
		if !p.Trainable || p.Grad == nil {
			continue
		}
		update := p.Grad
		if o.config.momentum > 0 {
			buffer, found := o.buffers[p.Name]
			if !found {
				buffer = p.Grad.Clone()
				o.buffers[p.Name] = buffer
			} else {
				data := buffer.Data()
				for ii, g := range p.Grad.Data() {
					data[ii] = float32(o.config.momentum)*data[ii] + g
				}
			}
			update = buffer
		}
		if err := p.Value.AddScaled(update, -lr); err != nil {
			return errors.WithMessagef(err, "SGD: updating parameter %q", p.Name)
		}
	}
	return nil
}

// ZeroGrad implements Interface.
func (o *sgd) ZeroGrad(params []*model.Parameter) {
	ZeroGrad(params)
}

// State implements Interface.
func (o *sgd) State() State {
	state := State{
		Type: SGDType,
		Hyperparameters: map[string]float64{
			"learning_rate": o.config.learningRate,
			"momentum":      o.config.momentum,
		},
	}
	for name, buffer := range sortedTensors(o.buffers) {
		state.Slots = append(state.Slots, model.NamedTensor{Name: SlotName(sgdSlotMomentum, name), Value: buffer.Clone()})
	}
	return state
}

// LoadState implements Interface.
func (o *sgd) LoadState(state State) error {
	slots, err := checkSlots(SGDType, state, sgdSlotMomentum)
	if err != nil {
		return err
	}
	config := o.config
	config.learningRate = hyperparameter(state, "learning_rate", config.learningRate)
	config.momentum = hyperparameter(state, "momentum", config.momentum)
	if config.learningRate <= 0 || config.momentum < 0 || config.momentum >= 1 {
		return errors.Errorf("SGD state has invalid hyperparameters %v", state.Hyperparameters)
	}
	o.config, o.buffers = config, slots[sgdSlotMomentum]
	return nil
}
