/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package optimizers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/pkg/errors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// AdamType is the State.Type of Adam optimizers.
	AdamType = "adam"

	adamSlotMoment1 = "exp_avg"
	adamSlotMoment2 = "exp_avg_sq"
	adamSlotStep    = "step"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an optimizers.Interface that can be used with the `train.Loop` or directly in a custom
// optimization loop.
//
// Each parameter keeps its own step count, so parameters that don't receive gradients in some
// updates are debiased correctly.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizers.Interface.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64 // Works as AdamW.
}

// LearningRate sets the base learning rate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	if value <= 0 {
		exceptions.Panicf("Adam: learning rate must be > 0, got %g", value)
	}
	c.learningRate = value
	return c
}

// Betas sets the moving average coefficients for the gradient (momentum) and for its square (variance).
// The defaults are 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	if beta1 < 0 || beta1 >= 1 || beta2 < 0 || beta2 >= 1 {
		exceptions.Panicf("Adam: betas must be in the range [0, 1), got (%g, %g)", beta1, beta2)
	}
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
// The default is 1e-8.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures the optimizer to work as AdamW, with the given decoupled weight decay.
// If set to 0, it is plain Adam (the default).
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that implements Adam.
func (c *AdamConfig) Done() Interface {
	return &adam{
		config:  *c,
		moment1: make(map[string]*tensors.Tensor),
		moment2: make(map[string]*tensors.Tensor),
		steps:   make(map[string]int),
	}
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	config           AdamConfig
	moment1, moment2 map[string]*tensors.Tensor
	steps            map[string]int
}

// Step implements Interface.
func (o *adam) Step(params []*model.Parameter) error {
	// Validate all first, so a failure doesn't leave the parameters half updated.
	for _, p := range params {
		if !p.Trainable || p.Grad == nil {
			continue
		}
		if p.Grad.Size() != p.Value.Size() {
			return errors.Errorf("Adam: parameter %q has shape %s, but gradient has shape %s", p.Name, p.Value, p.Grad)
		}
		if m1, found := o.moment1[p.Name]; found && m1.Size() != p.Value.Size() {
			return errors.Errorf("Adam: parameter %q has shape %s, but its moments have shape %s", p.Name, p.Value, m1)
		}
	}

	cfg := &o.config
	for _, p := range params {
		if !p.Trainable || p.Grad == nil {
			continue
		}
		m1, found := o.moment1[p.Name]
		if !found {
			m1 = tensors.New(p.Value.Shape()...)
			o.moment1[p.Name] = m1
			o.moment2[p.Name] = tensors.New(p.Value.Shape()...)
		}
		m2 := o.moment2[p.Name]
		step := o.steps[p.Name] + 1
		o.steps[p.Name] = step

		debias1 := 1 - math.Pow(cfg.beta1, float64(step))
		debias2 := 1 - math.Pow(cfg.beta2, float64(step))
		stepSize := cfg.learningRate / debias1
		values, grads := p.Value.Data(), p.Grad.Data()
		m1Data, m2Data := m1.Data(), m2.Data()
		for ii, g := range grads {
			grad := float64(g)
			mean := cfg.beta1*float64(m1Data[ii]) + (1-cfg.beta1)*grad
			variance := cfg.beta2*float64(m2Data[ii]) + (1-cfg.beta2)*grad*grad
			m1Data[ii], m2Data[ii] = float32(mean), float32(variance)
			value := float64(values[ii])
			if cfg.weightDecay > 0 {
				value -= cfg.learningRate * cfg.weightDecay * value
			}
			denominator := math.Sqrt(variance)/math.Sqrt(debias2) + cfg.epsilon
			values[ii] = float32(value - stepSize*mean/denominator)
		}
	}
	return nil
}

// ZeroGrad implements Interface.
func (o *adam) ZeroGrad(params []*model.Parameter) {
	ZeroGrad(params)
}

// State implements Interface.
func (o *adam) State() State {
	state := State{
		Type: AdamType,
		Hyperparameters: map[string]float64{
			"learning_rate": o.config.learningRate,
			"beta1":         o.config.beta1,
			"beta2":         o.config.beta2,
			"epsilon":       o.config.epsilon,
			"weight_decay":  o.config.weightDecay,
		},
	}
	for name, m1 := range sortedTensors(o.moment1) {
		state.Slots = append(state.Slots,
			model.NamedTensor{Name: SlotName(adamSlotMoment1, name), Value: m1.Clone()},
			model.NamedTensor{Name: SlotName(adamSlotMoment2, name), Value: o.moment2[name].Clone()},
			model.NamedTensor{Name: SlotName(adamSlotStep, name),
				Value: tensors.FromScalarAndDimensions(float32(o.steps[name]))},
		)
	}
	return state
}

// LoadState implements Interface.
func (o *adam) LoadState(state State) error {
	slots, err := checkSlots(AdamType, state, adamSlotMoment1, adamSlotMoment2, adamSlotStep)
	if err != nil {
		return err
	}
	moment1, moment2 := slots[adamSlotMoment1], slots[adamSlotMoment2]
	steps := make(map[string]int, len(moment1))
	if len(moment1) != len(moment2) || len(moment1) != len(slots[adamSlotStep]) {
		return errors.Errorf("Adam state has %d, %d and %d entries for %s, %s and %s: they must match",
			len(moment1), len(moment2), len(slots[adamSlotStep]), adamSlotMoment1, adamSlotMoment2, adamSlotStep)
	}
	for name, m1 := range moment1 {
		m2, found := moment2[name]
		if !found || !m1.SameShape(m2) {
			return errors.Errorf("Adam state for parameter %q has mismatching moments", name)
		}
		step, found := slots[adamSlotStep][name]
		if !found || step.Size() != 1 || step.Data()[0] < 0 {
			return errors.Errorf("Adam state for parameter %q has an invalid step", name)
		}
		steps[name] = int(step.Data()[0])
	}
	config := o.config
	config.learningRate = hyperparameter(state, "learning_rate", config.learningRate)
	config.beta1 = hyperparameter(state, "beta1", config.beta1)
	config.beta2 = hyperparameter(state, "beta2", config.beta2)
	config.epsilon = hyperparameter(state, "epsilon", config.epsilon)
	config.weightDecay = hyperparameter(state, "weight_decay", config.weightDecay)
	if config.learningRate <= 0 || config.beta1 < 0 || config.beta1 >= 1 || config.beta2 < 0 || config.beta2 >= 1 {
		return errors.Errorf("Adam state has invalid hyperparameters %v", state.Hyperparameters)
	}

	o.config, o.moment1, o.moment2, o.steps = config, moment1, moment2, steps
	return nil
}
