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

// Package optimizers implements a collection of optimizers that can be used by train.Loop,
// or by themselves. They all implement optimizers.Interface.
package optimizers

import (
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Step applies one update to every trainable parameter that has an accumulated gradient,
	// using the gradient as is. Parameters without gradients are skipped (and their state is not advanced).
	Step(params []*model.Parameter) error

	// ZeroGrad clears the accumulated gradients of params.
	ZeroGrad(params []*model.Parameter)

	// State returns a detached snapshot of the optimizer internal state, used by checkpoints.
	State() State

	// LoadState replaces the internal state. It validates state before changing anything: on error
	// the optimizer is left untouched.
	LoadState(state State) error
}

// State is the serializable state of an optimizer.
type State struct {
	// Type of the optimizer, e.g.: "adam". LoadState rejects states of another type.
	Type string

	// Hyperparameters like "learning_rate", "beta1", "beta2", "epsilon".
	Hyperparameters map[string]float64

	// Slots are the per-parameter tensors, named "<slot>/<parameter name>".
	Slots model.State
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	return State{Type: s.Type, Hyperparameters: maps.Clone(s.Hyperparameters), Slots: s.Slots.Clone()}
}

// SlotName returns the name of a slot for the given parameter.
func SlotName(slot, paramName string) string {
	return slot + "/" + paramName
}

// splitSlotName is the reverse of SlotName.
func splitSlotName(name string) (slot, paramName string, ok bool) {
	return strings.Cut(name, "/")
}

// ZeroGrad clears the gradients of params. Optimizers implement Interface.ZeroGrad with it.
func ZeroGrad(params []*model.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// checkSlots validates the slot names against the known slots and returns the slots indexed by slot name
// and parameter name.
func checkSlots(optType string, state State, knownSlots ...string) (map[string]map[string]*tensors.Tensor, error) {
	if state.Type != optType {
		return nil, errors.Errorf("cannot load optimizer state of type %q into a %q optimizer", state.Type, optType)
	}
	result := make(map[string]map[string]*tensors.Tensor, len(knownSlots))
	for _, slot := range knownSlots {
		result[slot] = make(map[string]*tensors.Tensor)
	}
	for _, entry := range state.Slots {
		slot, paramName, ok := splitSlotName(entry.Name)
		if !ok || paramName == "" {
			return nil, errors.Errorf("invalid %s optimizer slot name %q", optType, entry.Name)
		}
		bySlot, found := result[slot]
		if !found {
			return nil, errors.Errorf("unknown %s optimizer slot %q (in %q), valid slots are %q", optType, slot, entry.Name, knownSlots)
		}
		if entry.Value == nil {
			return nil, errors.Errorf("%s optimizer slot %q has no value", optType, entry.Name)
		}
		bySlot[paramName] = entry.Value.Clone()
	}
	return result, nil
}

// sortedTensors iterates over the map in name order.
func sortedTensors(m map[string]*tensors.Tensor) iter.Seq2[string, *tensors.Tensor] {
	return func(yield func(string, *tensors.Tensor) bool) {
		for _, name := range slices.Sorted(maps.Keys(m)) {
			if !yield(name, m[name]) {
				return
			}
		}
	}
}

// hyperparameter returns the value of key in state, or defaultValue if not set.
func hyperparameter(state State, key string, defaultValue float64) float64 {
	if v, found := state.Hyperparameters[key]; found {
		return v
	}
	return defaultValue
}

// Hyperparameters used to create optimizers by name.
type Hyperparameters struct {
	LearningRate float64
	Betas        [2]float64
}

// KnownOptimizers is a map of known optimizers by name to their constructors.
var KnownOptimizers = map[string]func(hp Hyperparameters) Interface{
	"sgd": func(hp Hyperparameters) Interface {
		return StochasticGradientDescent().WithLearningRate(hp.LearningRate).Done()
	},
	"adam": func(hp Hyperparameters) Interface {
		return Adam().LearningRate(hp.LearningRate).Betas(hp.Betas[0], hp.Betas[1]).Done()
	},
	"adamw": func(hp Hyperparameters) Interface {
		return Adam().LearningRate(hp.LearningRate).Betas(hp.Betas[0], hp.Betas[1]).WeightDecay(0.004).Done()
	},
}

// ByName returns an optimizer given the name, or panics if one does not exist.
// It uses KnownOptimizers, in case one wants to better handle invalid values.
func ByName(optName string, hp Hyperparameters) Interface {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		exceptions.Panicf("Unknown optimizer %q, valid values are %v.", optName, slices.Sorted(maps.Keys(KnownOptimizers)))
	}
	return optBuilder(hp)
}
