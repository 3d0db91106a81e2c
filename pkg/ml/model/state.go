// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NamedTensor is an entry of a State.
type NamedTensor struct {
	Name  string
	Value *tensors.Tensor
}

// State is an ordered snapshot of named tensors. It owns its tensors: they are never shared with
// the live model.
type State []NamedTensor

// Get returns the tensor with the given name, or nil if not present.
func (s State) Get(name string) *tensors.Tensor {
	for _, entry := range s {
		if entry.Name == name {
			return entry.Value
		}
	}
	return nil
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	result := make(State, len(s))
	for ii, entry := range s {
		result[ii] = NamedTensor{Name: entry.Name, Value: entry.Value.Clone()}
	}
	return result
}

// Snapshot returns a detached copy of the model state.
func Snapshot(m Model) State {
	if stateful, ok := m.(Stateful); ok {
		return stateful.StateDict().Clone()
	}
	params := m.Parameters()
	state := make(State, 0, len(params))
	for _, p := range params {
		state = append(state, NamedTensor{Name: p.Name, Value: p.Value.Clone()})
	}
	return state
}

// Restore overwrites the model values with the ones in state.
//
// Every entry is validated before anything is changed: on error the model is left untouched.
// The state must have exactly the model parameters, with matching shapes.
func Restore(m Model, state State) error {
	if stateful, ok := m.(Stateful); ok {
		return stateful.LoadStateDict(state.Clone())
	}
	params := m.Parameters()
	if len(state) != len(params) {
		return errors.Errorf("state has %d entries, but model has %d parameters", len(state), len(params))
	}
	byName := make(map[string]*tensors.Tensor, len(state))
	for _, entry := range state {
		if _, found := byName[entry.Name]; found {
			return errors.Errorf("state has duplicate entry %q", entry.Name)
		}
		byName[entry.Name] = entry.Value
	}
	for _, p := range params {
		value, found := byName[p.Name]
		if !found {
			return errors.Errorf("state is missing parameter %q", p.Name)
		}
		if !p.Value.SameShape(value) {
			return errors.Errorf("state entry %q has shape %s, but model parameter has shape %s", p.Name, value, p.Value)
		}
	}
	for _, p := range params {
		if err := p.Value.CopyFrom(byName[p.Name]); err != nil {
			return errors.WithMessagef(err, "while restoring parameter %q", p.Name)
		}
	}
	return nil
}
