// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/pkg/errors"
)

// ParameterSet is a Model backed by an ordered list of parameters with unique names.
type ParameterSet struct {
	params []*Parameter
	index  map[string]int
}

var _ Model = (*ParameterSet)(nil)

// NewParameterSet creates a ParameterSet with the given parameters, in order.
func NewParameterSet(params ...*Parameter) (*ParameterSet, error) {
	ps := &ParameterSet{index: make(map[string]int, len(params))}
	for _, p := range params {
		if err := ps.Add(p); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

// Add appends a parameter. It fails if the name is already in use.
func (ps *ParameterSet) Add(p *Parameter) error {
	if p == nil || p.Value == nil {
		return errors.New("ParameterSet.Add(): parameter and its value must be non-nil")
	}
	if _, found := ps.index[p.Name]; found {
		return errors.Errorf("ParameterSet.Add(): parameter %q already exists", p.Name)
	}
	ps.index[p.Name] = len(ps.params)
	ps.params = append(ps.params, p)
	return nil
}

// Get returns the parameter with the given name, or nil.
func (ps *ParameterSet) Get(name string) *Parameter {
	idx, found := ps.index[name]
	if !found {
		return nil
	}
	return ps.params[idx]
}

// Parameters implements Model.
func (ps *ParameterSet) Parameters() []*Parameter {
	return ps.params
}
