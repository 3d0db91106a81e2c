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

// Package tensors implement a `Tensor`, a dense multidimensional array of float32 values.
//
// Tensors are used to exchange images, depth maps, scene parameters, gradients and optimizer state
// between the training loop and its collaborators (renderer, optimizer, checkpoints).
//
// There are various ways to construct a Tensor:
//
//   - New(dimensions ...int): creates a tensor with the given dimensions, and zero values.
//
//   - FromFlatDataAndDimensions(data []float32, dimensions ...int): creates a Tensor with the
//     given dimensions, using the given flat data (row-major) as its storage. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromScalarAndDimensions(value float32, dimensions ...int): creates a Tensor filled with value.
//
// The storage is always local (Go memory). Data() returns the underlying slice, so it can be
// mutated in place by the owner of the tensor.
package tensors

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tensor is a dense row-major array of float32 values.
type Tensor struct {
	dimensions []int
	data       []float32
}

// sizeOf returns the number of elements for the given dimensions, and panics if any is negative.
func sizeOf(dimensions []int) int {
	size := 1
	for axis, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("tensors: invalid negative dimension %d for axis %d in %v", dim, axis, dimensions)
		}
		size *= dim
	}
	return size
}

// New creates a zero-initialized tensor with the given dimensions.
// A tensor with no dimensions is a scalar.
func New(dimensions ...int) *Tensor {
	return &Tensor{
		dimensions: slices.Clone(dimensions),
		data:       make([]float32, sizeOf(dimensions)),
	}
}

// FromFlatDataAndDimensions creates a tensor that uses data as its storage: it is not copied.
//
// It panics if len(data) doesn't match the dimensions.
func FromFlatDataAndDimensions(data []float32, dimensions ...int) *Tensor {
	size := sizeOf(dimensions)
	if len(data) != size {
		exceptions.Panicf("tensors: flat data has %d elements, but dimensions %v require %d", len(data), dimensions, size)
	}
	return &Tensor{dimensions: slices.Clone(dimensions), data: data}
}

// FromScalarAndDimensions creates a tensor with the given dimensions filled with value.
func FromScalarAndDimensions(value float32, dimensions ...int) *Tensor {
	t := New(dimensions...)
	t.Fill(value)
	return t
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.dimensions)
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.dimensions) }

// Dim returns the dimension of the given axis. Negative axes are counted from the end.
func (t *Tensor) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += len(t.dimensions)
	}
	if adjusted < 0 || adjusted >= len(t.dimensions) {
		exceptions.Panicf("tensors: axis %d out of range for tensor of rank %d", axis, len(t.dimensions))
	}
	return t.dimensions[adjusted]
}

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the underlying flat storage (row-major). Changes to it change the tensor.
func (t *Tensor) Data() []float32 { return t.data }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{dimensions: slices.Clone(t.dimensions), data: slices.Clone(t.data)}
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float32) {
	for ii := range t.data {
		t.data[ii] = value
	}
}

// SameShape returns whether both tensors have exactly the same dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return other != nil && slices.Equal(t.dimensions, other.dimensions)
}

// CheckDims returns an error if the tensor dimensions are not the given ones.
// A negative value in dimensions matches any dimension for that axis.
func (t *Tensor) CheckDims(dimensions ...int) error {
	if len(dimensions) != len(t.dimensions) {
		return errors.Errorf("tensor %s has rank %d, wanted rank %d (%v)", t, len(t.dimensions), len(dimensions), dimensions)
	}
	for axis, dim := range dimensions {
		if dim >= 0 && t.dimensions[axis] != dim {
			return errors.Errorf("tensor %s has dimension %d on axis %d, wanted %d", t, t.dimensions[axis], axis, dim)
		}
	}
	return nil
}

// CopyFrom copies the values of other into t. Both must have the same shape.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if !t.SameShape(other) {
		return errors.Errorf("cannot copy tensor %s into tensor %s: shapes differ", other, t)
	}
	copy(t.data, other.data)
	return nil
}

// AddScaled adds scale*other into t, element-wise. Both must have the same number of elements.
func (t *Tensor) AddScaled(other *Tensor, scale float32) error {
	if other.Size() != t.Size() {
		return errors.Errorf("cannot add tensor %s into tensor %s: sizes differ", other, t)
	}
	for ii, v := range other.data {
		t.data[ii] += scale * v
	}
	return nil
}

// AbsMax returns the largest absolute value of the tensor, or 0 for empty tensors.
func (t *Tensor) AbsMax() float32 {
	var result float32
	for _, v := range t.data {
		if a := float32(math.Abs(float64(v))); a > result {
			result = a
		}
	}
	return result
}

// CountEqual returns the number of elements at the same position with the same value.
// Tensors of different sizes have 0 equal elements.
func (t *Tensor) CountEqual(other *Tensor) int {
	if other == nil || other.Size() != t.Size() {
		return 0
	}
	count := 0
	for ii, v := range t.data {
		if other.data[ii] == v {
			count++
		}
	}
	return count
}

// String returns the shape of the tensor, e.g. "(Float32)[2 3]".
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	parts := make([]string, len(t.dimensions))
	for ii, dim := range t.dimensions {
		parts[ii] = fmt.Sprint(dim)
	}
	return fmt.Sprintf("(Float32)[%s]", strings.Join(parts, " "))
}
