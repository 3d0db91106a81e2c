// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package exec defines the execution context the training loop delegates device placement,
// numeric precision and synchronization to.
//
// The default implementation runs on the local CPU. With Float16 precision it rounds the values
// produced by the renderer to half-precision, emulating mixed-precision execution.
package exec

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Precision policy of the execution.
type Precision int

const (
	Float32 Precision = iota
	Float16
)

// String implements fmt.Stringer.
func (p Precision) String() string {
	switch p {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// ParsePrecision converts "float32"/"fp32" or "float16"/"fp16" to a Precision.
func ParsePrecision(name string) (Precision, error) {
	switch strings.ToLower(name) {
	case "", "float32", "fp32":
		return Float32, nil
	case "float16", "fp16", "half":
		return Float16, nil
	}
	return Float32, errors.Errorf("unknown precision %q, valid values are \"float32\" or \"float16\"", name)
}

// Device describes where the computation runs.
type Device struct {
	Name        string
	Description string
}

// Context is the execution context collaborator.
type Context interface {
	// Device where computation runs.
	Device() Device

	// Precision policy.
	Precision() Precision

	// Autocast applies the precision policy to t, in place, and returns t.
	Autocast(t *tensors.Tensor) *tensors.Tensor

	// Synchronize blocks until all pending work is finished. The loop calls it before
	// reading the loss values of an update.
	Synchronize() error
}

// CPU is the default Context, running on the local CPU.
type CPU struct {
	device    Device
	precision Precision
	barriers  atomic.Int64
}

var _ Context = (*CPU)(nil)

// New creates an execution context for the given device name.
// Only "cpu" is available.
func New(deviceName string, precision Precision) (*CPU, error) {
	name := strings.ToLower(deviceName)
	if name == "" {
		name = "cpu"
	}
	if name != "cpu" {
		return nil, errors.Errorf("device %q not available, only \"cpu\" is supported", deviceName)
	}
	if precision != Float32 && precision != Float16 {
		return nil, errors.Errorf("invalid precision %s", precision)
	}
	c := &CPU{
		device: Device{
			Name: name,
			Description: fmt.Sprintf("%s (%d logical cores, F16C=%v)",
				cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.F16C)),
		},
		precision: precision,
	}
	klog.V(1).Infof("execution context: %s, precision %s", c.device.Description, precision)
	return c, nil
}

// Device implements Context.
func (c *CPU) Device() Device { return c.device }

// Precision implements Context.
func (c *CPU) Precision() Precision { return c.precision }

// Autocast implements Context.
func (c *CPU) Autocast(t *tensors.Tensor) *tensors.Tensor {
	if t == nil || c.precision != Float16 {
		return t
	}
	data := t.Data()
	for ii, v := range data {
		data[ii] = float16.Fromfloat32(v).Float32()
	}
	return t
}

// Synchronize implements Context. CPU work is synchronous, so it only counts the barriers.
func (c *CPU) Synchronize() error {
	c.barriers.Add(1)
	return nil
}

// Barriers returns how many times Synchronize was called.
func (c *CPU) Barriers() int64 {
	return c.barriers.Load()
}
