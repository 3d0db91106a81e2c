// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the photometric and geometric losses used to fit a scene representation
// to its observations, along with their analytic gradients with respect to the prediction.
//
// Gradients are accumulated (added) into a caller-provided tensor, multiplied by a weight, so
// several terms of an objective can be combined into one gradient.
package losses

import (
	"math"

	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/pkg/errors"
)

func checkSameSize(prediction, target *tensors.Tensor) error {
	if prediction.Size() != target.Size() {
		return errors.Errorf("prediction %s and target %s have different number of elements", prediction, target)
	}
	if prediction.Size() == 0 {
		return errors.Errorf("empty prediction %s", prediction)
	}
	return nil
}

// L1 returns the mean absolute difference between prediction and target.
func L1(prediction, target *tensors.Tensor) (float64, error) {
	if err := checkSameSize(prediction, target); err != nil {
		return 0, errors.WithMessage(err, "L1")
	}
	targetData := target.Data()
	var sum float64
	for ii, p := range prediction.Data() {
		sum += math.Abs(float64(p) - float64(targetData[ii]))
	}
	return sum / float64(prediction.Size()), nil
}

// AccumulateL1Grad adds weight * d L1 / d prediction into grad.
//
// The derivative of |x| at 0 is taken as 0.
func AccumulateL1Grad(prediction, target *tensors.Tensor, weight float64, grad *tensors.Tensor) error {
	if err := checkSameSize(prediction, target); err != nil {
		return errors.WithMessage(err, "AccumulateL1Grad")
	}
	if grad.Size() != prediction.Size() {
		return errors.Errorf("AccumulateL1Grad: grad %s doesn't match prediction %s", grad, prediction)
	}
	scale := weight / float64(prediction.Size())
	targetData, gradData := target.Data(), grad.Data()
	for ii, p := range prediction.Data() {
		gradData[ii] += float32(sign(float64(p)-float64(targetData[ii])) * scale)
	}
	return nil
}

// MaskedL1 returns the mean absolute difference between prediction and target over the positions where
// mask is true, and the number of such positions.
//
// It returns 0 if the mask selects nothing.
func MaskedL1(prediction, target *tensors.Tensor, mask []bool) (value float64, count int, err error) {
	if err = checkMasked(prediction, target, mask); err != nil {
		return 0, 0, errors.WithMessage(err, "MaskedL1")
	}
	targetData := target.Data()
	var sum float64
	for ii, p := range prediction.Data() {
		if mask[ii] {
			sum += math.Abs(float64(p) - float64(targetData[ii]))
			count++
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return sum / float64(count), count, nil
}

// AccumulateMaskedL1Grad adds weight * d MaskedL1 / d prediction into grad.
// Positions outside the mask receive no gradient.
func AccumulateMaskedL1Grad(prediction, target *tensors.Tensor, mask []bool, weight float64, grad *tensors.Tensor) error {
	if err := checkMasked(prediction, target, mask); err != nil {
		return errors.WithMessage(err, "AccumulateMaskedL1Grad")
	}
	if grad.Size() != prediction.Size() {
		return errors.Errorf("AccumulateMaskedL1Grad: grad %s doesn't match prediction %s", grad, prediction)
	}
	count := 0
	for _, m := range mask {
		if m {
			count++
		}
	}
	if count == 0 {
		return nil
	}
	scale := weight / float64(count)
	targetData, gradData := target.Data(), grad.Data()
	for ii, p := range prediction.Data() {
		if mask[ii] {
			gradData[ii] += float32(sign(float64(p)-float64(targetData[ii])) * scale)
		}
	}
	return nil
}

func checkMasked(prediction, target *tensors.Tensor, mask []bool) error {
	if err := checkSameSize(prediction, target); err != nil {
		return err
	}
	if len(mask) != prediction.Size() {
		return errors.Errorf("mask has %d elements, but prediction %s has %d", len(mask), prediction, prediction.Size())
	}
	return nil
}

// MSE returns the mean squared difference between prediction and target.
func MSE(prediction, target *tensors.Tensor) (float64, error) {
	if err := checkSameSize(prediction, target); err != nil {
		return 0, errors.WithMessage(err, "MSE")
	}
	targetData := target.Data()
	var sum float64
	for ii, p := range prediction.Data() {
		diff := float64(p) - float64(targetData[ii])
		sum += diff * diff
	}
	return sum / float64(prediction.Size()), nil
}

// PSNR returns the peak signal-to-noise ratio, in dB, for signals in the range [0, 1]:
// -10 * log10(MSE). It is +Inf for identical inputs.
func PSNR(prediction, target *tensors.Tensor) (float64, error) {
	mse, err := MSE(prediction, target)
	if err != nil {
		return 0, errors.WithMessage(err, "PSNR")
	}
	if mse == 0 {
		return math.Inf(1), nil
	}
	return -10 * math.Log10(mse), nil
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
