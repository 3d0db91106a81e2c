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

// Package train implements the training loop: it drives a Task through gradient-accumulated
// optimizer updates, and periodically logs, evaluates and checkpoints.
package train

import (
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gsplat/pkg/ml/checkpoints"
	"github.com/gomlx/gsplat/pkg/ml/exec"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/gomlx/gsplat/pkg/ml/profiler"
	"github.com/gomlx/gsplat/pkg/ml/train/optimizers"
	"github.com/gomlx/gsplat/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// Priorities of the hooks registered by NewLoop.
const (
	LoggingPriority       Priority = 0
	EvaluationPriority    Priority = 10
	CheckpointingPriority Priority = 100
)

// Names of the profiled regions of an update.
const (
	RegionTrainStep     = "train_step"
	RegionBackward      = "backward"
	RegionOptimizerStep = "optimizer_step"
	RegionEvaluation    = "evaluation"
	RegionCheckpoint    = "checkpoint"
)

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks. loss is the total loss of the update (the sum of the scaled
// micro-batch losses), and metrics are the ones returned by the last micro-batch.
type OnStepFn func(loop *Loop, loss float64, metrics Metrics) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, loss float64, metrics Metrics) error

// OnFinallyFn is the type of OnFinally hooks. err is the error Run is about to return, nil if it succeeded.
type OnFinallyFn func(loop *Loop, err error)

// Loop runs the training: each update calls Task.TrainStep for every micro-batch, backpropagates
// the scaled losses, steps the optimizer and calls the appropriate hooks.
//
// It also converts panics in the task code to errors.
//
// By itself it doesn't do much besides logging, evaluating and checkpointing periodically, but one can
// attach functionality to it, like progress bars, experiment tracking, early-stopping strategies, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined. The exception is Step, which can be set before Run to resume training.
type Loop struct {
	Task      Task
	Model     model.Model
	Optimizer optimizers.Interface
	Config    *Config

	Exec        exec.Context
	Profiler    *profiler.Harness
	Checkpoints *checkpoints.Store

	// ResultsDir is the resolved Config.ResultsFolder.
	ResultsDir string

	// Step is the global step: the number of optimizer updates done so far.
	// It is 0 for a new training, or the step restored from a checkpoint.
	Step int

	// StartStep is the value of Step at the start of Run.
	StartStep int

	// EndStep is the value of Step at which Run stops, Config.TrainNumSteps.
	EndStep int

	// LastLoss and LastMetrics of the last update.
	LastLoss    float64
	LastMetrics Metrics

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training, one per update.
	TrainStepDurations []time.Duration

	// Parameters already reported as missing gradients.
	missingGradients map[string]bool

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]

	onFinally *priorityHooks[*hookWithName[OnFinallyFn]]
}

// LoopOption configures NewLoop.
type LoopOption func(loop *Loop)

// WithExec sets the execution context. The default is exec.New(cfg.Device, cfg.Precision).
func WithExec(ec exec.Context) LoopOption {
	return func(loop *Loop) { loop.Exec = ec }
}

// WithProfiler sets the profiler harness. The default is profiler.New(cfg.Profile).
func WithProfiler(h *profiler.Harness) LoopOption {
	return func(loop *Loop) { loop.Profiler = h }
}

// WithCheckpoints sets the checkpoint store. The default is a store in the results folder.
func WithCheckpoints(store *checkpoints.Store) LoopOption {
	return func(loop *Loop) { loop.Checkpoints = store }
}

// NewLoop creates a new training loop for task, training the parameters of m with opt.
//
// If cfg is nil, DefaultConfig() is used. The results folder is created if it doesn't exist.
// It registers the logging, evaluation and checkpointing hooks.
func NewLoop(task Task, m model.Model, opt optimizers.Interface, cfg *Config, options ...LoopOption) (*Loop, error) {
	if task == nil || m == nil || opt == nil {
		return nil, errors.New("train.NewLoop: task, model and optimizer must be given")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "train.NewLoop")
	}
	loop := &Loop{
		Task:             task,
		Model:            m,
		Optimizer:        opt,
		Config:           cfg,
		SharedData:       make(map[string]any),
		missingGradients: make(map[string]bool),
		onStart:          newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:           newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:            newPriorityHooks[*hookWithName[OnEndFn]](),
		onFinally:        newPriorityHooks[*hookWithName[OnFinallyFn]](),
	}
	for _, option := range options {
		option(loop)
	}

	var err error
	loop.ResultsDir, err = fsutil.EnsureDir(cfg.ResultsFolder, checkpoints.DirPermMode)
	if err != nil {
		return nil, errors.WithMessage(err, "train.NewLoop: results folder")
	}
	if loop.Exec == nil {
		precision, err := exec.ParsePrecision(cfg.Precision)
		if err != nil {
			return nil, err
		}
		if loop.Exec, err = exec.New(cfg.Device, precision); err != nil {
			return nil, errors.WithMessage(err, "train.NewLoop")
		}
	}
	if loop.Profiler == nil {
		loop.Profiler = profiler.New(cfg.Profile)
	}
	if loop.Checkpoints == nil {
		loop.Checkpoints, err = checkpoints.New(loop.ResultsDir, checkpoints.WithKeep(cfg.KeepCheckpoints))
		if err != nil {
			return nil, errors.WithMessage(err, "train.NewLoop")
		}
	}

	EveryNSteps(loop, cfg.IPrint, "logging", LoggingPriority, func(loop *Loop, loss float64, metrics Metrics) error {
		klog.Infof("step %d: %s", loop.Step, FormatLogLine(loss, metrics))
		return nil
	})
	EveryNSteps(loop, cfg.IImage, "evaluation", EvaluationPriority, func(loop *Loop, _ float64, _ Metrics) error {
		return loop.Profiler.Region(RegionEvaluation, func() error {
			return callTask(loop.Task.Evaluate)
		})
	})
	EveryNSteps(loop, cfg.ISave, "checkpointing", CheckpointingPriority, func(loop *Loop, _ float64, _ Metrics) error {
		return loop.Profiler.Region(RegionCheckpoint, loop.saveCheckpoint)
	})
	return loop, nil
}

// saveCheckpoint saves the current state under milestone Step / ISave.
func (loop *Loop) saveCheckpoint() error {
	if loop.Step == 0 {
		return nil
	}
	milestone := loop.Step / loop.Config.ISave
	return loop.Checkpoints.Save(milestone, checkpoints.State{
		Step:      loop.Step,
		Model:     loop.Model,
		Optimizer: loop.Optimizer,
	})
}

// Restore loads the model and optimizer state of the checkpoint milestone, and sets Step to the
// step it was saved at. On error nothing is changed.
func (loop *Loop) Restore(milestone int) error {
	step, err := loop.Checkpoints.Load(milestone, loop.Model, loop.Optimizer)
	if err != nil {
		return err
	}
	loop.Step = step
	klog.Infof("restored checkpoint %d from %q: resuming at step %d", milestone, loop.Checkpoints.Dir(), step)
	return nil
}

// RestoreLatest restores the latest checkpoint, if there is any. It returns whether a checkpoint was restored.
func (loop *Loop) RestoreLatest() (bool, error) {
	milestone, found, err := loop.Checkpoints.Latest()
	if err != nil || !found {
		return false, err
	}
	if err = loop.Restore(milestone); err != nil {
		return false, err
	}
	return true, nil
}

// callTask calls fn converting panics to errors.
func callTask(fn func() error) (err error) {
	panicErr := exceptions.TryCatch[error](func() {
		err = fn()
	})
	if panicErr != nil {
		return panicErr
	}
	return err
}

// Run executes optimizer updates until Step reaches Config.TrainNumSteps.
//
// If Step was restored from a checkpoint, only the remaining updates are executed. Any error from the
// task, the optimizer or the hooks aborts the run. The OnFinally hooks and Profiler.Close are called
// in either case, once the OnStart hooks were called.
func (loop *Loop) Run() (err error) {
	loop.StartStep = loop.Step
	loop.EndStep = loop.Config.TrainNumSteps
	if loop.Step >= loop.EndStep {
		klog.Infof("train.Loop: already at step %d (train_num_steps=%d), nothing to do", loop.Step, loop.EndStep)
		return nil
	}
	loop.TrainStepDurations = make([]time.Duration, 0, loop.EndStep-loop.StartStep)
	defer func() { err = loop.finally(err) }()
	if err := loop.start(); err != nil {
		return err
	}
	for loop.Step < loop.EndStep {
		if err := loop.update(); err != nil {
			return errors.WithMessagef(err, "train.Loop.Run(): failed update at step %d", loop.Step)
		}
	}
	if err := loop.end(); err != nil {
		return errors.WithMessagef(err, "train.Loop.Run(): failed end (Step=%d)", loop.Step)
	}
	return nil
}

// start of loop, calls the OnStart hooks.
func (loop *Loop) start() error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// update runs Config.GradientAccumulateEvery micro-batches, one optimizer step, and calls the OnStep hooks.
func (loop *Loop) update() error {
	startTime := time.Now()
	numMicroBatches := loop.Config.GradientAccumulateEvery
	scale := 1.0 / float64(numMicroBatches)
	var totalLoss float64
	var metrics Metrics
	for microBatch := range numMicroBatches {
		var loss Loss
		err := loop.Profiler.Region(RegionTrainStep, func() error {
			return callTask(func() (err error) {
				loss, metrics, err = loop.Task.TrainStep()
				return
			})
		})
		if err != nil {
			return errors.WithMessagef(err, "Task.TrainStep() (micro-batch %d of %d)", microBatch, numMicroBatches)
		}
		totalLoss += loss.Value * scale

		err = loop.Profiler.Region(RegionBackward, func() error {
			return callTask(func() error { return loss.Backward(scale) })
		})
		if err != nil {
			return errors.WithMessagef(err, "backward (micro-batch %d of %d)", microBatch, numMicroBatches)
		}
		loop.reportGradients()
		if err = callTask(loop.Task.TrackGrad); err != nil {
			return errors.WithMessage(err, "Task.TrackGrad()")
		}
	}

	if err := loop.Exec.Synchronize(); err != nil {
		return errors.WithMessage(err, "execution context synchronization")
	}
	if loop.Config.StopOnNonFinite {
		if math.IsNaN(totalLoss) {
			return errors.Errorf("loss is NaN, training interrupted")
		}
		if math.IsInf(totalLoss, 0) {
			return errors.Errorf("loss is infinity (%f), training interrupted", totalLoss)
		}
	}

	err := loop.Profiler.Region(RegionOptimizerStep, func() error {
		params := loop.Model.Parameters()
		if err := loop.Optimizer.Step(params); err != nil {
			return err
		}
		loop.Optimizer.ZeroGrad(params)
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "optimizer step")
	}
	loop.Step++
	loop.LastLoss, loop.LastMetrics = totalLoss, metrics
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))

	// Call "OnStep" hooks.
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, totalLoss, metrics); err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

// reportGradients logs the largest absolute gradient of each trainable parameter, and warns once
// for each parameter without gradient.
func (loop *Loop) reportGradients() {
	for _, p := range model.TrainableParameters(loop.Model) {
		if p.Grad == nil {
			if !loop.missingGradients[p.Name] {
				loop.missingGradients[p.Name] = true
				klog.Warningf("parameter %q: no gradient calculated", p.Name)
			}
			continue
		}
		if klog.V(2).Enabled() {
			klog.V(2).Infof("gradient %q: max |grad|=%g", p.Name, p.Grad.AbsMax())
		}
	}
}

// end of loop, calls the OnEnd hooks.
func (loop *Loop) end() error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, loop.LastLoss, loop.LastMetrics); err != nil {
			return errors.WithMessagef(err, "train.Loop.OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// finally calls the OnFinally hooks and closes the profiler. It returns runErr if set, otherwise the
// profiler error.
func (loop *Loop) finally(runErr error) error {
	for hook := range loop.onFinally.All() {
		hook.fn(loop, runErr)
	}
	closeErr := loop.Profiler.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}

	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each optimizer update, with Step already incremented.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last update.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// OnFinally adds a hook with given priority and name to the end of Run, called after the OnEnd hooks
// if the run succeeded, or right after the failure otherwise. Use it to release resources.
func (loop *Loop) OnFinally(name string, priority Priority, fn OnFinallyFn) {
	loop.onFinally.Add(priority, &hookWithName[OnFinallyFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
