package splatting

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gsplat/pkg/ml/exec"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/gomlx/gsplat/pkg/ml/profiler"
	"github.com/gomlx/gsplat/pkg/ml/tracking"
	"github.com/gomlx/gsplat/pkg/ml/train"
	"github.com/gomlx/gsplat/pkg/ml/train/optimizers"
	"github.com/gomlx/gsplat/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultProject is the tracking project name used if TrainOptions.Project is empty.
const DefaultProject = "gsplat"

// TrainOptions configure TrainModel, besides the train.Config and TaskConfig.
type TrainOptions struct {
	// Resume training from the latest checkpoint in the results folder, if there is one.
	Resume bool

	// ProgressBar attaches a command-line progress bar to the loop.
	ProgressBar bool

	// Project name used by the tracker (when Config.WithTracking is set).
	Project string

	// SkipInitialEvaluation disables the evaluation done before the first update.
	SkipInitialEvaluation bool

	// Exec overrides the execution context created from Config.Device and Config.Precision.
	Exec exec.Context

	// ProfilerOptions are passed to profiler.New.
	ProfilerOptions []profiler.Option

	// TrackerOptions are passed to tracking.NewFileTracker.
	TrackerOptions []tracking.Option
}

// TrainModel trains the model m rendered by r on data.
//
// It creates the execution context, the optimizer (Config.Optimizer with Config.TrainLR and Config.AdamBetas),
// the profiler, the Task and the train.Loop; optionally resumes from the latest checkpoint, attaches
// the tracker and the progress bar; evaluates once (writing image-<step>.png) and runs the loop.
//
// It returns the loop, so its final state can be inspected, also in case of error, if it was created.
func TrainModel(cfg *train.Config, taskCfg TaskConfig, m model.Model, r Renderer, data Dataset, opts TrainOptions) (loop *train.Loop, err error) {
	startTime := time.Now()
	if cfg == nil {
		cfg = train.DefaultConfig()
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "splatting.TrainModel")
	}

	ec := opts.Exec
	if ec == nil {
		precision, err := exec.ParsePrecision(cfg.Precision)
		if err != nil {
			return nil, err
		}
		if ec, err = exec.New(cfg.Device, precision); err != nil {
			return nil, errors.WithMessage(err, "splatting.TrainModel")
		}
	}

	var opt optimizers.Interface
	panicErr := exceptions.TryCatch[error](func() {
		opt = optimizers.ByName(cfg.Optimizer, optimizers.Hyperparameters{
			LearningRate: cfg.TrainLR,
			Betas:        [2]float64{cfg.AdamBetas[0], cfg.AdamBetas[1]},
		})
	})
	if panicErr != nil {
		return nil, errors.WithMessage(panicErr, "splatting.TrainModel")
	}

	prof := profiler.New(cfg.Profile, opts.ProfilerOptions...)
	task, err := NewTask(taskCfg, m, r, data, ec)
	if err != nil {
		return nil, err
	}
	loop, err = train.NewLoop(task, m, opt, cfg, train.WithExec(ec), train.WithProfiler(prof))
	if err != nil {
		return nil, err
	}
	task.cfg.ResultsDir = loop.ResultsDir
	task.SetStepCounter(func() int { return loop.Step })
	task.SetProfiler(prof)

	if opts.Resume {
		restored, err := loop.RestoreLatest()
		if err != nil {
			return loop, errors.WithMessage(err, "splatting.TrainModel: resuming")
		}
		if !restored {
			klog.Infof("no checkpoint found in %q, training from scratch", loop.ResultsDir)
		}
	}

	if cfg.WithTracking {
		tracker, err := tracking.NewFileTracker(loop.ResultsDir, opts.TrackerOptions...)
		if err != nil {
			return loop, err
		}
		// Close is idempotent: it is also called at the end of a successful run.
		defer func() { _ = tracker.Close() }()
		project := opts.Project
		if project == "" {
			project = DefaultProject
		}
		tracking.Attach(loop, tracker, project, cfg.IPrint)
	}
	if opts.ProgressBar {
		commandline.AttachProgressBar(loop)
	}

	if !opts.SkipInitialEvaluation && loop.Step < cfg.TrainNumSteps {
		err = prof.Region(train.RegionEvaluation, task.Evaluate)
		if err != nil {
			return loop, errors.WithMessage(err, "splatting.TrainModel: initial evaluation")
		}
	}
	if err = loop.Run(); err != nil {
		return loop, err
	}
	klog.Infof("training finished at step %d in %s", loop.Step, time.Since(startTime))
	return loop, nil
}
