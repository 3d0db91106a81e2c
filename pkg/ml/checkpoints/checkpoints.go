// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading of the training state
// (global step, model state and optimizer state) to a directory.
//
// Each checkpoint is identified by a milestone (usually `step / save_interval`) and saved to a single
// file "model-<milestone>.ckpt" in the directory. Saving is all-or-nothing: the file is written to
// a temporary file in the same directory, synced and then renamed over the final name. So a reader
// sees either the previous checkpoint of that milestone or the new one.
//
// Example: saving every 1000 steps, and resuming from the latest checkpoint.
//
//	store, err := checkpoints.New(*flagCheckpoint, checkpoints.WithKeep(*flagCheckpointKeep))
//	if err != nil { … }
//	milestone, found, err := store.Latest()
//	if err != nil { … }
//	if found {
//		step, err = store.Load(milestone, model, optimizer)
//		if err != nil { … }
//	}
//	…
//	if step % 1000 == 0 {
//		err = store.Save(step / 1000, checkpoints.State{Step: step, Model: model, Optimizer: optimizer})
//	}
package checkpoints

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/gomlx/gsplat/pkg/ml/train/optimizers"
	"github.com/gomlx/gsplat/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission of the checkpoint files.
	FilePermMode = os.FileMode(0660)

	// ErrNotFound is returned (wrapped) by Load and Read if the checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrUnsupportedCompression is returned (wrapped) when reading a file compressed with an unknown format.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

const (
	// FilePrefix and FileSuffix of the checkpoint files.
	FilePrefix = "model-"
	FileSuffix = ".ckpt"
)

var checkpointFileRegex = regexp.MustCompile(`^model-(\d+)\.ckpt$`)

// State to be saved: the loop owns the model and the optimizer, the checkpoint takes a snapshot of them.
type State struct {
	Step      int
	Model     model.Model
	Optimizer optimizers.Interface
}

// Checkpoint is a decoded checkpoint file.
type Checkpoint struct {
	Step      int
	Model     model.State
	Optimizer *optimizers.State // nil if saved without optimizer.
	CreatedAt time.Time
}

// Store saves and loads checkpoints to/from a directory.
type Store struct {
	dir       string
	binFormat BinFormat
	keep      int
}

// New creates a Store for the given directory, creating it if needed.
// A "~" prefix in dir is replaced by the user home directory.
func New(dir string, options ...Option) (*Store, error) {
	resolved, err := fsutil.EnsureDir(dir, DirPermMode)
	if err != nil {
		return nil, errors.WithMessage(err, "checkpoints.New()")
	}
	s := &Store{dir: resolved, binFormat: BinGZIP, keep: -1}
	for _, option := range options {
		option(s)
	}
	return s, nil
}

// String implements Stringer.
func (s *Store) String() string {
	return fmt.Sprintf("checkpoints.Store(%q)", s.dir)
}

// Dir returns the directory where checkpoints are stored.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of the given milestone.
func (s *Store) Path(milestone int) string {
	return filepath.Join(s.dir, FilePrefix+strconv.Itoa(milestone)+FileSuffix)
}

// Save a checkpoint of state under milestone, overwriting any existing one.
func (s *Store) Save(milestone int, state State) error {
	if milestone < 0 {
		return errors.Errorf("%s: invalid negative milestone %d", s, milestone)
	}
	ckpt := &Checkpoint{
		Step:      state.Step,
		Model:     model.Snapshot(state.Model),
		CreatedAt: time.Now(),
	}
	if state.Optimizer != nil {
		optState := state.Optimizer.State()
		ckpt.Optimizer = &optState
	}
	return s.Write(milestone, ckpt)
}

// Write ckpt as milestone, overwriting any existing one. The write is atomic.
func (s *Store) Write(milestone int, ckpt *Checkpoint) error {
	finalPath := s.Path(milestone)
	err := fsutil.WriteFileAtomic(finalPath, FilePermMode, func(f io.Writer) error {
		w, err := newPayloadWriter(f, s.binFormat)
		if err != nil {
			return err
		}
		if err = encode(w, ckpt); err != nil {
			return err
		}
		return errors.Wrap(w.Close(), "flushing payload")
	})
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to save milestone %d", s, milestone)
	}
	klog.V(1).Infof("saved checkpoint %q (step %d)", finalPath, ckpt.Step)

	// Remove excess checkpoints.
	return s.keepNCheckpoints()
}

// Read decodes the checkpoint of the given milestone, without applying it.
// It returns an error wrapping ErrNotFound if it doesn't exist.
func (s *Store) Read(milestone int) (*Checkpoint, error) {
	path := s.Path(milestone)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s: milestone %d (%q)", s, milestone, path)
		}
		return nil, errors.Wrapf(err, "%s: failed to open %q", s, path)
	}
	defer func() { _ = f.Close() }()
	payload, err := readPayload(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: reading %q", s, path)
	}
	ckpt, err := decode(payload)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: decoding %q", s, path)
	}
	return ckpt, nil
}

// Load the checkpoint of the given milestone into m and opt (opt may be nil), and returns the step
// it was saved at.
//
// It returns an error wrapping ErrNotFound if it doesn't exist. On any error neither m nor opt are changed.
func (s *Store) Load(milestone int, m model.Model, opt optimizers.Interface) (step int, err error) {
	ckpt, err := s.Read(milestone)
	if err != nil {
		return 0, err
	}
	if opt != nil && ckpt.Optimizer == nil {
		return 0, errors.Errorf("%s: milestone %d has no optimizer state", s, milestone)
	}
	previous := model.Snapshot(m)
	if err = model.Restore(m, ckpt.Model); err != nil {
		return 0, errors.WithMessagef(err, "%s: loading model state of milestone %d", s, milestone)
	}
	if opt != nil {
		if err = opt.LoadState(*ckpt.Optimizer); err != nil {
			if rollbackErr := model.Restore(m, previous); rollbackErr != nil {
				klog.Errorf("%s: failed to roll back model state: %+v", s, rollbackErr)
			}
			return 0, errors.WithMessagef(err, "%s: loading optimizer state of milestone %d", s, milestone)
		}
	}
	klog.V(1).Infof("loaded checkpoint %q (step %d)", s.Path(milestone), ckpt.Step)
	return ckpt.Step, nil
}

// List returns the milestones with saved checkpoints, in increasing order.
func (s *Store) List() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", s)
	}
	var milestones []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := checkpointFileRegex.FindStringSubmatch(entry.Name())
		if len(matches) != 2 {
			continue
		}
		milestone, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		milestones = append(milestones, milestone)
	}
	slices.Sort(milestones)
	return milestones, nil
}

// Latest returns the highest milestone saved, if any.
func (s *Store) Latest() (milestone int, found bool, err error) {
	milestones, err := s.List()
	if err != nil || len(milestones) == 0 {
		return 0, false, err
	}
	return milestones[len(milestones)-1], true, nil
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (s *Store) keepNCheckpoints() error {
	if s.keep < 0 {
		return nil
	}
	milestones, err := s.List()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", s)
	}
	if len(milestones) <= s.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	for _, milestone := range milestones[:len(milestones)-s.keep] {
		fileName := s.Path(milestone)
		if err = os.Remove(fileName); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", s, fileName)
		}
	}
	return nil
}
