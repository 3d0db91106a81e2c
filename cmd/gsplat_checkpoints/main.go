// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gsplat_checkpoints inspects the results folder of a training: the checkpoints saved, their variables
// and the metrics collected by the tracker.
//
// Usage:
//
//	gsplat_checkpoints list ./result
//	gsplat_checkpoints summary ./result ./other_result
//	gsplat_checkpoints vars ./result --milestone=2
//	gsplat_checkpoints metrics ./result --plot=metrics.png
//	gsplat_checkpoints config --config=train.yaml --set="train_lr=0.001;i_save=1000"
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gsplat/pkg/ml/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "4", Dark: "12"})
	italicStyle   = lipgloss.NewStyle().Italic(true)
)

// runE converts a command body that reports errors with panics (e.g. must.M1) to a cobra RunE function.
func runE(fn func(cmd *cobra.Command, args []string)) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return exceptions.TryCatch[error](func() { fn(cmd, args) })
	}
}

// openStore opens the checkpoints of an existing results folder.
func openStore(dir string) *checkpoints.Store {
	return must.M1(checkpoints.New(must.M1(resolveDir(dir))))
}

// selectMilestone returns milestone if it is not negative, or the latest milestone in the store.
func selectMilestone(store *checkpoints.Store, milestone int) int {
	if milestone >= 0 {
		return milestone
	}
	latest, found := must.M2(store.Latest())
	if !found {
		panic(errors.Wrapf(checkpoints.ErrNotFound, "no checkpoints in %q", store.Dir()))
	}
	return latest
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gsplat_checkpoints",
		Short:         "Inspect the checkpoints and metrics of a Gaussian-splatting training results folder",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newListCmd(), newSummaryCmd(), newVarsCmd(), newMetricsCmd(), newConfigCmd())
	return root
}

func main() {
	klog.InitFlags(nil)
	root := newRootCmd()
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	if err := root.Execute(); err != nil {
		klog.Errorf("%+v", err)
		fmt.Fprintln(os.Stderr, "See 'gsplat_checkpoints --help'.")
		os.Exit(1)
	}
}
