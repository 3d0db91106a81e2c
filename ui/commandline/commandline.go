// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gsplat/pkg/ml/train"
	"github.com/gomlx/gsplat/ui/tables"
)

// ReportMetrics writes to w a table with the state of the loop at the end of training: the global step,
// the median train step duration and the last loss and metrics.
func ReportMetrics(w io.Writer, loop *train.Loop) error {
	table := tables.NewPlain(lipgloss.Right, lipgloss.Left)
	table.Row("Global Step", humanize.Comma(int64(loop.Step)))
	table.Row("Median train step duration", tables.FormatDuration(loop.MedianTrainStepDuration()))
	table.Row("loss", fmt.Sprintf("%.3f", loop.LastLoss))
	for _, metric := range loop.LastMetrics {
		table.Row(metric.Name, fmt.Sprintf("%.3f", metric.Value))
	}
	_, err := fmt.Fprintln(w, table.String())
	return err
}
