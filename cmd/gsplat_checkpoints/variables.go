package main

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/gomlx/gsplat/ui/tables"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
)

func newVarsCmd() *cobra.Command {
	var (
		milestone     int
		withOptimizer bool
		glossary      bool
	)
	cmd := &cobra.Command{
		Use:   "vars <results_folder>",
		Short: "List the variables of the latest (or selected) checkpoint, with their shapes and value statistics",
		Args:  cobra.ExactArgs(1),
		RunE: runE(func(_ *cobra.Command, args []string) {
			store := openStore(args[0])
			milestone := selectMilestone(store, milestone)
			ckpt := must.M1(store.Read(milestone))
			fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of checkpoint %d (step %s)",
				milestone, humanize.Comma(int64(ckpt.Step)))))
			ListVariables(ckpt.Model)
			if withOptimizer && ckpt.Optimizer != nil {
				fmt.Println(titleStyle.Render(fmt.Sprintf("Optimizer %q slots", ckpt.Optimizer.Type)))
				ListVariables(ckpt.Optimizer.Slots)
			}
			if glossary {
				fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
				fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
				fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
				fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
			}
		}),
	}
	cmd.Flags().IntVar(&milestone, "milestone", -1, "Milestone of the checkpoint to inspect. Defaults to the latest.")
	cmd.Flags().BoolVar(&withOptimizer, "optimizer", false, "Also list the optimizer slots (e.g.: Adam moving averages).")
	cmd.Flags().BoolVar(&glossary, "glossary", true, "Print a glossary of the statistics columns.")
	return cmd
}

// ListVariables prints the variables of state sorted by name, with their shape, size, and
// MAV (mean absolute value), RMS (root-mean-square) and MaxAV (max absolute value).
func ListVariables(state model.State) {
	table := tables.NewPlain()
	table.Headers("Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	entries := slices.Clone(state)
	slices.SortFunc(entries, func(a, b model.NamedTensor) int {
		return strings.Compare(a.Name, b.Name)
	})
	for _, entry := range entries {
		t := entry.Value
		var mav, rms, maxAV string
		if t.Size() == 1 {
			mav = fmt.Sprintf("%8v", t.Data()[0])
		} else if t.Size() > 0 {
			stats := ComputeStats(t)
			mav = fmt.Sprintf("%.3g", stats.MAV)
			rms = fmt.Sprintf("%.3g", stats.RMS)
			maxAV = fmt.Sprintf("%.3g", stats.MaxAV)
		}
		table.Row(entry.Name, fmt.Sprint(t.Shape()),
			humanize.Comma(int64(t.Size())),
			humanize.Bytes(uint64(bytesPerValue*t.Size())),
			mav, rms, maxAV)
	}
	fmt.Println(table.String())
}

// Stats of the values of a tensor.
type Stats struct {
	MAV, RMS, MaxAV float64

	// NonFinite is the number of NaN or infinite values, which are not included in the other statistics.
	NonFinite int
}

// ComputeStats of the tensor values, in float64.
func ComputeStats(t *tensors.Tensor) (s Stats) {
	var sumAbs, sumSquares float64
	count := 0
	for _, v := range t.Data() {
		x := float64(v)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			s.NonFinite++
			continue
		}
		abs := math.Abs(x)
		sumAbs += abs
		sumSquares += x * x
		s.MaxAV = max(s.MaxAV, abs)
		count++
	}
	if count > 0 {
		s.MAV = sumAbs / float64(count)
		s.RMS = math.Sqrt(sumSquares / float64(count))
	}
	return
}
