package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gsplat/pkg/ml/checkpoints"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/gomlx/gsplat/ui/tables"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
)

// bytesPerValue of the stored tensors, all float32.
const bytesPerValue = 4

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <results_folder>",
		Short: "List the checkpoints saved in the results folder",
		Args:  cobra.ExactArgs(1),
		RunE: runE(func(_ *cobra.Command, args []string) {
			List(openStore(args[0]))
		}),
	}
}

// List prints a table with the milestones saved in the store, with their step, creation time and file size.
func List(store *checkpoints.Store) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Checkpoints in %q", store.Dir())))
	milestones := must.M1(store.List())
	if len(milestones) == 0 {
		fmt.Println("  no checkpoints found")
		return
	}
	table := tables.NewPlain(lipgloss.Right)
	table.Headers("Milestone", "Step", "Created", "File Size")
	for _, milestone := range milestones {
		ckpt := must.M1(store.Read(milestone))
		info := must.M1(os.Stat(store.Path(milestone)))
		table.Row(
			fmt.Sprint(milestone),
			humanize.Comma(int64(ckpt.Step)),
			humanize.Time(ckpt.CreatedAt),
			humanize.Bytes(uint64(info.Size())))
	}
	fmt.Println(table.String())
}

func newSummaryCmd() *cobra.Command {
	var milestone int
	cmd := &cobra.Command{
		Use:   "summary <results_folder>...",
		Short: "Summary of the latest (or selected) checkpoint of one or more results folders, side by side",
		Args:  cobra.MinimumNArgs(1),
		RunE: runE(func(_ *cobra.Command, args []string) {
			ckpts := make([]*checkpoints.Checkpoint, len(args))
			for ii, dir := range args {
				store := openStore(dir)
				ckpts[ii] = must.M1(store.Read(selectMilestone(store, milestone)))
			}
			Summary(ckpts, MinimalUniquePaths(args...))
		}),
	}
	cmd.Flags().IntVar(&milestone, "milestone", -1, "Milestone of the checkpoint to summarize. Defaults to the latest.")
	return cmd
}

// Summary prints, for each checkpoint, the global step, the model sizes and the optimizer configuration.
// Rows where the checkpoints differ are highlighted.
func Summary(ckpts []*checkpoints.Checkpoint, names []string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := tables.NewWithReds(lipgloss.Right, lipgloss.Left)
	addRow := func(title string, valueFn func(ckpt *checkpoints.Checkpoint) string) {
		row := make([]string, 0, len(ckpts)+1)
		row = append(row, title)
		for _, ckpt := range ckpts {
			row = append(row, valueFn(ckpt))
		}
		table.Row(len(ckpts) > 1 && !isAllEqual(row[1:]), row...)
	}
	if len(ckpts) > 1 {
		table.Table.Headers(append([]string{"results folder"}, names...)...)
	}
	addRow("global_step", func(ckpt *checkpoints.Checkpoint) string { return humanize.Comma(int64(ckpt.Step)) })
	addRow("created", func(ckpt *checkpoints.Checkpoint) string { return ckpt.CreatedAt.Format("2006-01-02 15:04:05") })
	addRow("# variables", func(ckpt *checkpoints.Checkpoint) string { return humanize.Comma(int64(len(ckpt.Model))) })
	addRow("# parameters", func(ckpt *checkpoints.Checkpoint) string { return humanize.Comma(int64(stateSize(ckpt.Model))) })
	addRow("# bytes", func(ckpt *checkpoints.Checkpoint) string {
		return humanize.Bytes(uint64(bytesPerValue * stateSize(ckpt.Model)))
	})
	addRow("optimizer", func(ckpt *checkpoints.Checkpoint) string {
		if ckpt.Optimizer == nil {
			return "-"
		}
		return ckpt.Optimizer.Type
	})

	// Union of the hyperparameters of all optimizers.
	var hpNames []string
	for _, ckpt := range ckpts {
		if ckpt.Optimizer == nil {
			continue
		}
		for name := range ckpt.Optimizer.Hyperparameters {
			if !slices.Contains(hpNames, name) {
				hpNames = append(hpNames, name)
			}
		}
	}
	slices.Sort(hpNames)
	for _, name := range hpNames {
		addRow("optimizer/"+name, func(ckpt *checkpoints.Checkpoint) string {
			if ckpt.Optimizer == nil {
				return "-"
			}
			value, found := ckpt.Optimizer.Hyperparameters[name]
			if !found {
				return "-"
			}
			return fmt.Sprintf("%g", value)
		})
	}
	addRow("optimizer slots", func(ckpt *checkpoints.Checkpoint) string {
		if ckpt.Optimizer == nil {
			return "-"
		}
		return humanize.Bytes(uint64(bytesPerValue * stateSize(ckpt.Optimizer.Slots)))
	})
	fmt.Println(table.Table.String())
}

func stateSize(state model.State) (size int) {
	for _, entry := range state {
		size += entry.Value.Size()
	}
	return
}

func isAllEqual[E comparable](s []E) bool {
	for ii := 1; ii < len(s); ii++ {
		if s[ii] != s[0] {
			return false
		}
	}
	return true
}
