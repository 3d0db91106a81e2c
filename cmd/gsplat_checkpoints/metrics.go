package main

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gsplat/pkg/ml/tracking"
	"github.com/gomlx/gsplat/pkg/support/fsutil"
	"github.com/gomlx/gsplat/ui/tables"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newMetricsCmd() *cobra.Command {
	var (
		names, types, plotPath string
		last                   bool
	)
	cmd := &cobra.Command{
		Use:   "metrics <results_folder>",
		Short: fmt.Sprintf("List the metrics collected by the tracker in file %q", tracking.TrainingPlotFileName),
		Args:  cobra.ExactArgs(1),
		RunE: runE(func(_ *cobra.Command, args []string) {
			dir := must.M1(resolveDir(args[0]))
			rawPoints := must.M1(tracking.LoadPointsFromDir(dir))
			if len(rawPoints) == 0 {
				klog.Errorf("No metrics found in %q", dir)
				return
			}
			points := tracking.NewPoints(rawPoints)
			selected := must.M1(SelectMetrics(points, names, types))
			if len(selected) == 0 {
				panic(errors.Errorf("no metrics matching --names=%q and --types=%q, available metrics: %v",
					names, types, points.MetricsNames()))
			}
			if last {
				ReportLastMetrics(points, selected)
			} else {
				fmt.Println(titleStyle.Render("Metrics"))
				fmt.Println(points.TableForMetrics(selected...))
			}
			if plotPath != "" {
				must.M(tracking.PlotPoints(points, plotPath, selected...))
				fmt.Printf("Plot of %v saved to %q\n", selected, plotPath)
			}
		}),
	}
	cmd.Flags().StringVar(&names, "names", "", "Regular expression that if matches the metric name, the metric is included.")
	cmd.Flags().StringVar(&types, "types", "", `Comma-separated list of metric types to include (e.g.: "loss,quality").`)
	cmd.Flags().StringVar(&plotPath, "plot", "", "If set, saves a plot of the selected metrics to the given file (.png, .svg, .pdf).")
	cmd.Flags().BoolVar(&last, "last", false, "Only report the last value of each metric.")
	return cmd
}

func resolveDir(dir string) (string, error) {
	resolved, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	exists, err := fsutil.FileExists(resolved)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.Errorf("results folder %q doesn't exist", dir)
	}
	return resolved, nil
}

// SelectMetrics returns the names of the metrics that match the namesRegex or whose type is in the
// comma-separated types. If both are empty, all metrics are selected.
func SelectMetrics(points tracking.Points, namesRegex, types string) ([]string, error) {
	all := points.MetricsNames()
	if namesRegex == "" && types == "" {
		return all, nil
	}
	var matcher *regexp.Regexp
	if namesRegex != "" {
		var err error
		matcher, err = regexp.Compile(namesRegex)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid metric names regular expression %q", namesRegex)
		}
	}
	var typesList []string
	if types != "" {
		typesList = strings.Split(types, ",")
	}
	var selected []string
	for _, name := range all {
		if matcher != nil && matcher.MatchString(name) {
			selected = append(selected, name)
			continue
		}
		if typesList != nil && slices.Contains(typesList, tracking.MetricType(name)) {
			selected = append(selected, name)
		}
	}
	return selected, nil
}

// ReportLastMetrics prints the last value of each of the metrics, and the step it was measured.
func ReportLastMetrics(points tracking.Points, metrics []string) {
	fmt.Println(titleStyle.Render("Last Metrics"))
	table := tables.NewPlain(lipgloss.Right, lipgloss.Left, lipgloss.Right)
	table.Headers("Metric", "Type", "Step", "Value")
	for _, name := range metrics {
		p, found := points.Last(name)
		if !found {
			continue
		}
		table.Row(name, p.MetricType, humanize.Comma(int64(p.Step)), fmt.Sprintf("%f", p.Value))
	}
	fmt.Println(table.String())
}
