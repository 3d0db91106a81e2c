package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gsplat/pkg/ml/train"
	"github.com/gomlx/gsplat/ui/tables"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// Output where the progress bar is displayed.
var Output io.Writer = os.Stdout

// progressBar holds a progressbar being displayed.
type progressBar struct {
	lastStepReported int
	bar              *progressbar.ProgressBar
	out              io.Writer

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

func (pBar *progressBar) onStart(loop *train.Loop) error {
	pBar.lastStepReported = loop.StartStep
	pBar.isFirstOutput = true
	pBar.bar = progressbar.NewOptions(loop.EndStep-loop.StartStep,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(loop)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, loss float64, metrics train.Metrics) error {
	// Check whether it is finished.
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}

	// Check whether there is something to update.
	amount := loop.Step - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}

	// Create and enqueue an update to be asynchronously printed.
	update := progressBarUpdate{
		amount: amount,
		step:   fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.Step)), humanize.Comma(int64(loop.EndStep))),
		loss:   fmt.Sprintf("%.3f", loss),
	}
	for _, metric := range metrics {
		update.names = append(update.names, metric.Name)
		update.values = append(update.values, fmt.Sprintf("%.3f", metric.Value))
	}
	pBar.updates <- update
	pBar.lastStepReported = loop.Step
	return nil
}

// onFinally stops the drawing goroutine, also when the loop failed.
func (pBar *progressBar) onFinally(_ *train.Loop, _ error) {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	_, _ = fmt.Fprintln(pBar.out)
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "gsplat.ui.commandline.progressBar"

type progressBarUpdate struct {
	amount        int
	step, loss    string
	names, values []string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// drawUpdates asynchronously draws updates: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates(loop *train.Loop) {
	defer pBar.asyncUpdatesDone.Done()
	updates := pBar.updates
	previousNumLines := 0
	for update := range updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Global Step", update.step)
		pBar.statsTable.Row("Median train step duration", tables.FormatDuration(loop.MedianTrainStepDuration()))
		pBar.statsTable.Row("loss", update.loss)
		for ii, name := range update.names {
			pBar.statsTable.Row(name, update.values[ii])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(previousNumLines)
		}
		pBar.isFirstOutput = false

		// Print update.
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintln(pBar.out, rendered)
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprint(pBar.out, "\033[J\n")
		pBar.termenv.ShowCursor()
		previousNumLines = lipgloss.Height(rendered) + 2
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and metrics.
//
// The associated data will be attached to the train.Loop, so nothing is returned.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            Output,
		extraMetricFns: extraMetrics,
	}
	pBar.termenv = termenv.NewOutput(pBar.out)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = tables.NewPlain(lipgloss.Right, lipgloss.Left)
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least 1000 times during the loop or at least every 3 seconds.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnFinally(ProgressBarName, 0, pBar.onFinally)
}
