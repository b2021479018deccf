package training

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// ProgressBar provides tqdm-style per-batch progress. On a terminal it redraws
// a single line; otherwise it prints one line every printEvery updates.
type ProgressBar struct {
	out         io.Writer
	interactive bool
	printEvery  int
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// NewProgressBarTo creates a progress bar writing to out
func NewProgressBarTo(out io.Writer, interactive bool, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		interactive: interactive,
		printEvery:  50,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
	}
}

// SetDescription changes the label shown before the bar
func (pb *ProgressBar) SetDescription(description string) {
	pb.description = description
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	if pb.interactive || step == pb.total || (pb.printEvery > 0 && step%pb.printEvery == 0) {
		pb.render()
	}
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.interactive {
		fmt.Fprintln(pb.out)
	}
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1.0)
	}

	filled := min(int(percentage*float64(pb.width)), pb.width)
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
		formatDuration(elapsed),
		formatDuration(eta),
	)
	if rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}
	for _, key := range sortedKeys(pb.metrics) {
		line += fmt.Sprintf(", %s=%.4f", key, pb.metrics[key])
	}
	line += "]"

	if pb.interactive {
		fmt.Fprint(pb.out, "\r"+line)
	} else {
		fmt.Fprintln(pb.out, line)
	}
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

func sortedKeys(m map[string]float64) []string {
	return slices.Sorted(maps.Keys(m))
}

// PrintParameters prints a summary of the model's parameters
func PrintParameters(out io.Writer, modelName string, parameters []*Parameter) {
	fmt.Fprintf(out, "%s(\n", modelName)
	var total int
	for _, p := range parameters {
		fmt.Fprintf(out, "  (%s): %s values\n", p.Name, humanize.Comma(int64(len(p.Data))))
		total += len(p.Data)
	}
	fmt.Fprintln(out, ")")
	fmt.Fprintf(out, "Total params: %s\n", humanize.Comma(int64(total)))
}
