// Package report renders calibration results for humans: a markdown summary,
// an XLSX workbook of the iteration history and a loss-curve PNG.
package report

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/mcalib/internal/calibrate"
	"github.com/sawpanic/mcalib/internal/metrics"
	"github.com/sawpanic/mcalib/internal/runlog"
)

// Input is everything a report describes.
type Input struct {
	Run       string
	Name      string
	Targets   []string
	Config    calibrate.Config
	Result    calibrate.Result
	Before    metrics.Summary
	After     metrics.Summary
	Generated time.Time
}

// Generator creates calibration reports.
type Generator struct {
	// Threshold below which a metric change is reported as unchanged.
	Threshold float64
}

func NewGenerator() *Generator {
	return &Generator{Threshold: 1e-6}
}

// WriteMarkdown renders in to path.
func (g *Generator) WriteMarkdown(path string, in Input) error {
	return os.WriteFile(path, []byte(g.Markdown(in)), 0o644)
}

// Markdown renders the report.
func (g *Generator) Markdown(in Input) string {
	generated := in.Generated
	if generated.IsZero() {
		generated = time.Now()
	}
	var b strings.Builder
	title := in.Name
	if title == "" {
		title = "Calibration"
	}
	fmt.Fprintf(&b, "# %s Report\n\n", title)
	fmt.Fprintf(&b, "**Run:** `%s`  \n**Generated:** %s\n\n", in.Run, generated.Format("2006-01-02 15:04:05 MST"))

	b.WriteString(g.summary(in))
	b.WriteString(g.metricTable(in.Result))
	b.WriteString(g.profitTable(in.Before, in.After))
	b.WriteString(g.technicalDetails(in))
	return b.String()
}

func (g *Generator) summary(in Input) string {
	r := in.Result
	initial, final := r.Initial[runlog.LossColumn], r.Final[runlog.LossColumn]
	improvement := initial - final

	var b strings.Builder
	b.WriteString("## Summary\n\n| Metric | Value |\n|--------|-------|\n")
	fmt.Fprintf(&b, "| **Targets** | %s |\n", strings.Join(in.Targets, ", "))
	fmt.Fprintf(&b, "| **Iterations** | %s |\n", humanize.Comma(int64(r.Iterations)))
	fmt.Fprintf(&b, "| **Converged** | %t |\n", r.Converged)
	fmt.Fprintf(&b, "| **Initial Loss** | %s |\n", fixed(initial, 6))
	fmt.Fprintf(&b, "| **Final Loss** | %s |\n", fixed(final, 6))
	fmt.Fprintf(&b, "| **Improvement** | %s (%s) |\n", fixed(improvement, 6), percent(improvement, initial))
	if r.Elapsed > 0 {
		fmt.Fprintf(&b, "| **Elapsed** | %s |\n", r.Elapsed.Round(time.Millisecond))
	}
	b.WriteString("\n")

	switch {
	case math.Abs(improvement) <= g.Threshold:
		b.WriteString("The loss did not move: the starting point is already optimal or the targets do not affect it.\n\n")
	case improvement > 0:
		b.WriteString("The loss decreased.\n\n")
	default:
		b.WriteString("**The loss increased.** Check the learning rate.\n\n")
	}
	return b.String()
}

func (g *Generator) metricTable(r calibrate.Result) string {
	names := runlog.Columns(union(r.Initial, r.Final))
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Metrics\n\n| Metric | Initial | Final | Change |\n|--------|---------|-------|--------|\n")
	for _, name := range names {
		before, okB := r.Initial[name]
		after, okA := r.Final[name]
		change := "n/a"
		if okB && okA {
			d := after - before
			change = signed(d, 6)
			if math.Abs(d) <= g.Threshold {
				change = "unchanged"
			}
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", name, cell(before, okB), cell(after, okA), change)
	}
	b.WriteString("\n")
	return b.String()
}

func (g *Generator) profitTable(before, after metrics.Summary) string {
	if before.Scenarios == 0 && after.Scenarios == 0 {
		return ""
	}
	rows := []struct {
		name          string
		before, after float64
	}{
		{"Mean", before.Mean, after.Mean},
		{"Std Dev", before.StdDev, after.StdDev},
		{"Min", before.Min, after.Min},
		{"Max", before.Max, after.Max},
		{"Value at Risk", before.ValueAtRisk, after.ValueAtRisk},
		{"Sharpe", before.Sharpe, after.Sharpe},
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Profit Distribution\n\nOver %s scenarios.\n\n", humanize.Comma(int64(after.Scenarios)))
	b.WriteString("| Statistic | Before | After |\n|-----------|--------|-------|\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| %s | %s | %s |\n", r.name, fixed(r.before, 4), fixed(r.after, 4))
	}
	b.WriteString("\n")
	return b.String()
}

func (g *Generator) technicalDetails(in Input) string {
	c := in.Config
	var b strings.Builder
	b.WriteString("## Technical Details\n\n")
	fmt.Fprintf(&b, "- Method: %s\n", c.Method)
	fmt.Fprintf(&b, "- Learning rate: %s\n", humanize.FtoaWithDigits(c.LearningRate, 6))
	fmt.Fprintf(&b, "- Iteration cap: %s\n", humanize.Comma(int64(c.Iterations)))
	fmt.Fprintf(&b, "- Early stopping: patience %d, tolerance %g\n", c.Patience, c.Tolerance)
	fmt.Fprintf(&b, "- Recorded steps: %d\n", len(in.Result.History))
	return b.String()
}

func union(a, b map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func cell(v float64, ok bool) string {
	if !ok {
		return "n/a"
	}
	return fixed(v, 6)
}

func fixed(v float64, places int32) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprint(v)
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}

func signed(v float64, places int32) string {
	s := fixed(v, places)
	if v >= 0 {
		return "+" + s
	}
	return s
}

func percent(delta, base float64) string {
	if base == 0 || math.IsNaN(base) || math.IsInf(base, 0) {
		return "n/a"
	}
	return decimal.NewFromFloat(delta*100/math.Abs(base)).StringFixed(2) + "%"
}
