package report

import (
	"bytes"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/sawpanic/mcalib/internal/calibrate"
	"github.com/sawpanic/mcalib/internal/metrics"
	"github.com/sawpanic/mcalib/internal/runlog"
)

func sampleInput() Input {
	return Input{
		Run:     "run-1",
		Name:    "Stock/Bond",
		Targets: []string{"portfolio.strategy.portfolioWeights"},
		Config:  calibrate.DefaultConfig(),
		Result: calibrate.Result{
			Initial:    map[string]float64{"loss": -0.2, "weightBond": 0.4},
			Final:      map[string]float64{"loss": -0.5, "weightBond": 0.4},
			Converged:  true,
			Iterations: 3,
			History: []calibrate.Step{
				{Iteration: 0, Metrics: map[string]float64{"loss": -0.2, "weightBond": 0.4}},
				{Iteration: 1, Metrics: map[string]float64{"loss": -0.4, "weightBond": 0.4}},
				{Iteration: 2, Metrics: map[string]float64{"loss": -0.5}},
			},
		},
		Before:    metrics.Summarize([]float64{0.1, 0.2, -0.1}, 0.05, 0),
		After:     metrics.Summarize([]float64{0.5, 0.5, 0.4}, 0.05, 0),
		Generated: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestMarkdown(t *testing.T) {
	md := NewGenerator().Markdown(sampleInput())
	assert.Contains(t, md, "# Stock/Bond Report")
	assert.Contains(t, md, "**Generated:** 2024-01-02 03:04:05 UTC")
	assert.Contains(t, md, "| **Initial Loss** | -0.200000 |")
	assert.Contains(t, md, "| **Improvement** | 0.300000 (150.00%) |")
	assert.Contains(t, md, "The loss decreased.")
	assert.Contains(t, md, "| weightBond | 0.400000 | 0.400000 | unchanged |")
	assert.Contains(t, md, "| loss | -0.200000 | -0.500000 | -0.300000 |")
	assert.Contains(t, md, "## Profit Distribution")
	assert.Contains(t, md, "- Method: adam")
}

func TestMarkdown_NoProfitSection(t *testing.T) {
	in := sampleInput()
	in.Before, in.After = metrics.Summary{}, metrics.Summary{}
	in.Result.Final = map[string]float64{"loss": -0.1}
	md := NewGenerator().Markdown(in)
	assert.NotContains(t, md, "## Profit Distribution")
	assert.Contains(t, md, "**The loss increased.**")
	assert.Contains(t, md, "| weightBond | 0.400000 | n/a | n/a |")
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.xlsx")
	require.NoError(t, WriteXLSX(path, sampleInput(), nil))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(HistorySheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"iteration", "weightBond", "loss"}, rows[0])
	assert.Equal(t, []string{"1", "0.4", "-0.4"}, rows[2])
	assert.Equal(t, "-0.5", rows[3][2])

	v, err := f.GetCellValue(SummarySheet, "B1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", v)
}

func TestLossChart(t *testing.T) {
	rows := []runlog.Row{
		{Iteration: -1, Metrics: map[string]float64{"loss": 1}},
		{Iteration: 0, Metrics: map[string]float64{"loss": 0.5}},
		{Iteration: 1, Metrics: map[string]float64{"loss": 0.25}},
	}
	img, err := LossChart("run-1", "loss", rows)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(img))
	assert.NoError(t, err)

	_, err = LossChart("run-1", "missing", rows)
	assert.ErrorIs(t, err, ErrNotEnoughPoints)

	path := filepath.Join(t.TempDir(), "loss.png")
	assert.NoError(t, WriteLossChart(path, "run-1", "loss", rows))
}
