package report

import (
	"errors"
	"os"
	"strconv"

	charts "github.com/vicanso/go-charts/v2"

	"github.com/sawpanic/mcalib/internal/runlog"
)

// ErrNotEnoughPoints is returned when a series is too short to plot.
var ErrNotEnoughPoints = errors.New("not enough data points")

// LossChart renders the named series of rows as a PNG line chart.
func LossChart(title, metric string, rows []runlog.Row) ([]byte, error) {
	values := make([]float64, 0, len(rows))
	labels := make([]string, 0, len(rows))
	for _, r := range rows {
		v, ok := r.Metrics[metric]
		if !ok {
			continue
		}
		values = append(values, v)
		labels = append(labels, strconv.Itoa(r.Iteration))
	}
	if len(values) < 2 {
		return nil, ErrNotEnoughPoints
	}

	yMin, yMax := values[0], values[0]
	for _, v := range values {
		yMin, yMax = min(yMin, v), max(yMax, v)
	}
	pad := (yMax - yMin) * 0.05
	if pad == 0 {
		pad = 1e-3
	}
	yMin -= pad
	yMax += pad

	split := min(10, len(values)-1)
	painter, err := charts.LineRender([][]float64{values},
		charts.PNGTypeOption(),
		charts.TitleTextOptionFunc(title, metric),
		charts.XAxisOptionFunc(charts.XAxisOption{Data: labels, BoundaryGap: charts.FalseFlag(), SplitNumber: split}),
		charts.YAxisOptionFunc(charts.YAxisOption{Min: &yMin, Max: &yMax, DivideCount: 5}),
		charts.ThemeOptionFunc(charts.ThemeLight),
	)
	if err != nil {
		return nil, err
	}
	return painter.Bytes()
}

// WriteLossChart renders LossChart to path.
func WriteLossChart(path, title, metric string, rows []runlog.Row) error {
	img, err := LossChart(title, metric, rows)
	if err != nil {
		return err
	}
	return os.WriteFile(path, img, 0o644)
}
