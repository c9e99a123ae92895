package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/sawpanic/mcalib/internal/runlog"
)

// Sheet names of the history workbook.
const (
	SummarySheet = "Summary"
	HistorySheet = "History"
)

// WriteXLSX stores the summary and the per-iteration history of in.
// History rows come from the recorded run when rows is non-empty and from
// in.Result.History otherwise.
func WriteXLSX(path string, in Input, rows []runlog.Row) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return err
	}
	summary := [][]any{
		{"run", in.Run},
		{"targets", fmt.Sprint(in.Targets)},
		{"iterations", in.Result.Iterations},
		{"converged", in.Result.Converged},
	}
	for _, k := range runlog.Columns(in.Result.Flat()) {
		summary = append(summary, []any{k, in.Result.Flat()[k]})
	}
	for i, row := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return err
		}
	}

	if len(rows) == 0 {
		for _, s := range in.Result.History {
			rows = append(rows, runlog.Row{Iteration: s.Iteration, Metrics: s.Metrics})
		}
	}
	if _, err := f.NewSheet(HistorySheet); err != nil {
		return err
	}
	cols := historyColumns(rows)
	header := make([]any, 0, len(cols)+1)
	header = append(header, "iteration")
	for _, c := range cols {
		header = append(header, c)
	}
	if err := f.SetSheetRow(HistorySheet, "A1", &header); err != nil {
		return err
	}
	for i, r := range rows {
		line := make([]any, 0, len(cols)+1)
		line = append(line, r.Iteration)
		for _, c := range cols {
			if v, ok := r.Metrics[c]; ok {
				line = append(line, v)
			} else {
				line = append(line, nil)
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(HistorySheet, cell, &line); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}

func historyColumns(rows []runlog.Row) []string {
	all := make(map[string]float64)
	for _, r := range rows {
		for k, v := range r.Metrics {
			all[k] = v
		}
	}
	return runlog.Columns(all)
}
