package runlog

import (
	"context"

	"github.com/rs/zerolog"
)

// Zerolog writes each record as one structured log event.
type Zerolog struct {
	logger zerolog.Logger
	runID  string
	level  zerolog.Level
}

// NewZerolog logs records at level with the run id attached.
func NewZerolog(logger zerolog.Logger, runID string, level zerolog.Level) *Zerolog {
	return &Zerolog{logger: logger, runID: runID, level: level}
}

func (z *Zerolog) ProcessRecord(_ context.Context, iteration int, metrics map[string]float64) error {
	ev := z.logger.WithLevel(z.level).Str("run_id", z.runID).Int("iteration", iteration)
	for _, col := range Columns(metrics) {
		ev = ev.Float64(col, metrics[col])
	}
	ev.Msg("calibration record")
	return nil
}
