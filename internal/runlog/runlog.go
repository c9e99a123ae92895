// Package runlog receives calibration records: one flat record per logged
// iteration with one value per registered metric plus the loss.
package runlog

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// LossColumn is the metric name under which the loss is recorded.
const LossColumn = "loss"

// Logger is a calibration record sink. It must tolerate being called on every
// iteration or at a reduced frequency. Errors are reported to the caller, which
// treats them as non-fatal.
type Logger interface {
	ProcessRecord(ctx context.Context, iteration int, metrics map[string]float64) error
}

// Finalizer is implemented by loggers that must see the last record of a run
// even when they drop intermediate ones.
type Finalizer interface {
	ProcessFinal(ctx context.Context, iteration int, metrics map[string]float64) error
}

// Final hands the last record of a run to l, through ProcessFinal when l
// implements it.
func Final(ctx context.Context, l Logger, iteration int, metrics map[string]float64) error {
	if f, ok := l.(Finalizer); ok {
		return f.ProcessFinal(ctx, iteration, metrics)
	}
	return l.ProcessRecord(ctx, iteration, metrics)
}

// NewRunID returns an identifier for one calibration run.
func NewRunID() string { return uuid.NewString() }

// Columns orders metric names with the loss last.
func Columns(metrics map[string]float64) []string {
	cols := make([]string, 0, len(metrics))
	for k := range metrics {
		if k != LossColumn {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	if _, ok := metrics[LossColumn]; ok {
		cols = append(cols, LossColumn)
	}
	return cols
}

// Nop discards records.
type Nop struct{}

func (Nop) ProcessRecord(context.Context, int, map[string]float64) error { return nil }

// Multi fans records out to every logger and joins their errors.
type Multi []Logger

func (m Multi) ProcessRecord(ctx context.Context, iteration int, metrics map[string]float64) error {
	var errs []error
	for _, l := range m {
		if err := l.ProcessRecord(ctx, iteration, metrics); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) ProcessFinal(ctx context.Context, iteration int, metrics map[string]float64) error {
	var errs []error
	for _, l := range m {
		if err := Final(ctx, l, iteration, metrics); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Row is one stored record.
type Row struct {
	Iteration int                `json:"iteration"`
	Metrics   map[string]float64 `json:"metrics"`
}

// Memory keeps every record in order.
type Memory struct {
	mu   sync.Mutex
	rows []Row
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) ProcessRecord(_ context.Context, iteration int, metrics map[string]float64) error {
	cp := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		cp[k] = v
	}
	m.mu.Lock()
	m.rows = append(m.rows, Row{Iteration: iteration, Metrics: cp})
	m.mu.Unlock()
	return nil
}

// Rows returns a copy of the stored records.
func (m *Memory) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out
}

// Series returns the values of one metric in record order.
func (m *Memory) Series(name string) []float64 {
	rows := m.Rows()
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		if v, ok := r.Metrics[name]; ok {
			out = append(out, v)
		}
	}
	return out
}
