package runlog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// ErrFileExists is returned when a CSV log would overwrite an earlier run.
var ErrFileExists = errors.New("log file already exists")

// CSV appends records to a file. The header is written with the first record
// and fixes the column set for the rest of the run.
type CSV struct {
	mu      sync.Mutex
	path    string
	columns []string
}

// NewCSV refuses a path that already exists.
func NewCSV(path string) (*CSV, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return &CSV{path: path}, nil
}

func (c *CSV) Path() string { return c.path }

func (c *CSV) ProcessRecord(_ context.Context, iteration int, metrics map[string]float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open csv log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if c.columns == nil {
		c.columns = Columns(metrics)
		if err := w.Write(append([]string{"iteration"}, c.columns...)); err != nil {
			return err
		}
	}
	row := make([]string, 0, len(c.columns)+1)
	row = append(row, strconv.Itoa(iteration))
	for _, col := range c.columns {
		v, ok := metrics[col]
		if !ok {
			row = append(row, "")
			continue
		}
		row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
