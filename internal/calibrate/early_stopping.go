package calibrate

import "math"

// Defaults for EarlyStopping.
const (
	DefaultPatience  = 20
	DefaultTolerance = 1e-5
)

// EarlyStopping tracks the best loss seen. A loss that beats the best by more
// than Tolerance resets the counter; Patience non-improving steps in a row stop
// the run.
type EarlyStopping struct {
	Patience  int
	Tolerance float64

	best    float64
	counter int
}

func NewEarlyStopping(patience int, tolerance float64) *EarlyStopping {
	if patience <= 0 {
		patience = DefaultPatience
	}
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return &EarlyStopping{Patience: patience, Tolerance: tolerance, best: math.Inf(1)}
}

// Step records loss and reports whether the run should stop.
func (e *EarlyStopping) Step(loss float64) bool {
	if loss+e.Tolerance < e.best {
		e.best = loss
		e.counter = 0
	} else {
		e.counter++
	}
	return e.counter >= e.Patience
}

func (e *EarlyStopping) Best() float64 { return e.best }
