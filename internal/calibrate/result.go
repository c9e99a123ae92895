package calibrate

import "time"

// Step is the record of one optimization iteration.
type Step struct {
	Iteration int
	Metrics   map[string]float64
}

// Result summarizes an Optimize call. Initial and Final hold the loss and
// every registered metric evaluated with frozen targets.
type Result struct {
	Initial    map[string]float64
	Final      map[string]float64
	Converged  bool
	Iterations int
	Elapsed    time.Duration
	History    []Step
}

// Flat returns a single-level map with initial_ and final_ prefixes and a
// converged flag (1 or 0).
func (r Result) Flat() map[string]float64 {
	out := make(map[string]float64, len(r.Initial)+len(r.Final)+1)
	for k, v := range r.Initial {
		out["initial_"+k] = v
	}
	for k, v := range r.Final {
		out["final_"+k] = v
	}
	out["converged"] = 0
	if r.Converged {
		out["converged"] = 1
	}
	return out
}

// Series returns the per-iteration values of one metric.
func (r Result) Series(name string) []float64 {
	out := make([]float64, 0, len(r.History))
	for _, s := range r.History {
		if v, ok := s.Metrics[name]; ok {
			out = append(out, v)
		}
	}
	return out
}
