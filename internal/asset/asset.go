// Package asset wraps a process generator with its simulation settings and
// keeps the generated scenario array.
package asset

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/sawpanic/mcalib/internal/cache"
	"github.com/sawpanic/mcalib/internal/graph"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/tensor"
)

const memberSep = "\x1f"

// ID identifies an asset: either a single name or the ordered member names of
// a co-simulated group. IDs are comparable and usable as map keys.
type ID struct {
	names string
	group bool
}

// Single identifies a stand-alone asset.
func Single(name string) ID { return ID{names: name} }

// Group identifies a co-simulated set of assets in generator order.
func Group(names ...string) ID {
	return ID{names: strings.Join(names, memberSep), group: true}
}

func (id ID) IsGroup() bool { return id.group }

// Members returns the member names; a single asset has exactly one.
func (id ID) Members() []string {
	if !id.group {
		return []string{id.names}
	}
	return strings.Split(id.names, memberSep)
}

// Position returns the row of name inside a group.
func (id ID) Position(name string) (int, bool) {
	for i, m := range id.Members() {
		if m == name {
			return i, true
		}
	}
	return 0, false
}

func (id ID) String() string {
	if !id.group {
		return id.names
	}
	return "(" + strings.Join(id.Members(), ",") + ")"
}

// Asset is an underlying whose scenarios come from a process generator.
type Asset struct {
	id        ID
	generator process.Generator
	periods   int
	trials    int
	params    process.Params
	seed      uint64
	draws     uint64

	simulation *tensor.Tensor
	pinned     bool
}

// New builds the asset and simulates it once. Every draw uses a PCG stream
// derived from seed and the draw counter, so Replay reproduces the current
// noise exactly.
func New(id ID, gen process.Generator, periods, trials int, params process.Params, seed uint64) (*Asset, error) {
	if gen == nil {
		return nil, fmt.Errorf("asset %s: nil generator", id)
	}
	if params == nil {
		params = process.Params{}
	}
	a := &Asset{
		id:        id,
		generator: gen,
		periods:   periods,
		trials:    trials,
		params:    params,
		seed:      seed,
	}
	if err := a.Regenerate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Asset) ID() ID                     { return a.id }
func (a *Asset) Periods() int               { return a.periods }
func (a *Asset) Trials() int                { return a.trials }
func (a *Asset) Params() process.Params     { return a.params }
func (a *Asset) Simulation() *tensor.Tensor { return a.simulation }

// Pinned reports whether the scenario array was supplied externally.
func (a *Asset) Pinned() bool { return a.pinned }

// Regenerate draws a fresh scenario array unless the asset holds real data.
func (a *Asset) Regenerate() error {
	if a.pinned {
		return nil
	}
	a.draws++
	return a.simulate()
}

// Replay re-runs the generator on the current noise. Values change only when
// parameters changed, and the result is connected to the current parameter
// graph.
func (a *Asset) Replay() error {
	if a.pinned {
		return nil
	}
	return a.simulate()
}

func (a *Asset) simulate() error {
	x, err := a.generator(a.periods, a.trials, a.params, rand.NewPCG(a.seed, a.draws))
	if err != nil {
		return fmt.Errorf("simulate asset %s: %w", a.id, err)
	}
	if err := a.checkShape(x); err != nil {
		return err
	}
	a.simulation = x
	return nil
}

// Overwrite replaces the scenario array with externally supplied data and pins
// it so later regeneration keeps it.
func (a *Asset) Overwrite(x *tensor.Tensor) error {
	if err := a.checkShape(x); err != nil {
		return err
	}
	a.simulation = x
	a.pinned = true
	return nil
}

// Unpin lets the next Regenerate simulate again.
func (a *Asset) Unpin() { a.pinned = false }

// Member returns the scenario rows of one member name.
func (a *Asset) Member(name string) (*tensor.Tensor, error) {
	pos, ok := a.id.Position(name)
	if !ok {
		return nil, fmt.Errorf("asset %s has no member %s", a.id, name)
	}
	if !a.id.IsGroup() {
		return a.simulation, nil
	}
	return tensor.Select(a.simulation, 0, pos), nil
}

// Rows returns the number of scenario rows the asset contributes.
func (a *Asset) Rows() int { return len(a.id.Members()) }

func (a *Asset) Leaves() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"simulation": a.simulation}
}

func (a *Asset) Children() map[string]any {
	return map[string]any{"params": graph.Params{Values: a.params, Deps: cache.ScopeProcess}}
}

func (a *Asset) checkShape(x *tensor.Tensor) error {
	want := []int{a.trials, a.periods}
	if a.id.IsGroup() {
		want = append([]int{len(a.id.Members())}, want...)
	}
	got := x.Shape()
	if len(got) != len(want) {
		return fmt.Errorf("%w: asset %s expects %v, got %v", tensor.ErrShape, a.id, want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("%w: asset %s expects %v, got %v", tensor.ErrShape, a.id, want, got)
		}
	}
	return nil
}
