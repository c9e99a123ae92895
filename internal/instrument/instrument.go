// Package instrument evaluates payoffs of tradable instruments against the
// scenario array of their underlying asset.
package instrument

import (
	"fmt"

	"github.com/sawpanic/mcalib/internal/cache"
	"github.com/sawpanic/mcalib/internal/graph"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/tensor"
)

// Key identifies an instrument inside a portfolio by its own name and the
// asset it is written on.
type Key struct {
	Instrument string
	Asset      string
}

func (k Key) String() string { return k.Instrument + "_" + k.Asset }

// Config describes an instrument before it is bound to scenarios.
type Config struct {
	Name       string
	AssetName  string
	Payoff     Payoff
	Price      float64
	Short      bool
	Commission float64
	Params     process.Params
}

// Instrument holds a payoff, its purchase price and the revenue it produces on
// the current scenario array.
type Instrument struct {
	name       string
	assetName  string
	scenario   *tensor.Tensor
	payoff     Payoff
	price      *tensor.Tensor
	short      bool
	commission float64
	params     process.Params

	revenue *tensor.Tensor
}

// New binds cfg to a [trials, periods] scenario array and computes revenue.
func New(cfg Config, scenario *tensor.Tensor) (*Instrument, error) {
	if cfg.Payoff == nil {
		return nil, fmt.Errorf("instrument %s: nil payoff", cfg.Name)
	}
	price, err := tensor.Param([]float64{cfg.Price}, 1)
	if err != nil {
		return nil, err
	}
	params := cfg.Params
	if params == nil {
		params = process.Params{}
	}
	inst := &Instrument{
		name:       cfg.Name,
		assetName:  cfg.AssetName,
		payoff:     cfg.Payoff,
		price:      price,
		short:      cfg.Short,
		commission: cfg.Commission,
		params:     params,
	}
	if err := inst.UpdateAssetSimulation(scenario); err != nil {
		return nil, err
	}
	return inst, nil
}

func (i *Instrument) Name() string             { return i.name }
func (i *Instrument) AssetName() string        { return i.assetName }
func (i *Instrument) Key() Key                 { return Key{Instrument: i.name, Asset: i.assetName} }
func (i *Instrument) Price() *tensor.Tensor    { return i.price }
func (i *Instrument) Params() process.Params   { return i.params }
func (i *Instrument) Revenue() *tensor.Tensor  { return i.revenue }
func (i *Instrument) Scenario() *tensor.Tensor { return i.scenario }
func (i *Instrument) Short() bool              { return i.short }
func (i *Instrument) Commission() float64      { return i.commission }

// Sign is -1 for short positions and +1 otherwise.
func (i *Instrument) Sign() float64 {
	if i.short {
		return -1
	}
	return 1
}

// Maturity returns the maturity parameter when the instrument has one.
func (i *Instrument) Maturity() (int, bool) {
	m, err := i.params.Float("maturity")
	if err != nil {
		return 0, false
	}
	return int(m), true
}

func (i *Instrument) Leaves() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"price": i.price, "revenue": i.revenue}
}

func (i *Instrument) Children() map[string]any {
	return map[string]any{"params": graph.Params{Values: i.params, Deps: cache.ScopeInstrument}}
}

// Scope tags the price as an input of the returns stage.
func (i *Instrument) Scope() cache.Scope { return cache.ScopePrice }

// UpdateAssetSimulation points the instrument at a new scenario array and
// recomputes revenue.
func (i *Instrument) UpdateAssetSimulation(scenario *tensor.Tensor) error {
	if scenario == nil || scenario.Dims() != 2 {
		var shape []int
		if scenario != nil {
			shape = scenario.Shape()
		}
		return fmt.Errorf("%w: instrument %s needs a [trials, periods] scenario, got %v",
			tensor.ErrShape, i.name, shape)
	}
	i.scenario = scenario
	return i.Recalculate()
}

// Recalculate re-evaluates revenue on the current scenario, picking up any
// change in the payoff parameters.
func (i *Instrument) Recalculate() error {
	revenue, err := i.calculateProfit()
	if err != nil {
		return err
	}
	i.revenue = revenue
	return nil
}

// calculateProfit evaluates the payoff once per period and stacks the results
// into [trials, periods], net of the flat commission.
func (i *Instrument) calculateProfit() (*tensor.Tensor, error) {
	periods := i.scenario.Dim(-1)
	trials := i.scenario.Dim(0)
	payouts := make([]*tensor.Tensor, periods)
	for t := 0; t < periods; t++ {
		p, err := i.payoff(i.scenario, t, i.params)
		if err != nil {
			return nil, fmt.Errorf("instrument %s period %d: %w", i.name, t, err)
		}
		if p.Len() != trials {
			return nil, fmt.Errorf("%w: instrument %s period %d payout has %d values for %d trials",
				tensor.ErrShape, i.name, t, p.Len(), trials)
		}
		payouts[t] = tensor.Reshape(p, trials)
	}
	revenue := tensor.Stack(1, payouts...)
	if i.commission != 0 {
		revenue = tensor.AddScalar(revenue, -i.commission)
	}
	return revenue, nil
}
