// Package portfolio owns the assets and instruments of one calibration problem
// and evaluates per-scenario profit through its strategy.
package portfolio

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mcalib/internal/asset"
	"github.com/sawpanic/mcalib/internal/cache"
	"github.com/sawpanic/mcalib/internal/graph"
	"github.com/sawpanic/mcalib/internal/instrument"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/strategy"
	"github.com/sawpanic/mcalib/internal/tensor"
)

var (
	// ErrAssetNotFound is returned when an instrument references an asset that
	// is neither registered alone nor a member of a co-simulated group.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrNoStrategy is returned when profit is requested before SetStrategy.
	ErrNoStrategy = errors.New("portfolio has no strategy")
)

// Option configures a Portfolio.
type Option func(*Portfolio)

// WithSeed fixes the seed every asset stream is derived from.
func WithSeed(seed uint64) Option {
	return func(p *Portfolio) { p.seed = seed }
}

// WithCaching registers stages on the portfolio cache and on every strategy
// set afterwards.
func WithCaching(stages ...cache.Stage) Option {
	return func(p *Portfolio) { p.stages = append(p.stages, stages...) }
}

// WithCacheObserver reports cache lookups to o.
func WithCacheObserver(o cache.Observer) Option {
	return func(p *Portfolio) { p.observer = o }
}

// Portfolio is not safe for concurrent use. Independent portfolios may run in
// parallel.
type Portfolio struct {
	periods int
	trials  int
	seed    uint64

	assets     map[asset.ID]*asset.Asset
	assetOrder []asset.ID
	book       *strategy.Book
	strategy   *strategy.Strategy

	cache    *cache.Cache[*tensor.Tensor]
	stages   []cache.Stage
	observer cache.Observer
}

// New creates an empty portfolio whose assets share periods and trials.
func New(periods, trials int, opts ...Option) (*Portfolio, error) {
	if periods < 2 || trials < 1 {
		return nil, fmt.Errorf("%w: portfolio needs at least two periods and one trial, got periods=%d trials=%d",
			tensor.ErrShape, periods, trials)
	}
	p := &Portfolio{
		periods: periods,
		trials:  trials,
		seed:    1,
		assets:  make(map[asset.ID]*asset.Asset),
		book:    strategy.NewBook(),
		cache:   cache.New[*tensor.Tensor](),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cache.Register(p.stages...)
	p.cache.SetObserver(p.observer)
	return p, nil
}

func (p *Portfolio) Periods() int                 { return p.periods }
func (p *Portfolio) Trials() int                  { return p.trials }
func (p *Portfolio) Book() *strategy.Book         { return p.book }
func (p *Portfolio) Strategy() *strategy.Strategy { return p.strategy }
func (p *Portfolio) NumInstruments() int          { return p.book.Len() }

// AddAsset simulates a new asset and stores it under id. Re-adding an id
// replaces the asset; instruments already built on it keep their scenarios
// until Regenerate or OverwriteAsset.
func (p *Portfolio) AddAsset(id asset.ID, gen process.Generator, params process.Params) (*asset.Asset, error) {
	a, err := asset.New(id, gen, p.periods, p.trials, params, p.assetSeed(id))
	if err != nil {
		return nil, err
	}
	if _, ok := p.assets[id]; !ok {
		p.assetOrder = append(p.assetOrder, id)
	}
	p.assets[id] = a
	p.cache.InvalidateScope(cache.ScopeProcess)
	if p.strategy != nil {
		p.strategy.Cache().InvalidateScope(cache.ScopeProcess)
	}
	log.Debug().Str("asset", id.String()).Int("periods", p.periods).Int("trials", p.trials).Msg("asset simulated")
	return a, nil
}

// Asset returns the asset registered under id.
func (p *Portfolio) Asset(id asset.ID) (*asset.Asset, bool) {
	a, ok := p.assets[id]
	return a, ok
}

// Assets returns the assets in registration order.
func (p *Portfolio) Assets() []*asset.Asset {
	out := make([]*asset.Asset, len(p.assetOrder))
	for i, id := range p.assetOrder {
		out[i] = p.assets[id]
	}
	return out
}

// Scenario returns the [trials, periods] array of a named asset, slicing it
// out of a co-simulated group when needed.
func (p *Portfolio) Scenario(name string) (*tensor.Tensor, error) {
	if a, ok := p.assets[asset.Single(name)]; ok {
		return a.Simulation(), nil
	}
	for _, id := range p.assetOrder {
		if !id.IsGroup() {
			continue
		}
		if _, ok := id.Position(name); ok {
			return p.assets[id].Member(name)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, name)
}

// AddInstrument builds an instrument on the asset named cfg.AssetName.
func (p *Portfolio) AddInstrument(cfg instrument.Config) (*instrument.Instrument, error) {
	scenario, err := p.Scenario(cfg.AssetName)
	if err != nil {
		return nil, fmt.Errorf("add instrument %s: %w", cfg.Name, err)
	}
	inst, err := instrument.New(cfg, scenario)
	if err != nil {
		return nil, err
	}
	p.book.Put(inst)
	p.cache.InvalidateScope(cache.ScopeInstrument)
	if p.strategy != nil {
		p.strategy.Cache().InvalidateAll()
	}
	return inst, nil
}

// SetStrategy replaces the strategy. The strategy sees the portfolio book, so
// instruments added later are included.
func (p *Portfolio) SetStrategy(cfg strategy.Config) error {
	s, err := strategy.New(p.book, cfg)
	if err != nil {
		return err
	}
	s.Cache().Register(p.stages...)
	s.Cache().SetObserver(p.observer)
	if suspended := p.cache.Suspended(); suspended != cache.ScopeNone {
		s.Cache().Suspend(suspended)
	}
	p.strategy = s
	return nil
}

// SetWeights forwards to the strategy.
func (p *Portfolio) SetWeights(w []float64, mode strategy.WeightsMode) error {
	if p.strategy == nil {
		return ErrNoStrategy
	}
	return p.strategy.SetWeights(w, mode)
}

// SimulatePnL returns per-scenario, per-period profit [trials, periods-1].
func (p *Portfolio) SimulatePnL() (*tensor.Tensor, error) {
	if p.strategy == nil {
		return nil, ErrNoStrategy
	}
	if len(p.assetOrder) == 0 {
		return nil, fmt.Errorf("%w: portfolio has no assets", ErrAssetNotFound)
	}
	assets, err := p.cache.Do(cache.StageAssets, p.stackAssets)
	if err != nil {
		return nil, err
	}
	revenue, err := p.cache.Do(cache.StageRevenue, p.stackRevenue)
	if err != nil {
		return nil, err
	}
	return p.strategy.EstimateProfit(assets, revenue)
}

// stackAssets re-runs every generator on its current noise, so parameter
// changes show up, and stacks all scenario rows into [rows, trials, periods].
func (p *Portfolio) stackAssets() (*tensor.Tensor, error) {
	rows := make([]*tensor.Tensor, 0, len(p.assetOrder))
	for _, id := range p.assetOrder {
		a := p.assets[id]
		if err := a.Replay(); err != nil {
			return nil, err
		}
		if !id.IsGroup() {
			rows = append(rows, a.Simulation())
			continue
		}
		for i := range id.Members() {
			rows = append(rows, tensor.Select(a.Simulation(), 0, i))
		}
	}
	return tensor.Stack(0, rows...), nil
}

// stackRevenue points every instrument at its asset's current scenario and
// stacks revenue into [instruments, trials, periods].
func (p *Portfolio) stackRevenue() (*tensor.Tensor, error) {
	if p.book.Len() == 0 {
		return nil, strategy.ErrEmptyBook
	}
	if err := p.refreshInstruments(func(string) bool { return true }); err != nil {
		return nil, err
	}
	revs := make([]*tensor.Tensor, 0, p.book.Len())
	for _, inst := range p.book.Instruments() {
		revs = append(revs, inst.Revenue())
	}
	return tensor.Stack(0, revs...), nil
}

func (p *Portfolio) refreshInstruments(match func(asset string) bool) error {
	for _, inst := range p.book.Instruments() {
		if !match(inst.AssetName()) {
			continue
		}
		scenario, err := p.Scenario(inst.AssetName())
		if err != nil {
			return err
		}
		if err := inst.UpdateAssetSimulation(scenario); err != nil {
			return err
		}
	}
	return nil
}

// OverwriteAsset replaces the scenarios of asset id with real data, pins them
// and recomputes every instrument written on the asset or one of its members.
func (p *Portfolio) OverwriteAsset(id asset.ID, x *tensor.Tensor) error {
	a, ok := p.assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, id)
	}
	if err := a.Overwrite(x); err != nil {
		return err
	}
	members := make(map[string]bool)
	for _, m := range id.Members() {
		members[m] = true
	}
	if err := p.refreshInstruments(func(name string) bool { return members[name] }); err != nil {
		return err
	}
	p.InvalidateCache()
	log.Info().Str("asset", id.String()).Msg("asset overwritten with external data")
	return nil
}

// Regenerate draws fresh scenarios for every unpinned asset and recomputes
// all instruments.
func (p *Portfolio) Regenerate() error {
	for _, id := range p.assetOrder {
		if err := p.assets[id].Regenerate(); err != nil {
			return err
		}
	}
	if err := p.refreshInstruments(func(string) bool { return true }); err != nil {
		return err
	}
	p.InvalidateCache()
	return nil
}

// InvalidateCache drops every stored stage of the portfolio and its strategy.
func (p *Portfolio) InvalidateCache() {
	p.cache.InvalidateAll()
	if p.strategy != nil {
		p.strategy.Cache().InvalidateAll()
	}
}

// SuspendCaching bypasses every cached stage depending on scope until
// ResumeCaching.
func (p *Portfolio) SuspendCaching(scope cache.Scope) {
	p.cache.Suspend(scope)
	if p.strategy != nil {
		p.strategy.Cache().Suspend(scope)
	}
}

// ResumeCaching lifts a suspension.
func (p *Portfolio) ResumeCaching(scope cache.Scope) {
	p.cache.Resume(scope)
	if p.strategy != nil {
		p.strategy.Cache().Resume(scope)
	}
}

func (p *Portfolio) Leaves() map[string]*tensor.Tensor { return nil }

func (p *Portfolio) Children() map[string]any {
	assets := make(map[string]any, len(p.assetOrder))
	for _, id := range p.assetOrder {
		assets[id.String()] = p.assets[id]
	}
	out := map[string]any{
		"assets":      graph.Map(assets),
		"instruments": p.book,
	}
	if p.strategy != nil {
		out["strategy"] = p.strategy
	}
	return out
}

func (p *Portfolio) assetSeed(id asset.ID) uint64 {
	return p.seed ^ xxhash.Sum64String(id.String())
}
