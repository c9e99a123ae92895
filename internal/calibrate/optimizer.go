// Package calibrate fits free parameters of a portfolio model by gradient
// descent on a loss built from the model's expected utility.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sawpanic/mcalib/internal/cache"
	"github.com/sawpanic/mcalib/internal/graph"
	"github.com/sawpanic/mcalib/internal/optim"
	"github.com/sawpanic/mcalib/internal/portfolio"
	"github.com/sawpanic/mcalib/internal/preference"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/runlog"
	"github.com/sawpanic/mcalib/internal/tensor"
)

// TracerName identifies spans emitted by this package.
const TracerName = "mcalib.calibrate"

var (
	// ErrNoLoss is returned by Optimize before RegisterLoss.
	ErrNoLoss = errors.New("no loss registered")
	// ErrNotOptimizable is returned when a target is readable but not learnable.
	ErrNotOptimizable = errors.New("target is not optimizable")
)

// MetricFunc computes a loss or metric from resolved targets.
type MetricFunc func(targets []*tensor.Tensor, params process.Params) (*tensor.Tensor, error)

type registration struct {
	targets []string
	fn      MetricFunc
}

// Config controls one Optimize call.
type Config struct {
	Iterations   int     `yaml:"iterations" validate:"gte=0"`
	LearningRate float64 `yaml:"learning_rate" validate:"gte=0"`
	Tolerance    float64 `yaml:"tolerance" validate:"gte=0"`
	Patience     int     `yaml:"patience" validate:"gte=0"`
	Method       string  `yaml:"method" validate:"omitempty,oneof=adam sgd"`
}

// DefaultConfig returns the default calibration settings.
func DefaultConfig() Config {
	return Config{
		Iterations:   1000,
		LearningRate: 0.01,
		Tolerance:    DefaultTolerance,
		Patience:     DefaultPatience,
		Method:       "adam",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LearningRate == 0 {
		c.LearningRate = d.LearningRate
	}
	if c.Patience == 0 {
		c.Patience = d.Patience
	}
	if c.Method == "" {
		c.Method = d.Method
	}
	return c
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the record sink. The default discards records.
func WithLogger(l runlog.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Optimizer) { o.tracer = t }
}

// Optimizer wraps a portfolio and a preference, discovers their
// differentiable quantities and calibrates the requested ones.
type Optimizer struct {
	portfolio  *portfolio.Portfolio
	preference *preference.Preference
	logger     runlog.Logger
	tracer     trace.Tracer
	params     process.Params

	revenue *tensor.Tensor
	profits *tensor.Tensor
	utility *tensor.Tensor

	loss        *registration
	metrics     map[string]registration
	metricOrder []string

	discovery graph.Discovery
	result    *Result
}

// New evaluates the model once and discovers its targets.
func New(p *portfolio.Portfolio, pref *preference.Preference, opts ...Option) (*Optimizer, error) {
	o := &Optimizer{
		portfolio:  p,
		preference: pref,
		logger:     runlog.Nop{},
		tracer:     otel.Tracer(TracerName),
		params:     process.Params{},
		metrics:    make(map[string]registration),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.CalculateUtility(); err != nil {
		return nil, err
	}
	o.discovery = graph.Discover(o)
	return o, nil
}

func (o *Optimizer) Portfolio() *portfolio.Portfolio    { return o.portfolio }
func (o *Optimizer) Preference() *preference.Preference { return o.preference }
func (o *Optimizer) Revenue() *tensor.Tensor            { return o.revenue }
func (o *Optimizer) Profits() *tensor.Tensor            { return o.profits }
func (o *Optimizer) Utility() *tensor.Tensor            { return o.utility }
func (o *Optimizer) Params() process.Params             { return o.params }

// LossTargets lists every path usable by RegisterLoss and RegisterMetric.
func (o *Optimizer) LossTargets() []string { return o.discovery.Loss }

// OptimizationTargets lists every path Optimize accepts.
func (o *Optimizer) OptimizationTargets() []string { return o.discovery.Optimizable }

// LastResult returns the result of the latest Optimize call.
func (o *Optimizer) LastResult() (Result, bool) {
	if o.result == nil {
		return Result{}, false
	}
	return *o.result, true
}

// CalculateUtility runs the forward pass: profit per scenario and period,
// profit per scenario, expected utility.
func (o *Optimizer) CalculateUtility() error {
	revenue, err := o.portfolio.SimulatePnL()
	if err != nil {
		return fmt.Errorf("simulate pnl: %w", err)
	}
	utility, err := o.preference.Utility(revenue)
	if err != nil {
		return fmt.Errorf("utility: %w", err)
	}
	o.revenue = revenue
	o.profits = tensor.Sum(revenue, 1)
	o.utility = utility
	return nil
}

// RegisterLoss binds fn to targets. params are added to the optimizer
// parameters passed to every loss and metric.
func (o *Optimizer) RegisterLoss(targets []string, fn MetricFunc, params map[string]float64) error {
	if _, err := graph.ResolveAll(o, targets); err != nil {
		return fmt.Errorf("register loss: %w", err)
	}
	for k, v := range params {
		o.params[k] = tensor.Scalar(v)
	}
	o.loss = &registration{targets: targets, fn: fn}
	return nil
}

// RegisterMetric binds a named observational metric. Re-registering a name
// replaces it.
func (o *Optimizer) RegisterMetric(name string, targets []string, fn MetricFunc) error {
	if name == runlog.LossColumn {
		return fmt.Errorf("metric name %q is reserved", name)
	}
	if _, err := graph.ResolveAll(o, targets); err != nil {
		return fmt.Errorf("register metric %s: %w", name, err)
	}
	if _, ok := o.metrics[name]; !ok {
		o.metricOrder = append(o.metricOrder, name)
	}
	o.metrics[name] = registration{targets: targets, fn: fn}
	return nil
}

// Optimize calibrates the named targets. Initial metrics are recorded at
// iteration -1 and final metrics after the loop, both with the targets frozen.
// Cached stages fed by a target are bypassed for the duration of the run.
func (o *Optimizer) Optimize(ctx context.Context, targets []string, cfg Config) (res Result, err error) {
	if o.loss == nil {
		return Result{}, ErrNoLoss
	}
	cfg = cfg.withDefaults()

	ctx, span := o.tracer.Start(ctx, "calibrate.optimize", trace.WithAttributes(
		attribute.StringSlice("calibrate.targets", targets),
		attribute.Int("calibrate.iterations", cfg.Iterations),
		attribute.Float64("calibrate.learning_rate", cfg.LearningRate),
		attribute.String("calibrate.method", cfg.Method),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	resolved, err := graph.ResolveAll(o, targets)
	if err != nil {
		return Result{}, err
	}
	params := make([]*tensor.Tensor, len(resolved))
	scope := cache.ScopeNone
	for i, t := range resolved {
		if !t.Optimizable() {
			return Result{}, fmt.Errorf("%w: %s", ErrNotOptimizable, t.Path)
		}
		params[i] = t.Tensor
		scope |= t.Scope
	}
	opt, err := optim.New(cfg.Method, params, cfg.LearningRate)
	if err != nil {
		return Result{}, err
	}

	o.portfolio.SuspendCaching(scope)
	defer o.portfolio.ResumeCaching(scope)

	start := time.Now()
	setTracking(params, false)
	_, initial, err := o.evaluate(ctx, -1, false)
	if err != nil {
		return Result{}, fmt.Errorf("initial evaluation: %w", err)
	}
	res = Result{Initial: initial}
	log.Info().Strs("targets", targets).Str("method", cfg.Method).Int("iterations", cfg.Iterations).
		Float64("initial_loss", initial[runlog.LossColumn]).Msg("calibration started")

	setTracking(params, true)
	stop := NewEarlyStopping(cfg.Patience, cfg.Tolerance)
	i := 0
	for ; i < cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			setTracking(params, false)
			return Result{}, err
		}
		opt.ZeroGrad()
		loss, metrics, err := o.evaluate(ctx, i, false)
		if err != nil {
			setTracking(params, false)
			return Result{}, fmt.Errorf("iteration %d: %w", i, err)
		}
		res.History = append(res.History, Step{Iteration: i, Metrics: metrics})
		if err := loss.Backward(); err != nil {
			setTracking(params, false)
			return Result{}, fmt.Errorf("iteration %d: backward: %w", i, err)
		}
		opt.Step()
		if stop.Step(loss.Item()) {
			res.Converged = true
			i++
			break
		}
	}
	res.Iterations = i

	setTracking(params, false)
	_, final, err := o.evaluate(ctx, i, true)
	if err != nil {
		return Result{}, fmt.Errorf("final evaluation: %w", err)
	}
	res.Final = final
	res.Elapsed = time.Since(start)
	o.result = &res

	span.SetAttributes(
		attribute.Bool("calibrate.converged", res.Converged),
		attribute.Int("calibrate.steps", res.Iterations),
	)
	log.Info().Bool("converged", res.Converged).Int("steps", res.Iterations).
		Float64("final_loss", final[runlog.LossColumn]).Dur("elapsed", res.Elapsed).Msg("calibration finished")
	return res, nil
}

// evaluate runs the forward pass, the loss and every metric, and hands the
// record to the logger. The last record of a run goes through runlog.Final.
// Logger errors are logged and ignored.
func (o *Optimizer) evaluate(ctx context.Context, iteration int, last bool) (*tensor.Tensor, map[string]float64, error) {
	if err := o.CalculateUtility(); err != nil {
		return nil, nil, err
	}
	loss, err := o.apply(*o.loss)
	if err != nil {
		return nil, nil, fmt.Errorf("loss: %w", err)
	}
	if loss.Len() != 1 {
		return nil, nil, fmt.Errorf("%w: loss must be a single value, got %v", tensor.ErrShape, loss.Shape())
	}
	metrics := make(map[string]float64, len(o.metricOrder)+1)
	for _, name := range o.metricOrder {
		v, err := o.apply(o.metrics[name])
		if err != nil {
			return nil, nil, fmt.Errorf("metric %s: %w", name, err)
		}
		if v.Len() != 1 {
			return nil, nil, fmt.Errorf("%w: metric %s must be a single value, got %v", tensor.ErrShape, name, v.Shape())
		}
		metrics[name] = v.Item()
	}
	metrics[runlog.LossColumn] = loss.Item()

	record := o.logger.ProcessRecord
	if last {
		record = func(ctx context.Context, iteration int, metrics map[string]float64) error {
			return runlog.Final(ctx, o.logger, iteration, metrics)
		}
	}
	if err := record(ctx, iteration, metrics); err != nil {
		log.Warn().Err(err).Int("iteration", iteration).Msg("calibration record not logged")
	}
	return loss, metrics, nil
}

func (o *Optimizer) apply(r registration) (*tensor.Tensor, error) {
	resolved, err := graph.ResolveAll(o, r.targets)
	if err != nil {
		return nil, err
	}
	values := make([]*tensor.Tensor, len(resolved))
	for i, t := range resolved {
		values[i] = t.Tensor
	}
	return r.fn(values, o.params)
}

func (o *Optimizer) Leaves() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		"revenue": o.revenue,
		"profits": o.profits,
		"utility": o.utility,
	}
}

func (o *Optimizer) Children() map[string]any {
	return map[string]any{
		"portfolio":  o.portfolio,
		"preference": o.preference,
		"params":     graph.Params{Values: o.params, Deps: cache.ScopeNone},
	}
}

func setTracking(params []*tensor.Tensor, on bool) {
	for _, p := range params {
		p.SetRequiresGrad(on)
		if !on {
			p.ZeroGrad()
		}
	}
}
