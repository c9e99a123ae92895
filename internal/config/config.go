// Package config loads calibration run files.
//
// A run file is YAML describing the portfolio, its assets and instruments,
// the strategy, the preference, the calibration and where records go.
// MCALIB_* environment variables override a handful of fields after the file
// is read.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "MCALIB"

// RunConfig is one calibration run.
type RunConfig struct {
	Name        string            `yaml:"name" validate:"required"`
	Seed        uint64            `yaml:"seed"`
	Portfolio   PortfolioConfig   `yaml:"portfolio"`
	Assets      []AssetConfig     `yaml:"assets" validate:"required,min=1,dive"`
	Instruments []InstrumentSpec  `yaml:"instruments" validate:"required,min=1,dive"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Preference  PreferenceConfig  `yaml:"preference"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Sinks       SinksConfig       `yaml:"sinks"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Report      ReportConfig      `yaml:"report"`
}

// PortfolioConfig sizes the simulation.
type PortfolioConfig struct {
	Periods int      `yaml:"periods" validate:"gte=2"`
	Trials  int      `yaml:"trials" validate:"gte=1"`
	Caching []string `yaml:"caching" validate:"dive,oneof=all assets revenue liquidation returns product"`
}

// AssetConfig describes one asset or a co-simulated group.
type AssetConfig struct {
	Name    string         `yaml:"name" validate:"required_without=Members"`
	Members []string       `yaml:"members" validate:"omitempty,min=2,unique"`
	Process string         `yaml:"process" validate:"required,oneof=normal_diffusion multi_normal_diffusion binomial fixed_income"`
	Params  map[string]any `yaml:"params"`
}

// InstrumentSpec describes one instrument.
type InstrumentSpec struct {
	Name       string         `yaml:"name" validate:"required"`
	Asset      string         `yaml:"asset" validate:"required"`
	Payoff     string         `yaml:"payoff" validate:"required,oneof=non_derivative non_derivative_short european_call european_put american_call american_put"`
	Price      float64        `yaml:"price" validate:"gt=0"`
	Short      bool           `yaml:"short"`
	Commission float64        `yaml:"commission" validate:"gte=0"`
	Params     map[string]any `yaml:"params"`
}

// StrategyConfig describes the strategy.
type StrategyConfig struct {
	Weights     []float64 `yaml:"weights"`
	Mode        string    `yaml:"mode" validate:"omitempty,oneof=simplex logits"`
	Liquidation string    `yaml:"liquidation" validate:"omitempty,oneof=buy_and_hold uniform"`
}

// PreferenceConfig describes the investor.
type PreferenceConfig struct {
	Utility  string             `yaml:"utility" validate:"omitempty,oneof=risk_neutral crra"`
	Discount string             `yaml:"discount" validate:"omitempty,oneof=none periodic"`
	Params   map[string]float64 `yaml:"params"`
}

// MetricConfig is one observational metric. Level is the percentile of
// profit_percentile and value_at_risk and the risk-free rate of sharpe_ratio.
type MetricConfig struct {
	Name   string  `yaml:"name" validate:"required"`
	Kind   string  `yaml:"kind" validate:"required,oneof=value element mean_profit min_profit max_profit profit_std_dev profit_percentile value_at_risk scenario_count sharpe_ratio"`
	Target string  `yaml:"target"`
	Index  int     `yaml:"index" validate:"gte=0"`
	Level  float64 `yaml:"level"`
}

// CalibrationConfig selects the loss, the targets and the loop settings.
//
// With loss utility_equalization the optimized targets are the locations of
// DerivativeTargets (instrument keys such as EuropeanOption_Company) and
// Targets is ignored. TargetUtility, when present, replaces the utility of
// the zero-allocation portfolio.
type CalibrationConfig struct {
	Loss               string         `yaml:"loss" validate:"omitempty,oneof=portfolio_optimization utility_equalization"`
	Targets            []string       `yaml:"targets" validate:"dive,required"`
	DerivativeTargets  []string       `yaml:"derivative_targets" validate:"dive,required"`
	DerivativeWeight   float64        `yaml:"derivative_weight" validate:"gte=0,lt=1"`
	DerivativeLocation string         `yaml:"derivative_location" validate:"omitempty,oneof=price volatility"`
	TargetUtility      *float64       `yaml:"target_utility"`
	Iterations         int            `yaml:"iterations" validate:"gte=0"`
	LearningRate       float64        `yaml:"learning_rate" validate:"gte=0"`
	Tolerance          float64        `yaml:"tolerance" validate:"gte=0"`
	Patience           int            `yaml:"patience" validate:"gte=0"`
	Method             string         `yaml:"method" validate:"omitempty,oneof=adam sgd"`
	Metrics            []MetricConfig `yaml:"metrics" validate:"dive"`
}

// SinksConfig lists the record destinations. Zero values disable a sink.
type SinksConfig struct {
	CSV             string        `yaml:"csv"`
	LogEvery        int           `yaml:"log_every" validate:"gte=0"`
	SQL             SQLConfig     `yaml:"sql"`
	Redis           RedisConfig   `yaml:"redis"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type SQLConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required_with=Driver"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Stream string `yaml:"stream" validate:"required_with=Addr"`
	MaxLen int64  `yaml:"max_len" validate:"gte=0"`
}

type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"omitempty,hostname_port"`
}

type ReportConfig struct {
	Dir   string `yaml:"dir"`
	Chart bool   `yaml:"chart"`
	XLSX  bool   `yaml:"xlsx"`
}

// Env holds the environment overrides. Zero values leave the file alone.
type Env struct {
	Seed         uint64  `envconfig:"SEED"`
	Trials       int     `envconfig:"TRIALS"`
	Iterations   int     `envconfig:"ITERATIONS"`
	LearningRate float64 `envconfig:"LEARNING_RATE"`
	SQLDSN       string  `envconfig:"SQL_DSN"`
	RedisAddr    string  `envconfig:"REDIS_ADDR"`
	MonitorAddr  string  `envconfig:"MONITOR_ADDR"`
	ReportDir    string  `envconfig:"REPORT_DIR"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadRunConfig reads, overrides, defaults and validates a run file.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse is LoadRunConfig on bytes.
func Parse(data []byte) (*RunConfig, error) {
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse run config: %w", err)
	}
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	cfg.applyEnv(env)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}
	return &cfg, nil
}

func (c *RunConfig) applyEnv(env Env) {
	if env.Seed != 0 {
		c.Seed = env.Seed
	}
	if env.Trials != 0 {
		c.Portfolio.Trials = env.Trials
	}
	if env.Iterations != 0 {
		c.Calibration.Iterations = env.Iterations
	}
	if env.LearningRate != 0 {
		c.Calibration.LearningRate = env.LearningRate
	}
	if env.SQLDSN != "" {
		c.Sinks.SQL.DSN = env.SQLDSN
		if c.Sinks.SQL.Driver == "" {
			c.Sinks.SQL.Driver = "postgres"
		}
	}
	if env.RedisAddr != "" {
		c.Sinks.Redis.Addr = env.RedisAddr
	}
	if env.MonitorAddr != "" {
		c.Monitor.Addr = env.MonitorAddr
		c.Monitor.Enabled = true
	}
	if env.ReportDir != "" {
		c.Report.Dir = env.ReportDir
	}
}

func (c *RunConfig) applyDefaults() {
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.Strategy.Mode == "" {
		c.Strategy.Mode = "simplex"
	}
	if c.Strategy.Liquidation == "" {
		c.Strategy.Liquidation = "buy_and_hold"
	}
	if c.Preference.Utility == "" {
		c.Preference.Utility = "risk_neutral"
	}
	if c.Preference.Discount == "" {
		c.Preference.Discount = "none"
	}
	if c.Calibration.Loss == "" {
		c.Calibration.Loss = "portfolio_optimization"
	}
	if c.Calibration.Method == "" {
		c.Calibration.Method = "adam"
	}
	if len(c.Calibration.Targets) == 0 {
		c.Calibration.Targets = []string{"portfolio.strategy.portfolioWeights"}
	}
	if c.Sinks.Redis.MaxLen == 0 {
		c.Sinks.Redis.MaxLen = 10000
	}
	if c.Sinks.BreakerCooldown == 0 {
		c.Sinks.BreakerCooldown = 30 * time.Second
	}
	if c.Monitor.Enabled && c.Monitor.Addr == "" {
		c.Monitor.Addr = "127.0.0.1:9464"
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%s fails %q (%d problems)", f.Namespace(), f.Tag(), len(verrs))
		}
		return err
	}

	assets := make(map[string]bool)
	for _, a := range c.Assets {
		names := a.Members
		if len(names) == 0 {
			names = []string{a.Name}
		}
		for _, n := range names {
			if assets[n] {
				return fmt.Errorf("asset %s declared twice", n)
			}
			assets[n] = true
		}
		if a.Process == "multi_normal_diffusion" && len(a.Members) == 0 {
			return fmt.Errorf("asset %s: multi_normal_diffusion needs members", a.Name)
		}
	}

	type key struct{ name, asset string }
	instruments := make(map[key]bool)
	for _, inst := range c.Instruments {
		if !assets[inst.Asset] {
			return fmt.Errorf("instrument %s: unknown asset %s", inst.Name, inst.Asset)
		}
		k := key{inst.Name, inst.Asset}
		if instruments[k] {
			return fmt.Errorf("instrument %s on %s declared twice", inst.Name, inst.Asset)
		}
		instruments[k] = true
	}

	if w := c.Strategy.Weights; len(w) > 0 && len(w) != len(c.Instruments) {
		return fmt.Errorf("strategy has %d weights for %d instruments", len(w), len(c.Instruments))
	}
	if c.Strategy.Mode == "simplex" {
		for i, w := range c.Strategy.Weights {
			if w < 0 {
				return fmt.Errorf("strategy weight %d is negative: %f", i, w)
			}
		}
	}
	if c.Preference.Utility == "crra" {
		if _, ok := c.Preference.Params["riskAversion"]; !ok {
			return fmt.Errorf("crra utility needs preference param riskAversion")
		}
	}
	if c.Preference.Discount == "periodic" {
		if _, ok := c.Preference.Params["interestRate"]; !ok {
			return fmt.Errorf("periodic discount needs preference param interestRate")
		}
	}
	if c.Calibration.Loss == "utility_equalization" {
		if len(c.Calibration.DerivativeTargets) == 0 {
			return fmt.Errorf("utility_equalization needs derivative_targets")
		}
		keys := make(map[string]bool, len(instruments))
		for k := range instruments {
			keys[k.name+"_"+k.asset] = true
		}
		for _, t := range c.Calibration.DerivativeTargets {
			if !keys[t] {
				return fmt.Errorf("derivative target %s is not an instrument key", t)
			}
		}
	}
	seen := make(map[string]bool)
	for _, m := range c.Calibration.Metrics {
		if m.Name == "loss" || seen[m.Name] {
			return fmt.Errorf("metric name %q is reserved or duplicated", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// Params converts YAML parameter values to float64, []float64 or
// [][]float64, the forms process.NewParams accepts.
func Params(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for name, v := range raw {
		x, err := number(v)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", name, err)
		}
		out[name] = x
	}
	return out, nil
}

func number(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case float64:
		return x, nil
	case []any:
		if len(x) == 0 {
			return nil, errors.New("empty list")
		}
		if _, nested := x[0].([]any); nested {
			rows := make([][]float64, len(x))
			for i, r := range x {
				row, err := number(r)
				if err != nil {
					return nil, err
				}
				flat, ok := row.([]float64)
				if !ok {
					return nil, fmt.Errorf("row %d is not a list of numbers", i)
				}
				rows[i] = flat
			}
			return rows, nil
		}
		flat := make([]float64, len(x))
		for i, e := range x {
			f, err := number(e)
			if err != nil {
				return nil, err
			}
			n, ok := f.(float64)
			if !ok {
				return nil, fmt.Errorf("element %d is not a number", i)
			}
			flat[i] = n
		}
		return flat, nil
	}
	return nil, fmt.Errorf("unsupported value %v (%T)", v, v)
}
