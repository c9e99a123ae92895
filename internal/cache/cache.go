// Package cache memoizes whole pipeline stages of a portfolio evaluation.
//
// Every Stage declares the inputs it depends on as a Scope bitmask. A stage is
// stored only after it has been registered and only while none of its scopes
// are suspended, so a quantity that closes over a parameter under optimization
// is recomputed on every call instead of being served stale.
package cache

import "strings"

// Scope is a set of inputs a stage depends on.
type Scope uint8

const (
	ScopeProcess Scope = 1 << iota
	ScopeInstrument
	ScopePrice
	ScopeLiquidation
	ScopeWeights

	ScopeNone Scope = 0
	ScopeAll        = ScopeProcess | ScopeInstrument | ScopePrice | ScopeLiquidation | ScopeWeights
)

var scopeNames = []struct {
	scope Scope
	name  string
}{
	{ScopeProcess, "process"},
	{ScopeInstrument, "instrument"},
	{ScopePrice, "price"},
	{ScopeLiquidation, "liquidation"},
	{ScopeWeights, "weights"},
}

// Has reports whether every bit of o is set in s.
func (s Scope) Has(o Scope) bool { return s&o == o }

// Overlaps reports whether s and o share any input.
func (s Scope) Overlaps(o Scope) bool { return s&o != 0 }

func (s Scope) String() string {
	if s == ScopeNone {
		return "none"
	}
	var parts []string
	for _, n := range scopeNames {
		if s.Has(n.scope) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Stage is a cacheable computation with a static dependency scope.
type Stage struct {
	Name string
	Deps Scope
}

// Stages computed by portfolios and strategies.
var (
	StageAssets      = Stage{Name: "assets", Deps: ScopeProcess}
	StageRevenue     = Stage{Name: "revenue", Deps: ScopeProcess | ScopeInstrument}
	StageLiquidation = Stage{Name: "liquidation", Deps: ScopeProcess | ScopeInstrument | ScopeLiquidation}
	StageReturns     = Stage{Name: "returns", Deps: ScopeProcess | ScopeInstrument | ScopePrice}
	StageProduct     = Stage{Name: "product", Deps: ScopeProcess | ScopeInstrument | ScopePrice | ScopeLiquidation}
)

// Outcome of a single lookup, reported to an Observer.
type Outcome string

const (
	Hit    Outcome = "hit"
	Miss   Outcome = "miss"
	Bypass Outcome = "bypass"
)

// Observer receives one notification per lookup.
type Observer interface {
	ObserveCache(stage string, outcome Outcome)
}

// Cache stores stage values of type V. It is owned by a single portfolio or
// strategy and is not safe for concurrent use.
type Cache[V any] struct {
	allowed   map[string]Stage
	store     map[string]V
	suspended Scope
	observer  Observer
}

// New creates an empty cache with no registered stages.
func New[V any]() *Cache[V] {
	return &Cache[V]{
		allowed: make(map[string]Stage),
		store:   make(map[string]V),
	}
}

// SetObserver installs o; nil disables notifications.
func (c *Cache[V]) SetObserver(o Observer) { c.observer = o }

// Register marks stages as cacheable.
func (c *Cache[V]) Register(stages ...Stage) {
	for _, s := range stages {
		c.allowed[s.Name] = s
	}
}

// Unregister stops caching stages and drops their stored values.
func (c *Cache[V]) Unregister(stages ...Stage) {
	for _, s := range stages {
		delete(c.allowed, s.Name)
		delete(c.store, s.Name)
	}
}

// Registered reports whether s is cacheable.
func (c *Cache[V]) Registered(s Stage) bool {
	_, ok := c.allowed[s.Name]
	return ok
}

// Stored reports whether a value for s is currently held.
func (c *Cache[V]) Stored(s Stage) bool {
	_, ok := c.store[s.Name]
	return ok
}

// Do returns the stored value of s or computes it. An unregistered or
// suspended stage is computed on every call and never stored. A stored value is
// returned without re-validating its inputs. Errors are never stored.
func (c *Cache[V]) Do(s Stage, compute func() (V, error)) (V, error) {
	if !c.Registered(s) || c.suspended.Overlaps(s.Deps) {
		c.observe(s, Bypass)
		return compute()
	}
	if v, ok := c.store[s.Name]; ok {
		c.observe(s, Hit)
		return v, nil
	}
	c.observe(s, Miss)
	v, err := compute()
	if err != nil {
		return v, err
	}
	c.store[s.Name] = v
	return v, nil
}

// Invalidate drops the stored value of s.
func (c *Cache[V]) Invalidate(s Stage) { delete(c.store, s.Name) }

// InvalidateScope drops every stored stage depending on any input in scope.
func (c *Cache[V]) InvalidateScope(scope Scope) {
	for name, s := range c.allowed {
		if s.Deps.Overlaps(scope) {
			delete(c.store, name)
		}
	}
}

// InvalidateAll clears every stored value. Registrations are kept.
func (c *Cache[V]) InvalidateAll() { clear(c.store) }

// Suspend bypasses storage for every stage depending on scope until Resume.
// Values already stored for those stages are dropped.
func (c *Cache[V]) Suspend(scope Scope) {
	c.suspended |= scope
	c.InvalidateScope(scope)
}

// Resume lifts a suspension. Stages are recomputed on their next call.
func (c *Cache[V]) Resume(scope Scope) {
	c.suspended &^= scope
	c.InvalidateScope(scope)
}

// Suspended returns the currently suspended scopes.
func (c *Cache[V]) Suspended() Scope { return c.suspended }

func (c *Cache[V]) observe(s Stage, o Outcome) {
	if c.observer != nil {
		c.observer.ObserveCache(s.Name, o)
	}
}
