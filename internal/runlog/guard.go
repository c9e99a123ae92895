package runlog

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Breaker stops calling a failing sink for a cool-down period so a remote
// outage does not slow every iteration down.
type Breaker struct {
	next Logger
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker trips after three consecutive failures and probes again after
// cooldown.
func NewBreaker(name string, next Logger, cooldown time.Duration) *Breaker {
	st := gobreaker.Settings{Name: name, Timeout: cooldown}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) ProcessRecord(ctx context.Context, iteration int, metrics map[string]float64) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.ProcessRecord(ctx, iteration, metrics)
	})
	return err
}

func (b *Breaker) ProcessFinal(ctx context.Context, iteration int, metrics map[string]float64) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, Final(ctx, b.next, iteration, metrics)
	})
	return err
}

// Sampled forwards the initial record (negative iteration), then one record
// out of every n, and always the final one.
type Sampled struct {
	next      Logger
	sometimes *rate.Sometimes
}

func NewSampled(next Logger, every int) *Sampled {
	if every < 1 {
		every = 1
	}
	return &Sampled{next: next, sometimes: &rate.Sometimes{Every: every}}
}

func (s *Sampled) ProcessRecord(ctx context.Context, iteration int, metrics map[string]float64) error {
	if iteration < 0 {
		return s.next.ProcessRecord(ctx, iteration, metrics)
	}
	var err error
	s.sometimes.Do(func() { err = s.next.ProcessRecord(ctx, iteration, metrics) })
	return err
}

func (s *Sampled) ProcessFinal(ctx context.Context, iteration int, metrics map[string]float64) error {
	return Final(ctx, s.next, iteration, metrics)
}
