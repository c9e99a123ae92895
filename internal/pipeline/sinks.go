package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mcalib/internal/config"
	"github.com/sawpanic/mcalib/internal/runlog"
)

// DefaultStream is the Redis stream records go to when the run file names none.
const DefaultStream = "mcalib:records"

// sinks is the set of record destinations a run file enables, plus what must
// be closed afterwards.
type sinks struct {
	loggers runlog.Multi
	closers []func() error
}

func (s *sinks) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openSinks opens every configured sink. Remote sinks sit behind a circuit
// breaker. client replaces the Redis client built from cfg when non-nil.
func openSinks(ctx context.Context, cfg config.SinksConfig, runID string, client redis.Cmdable) (*sinks, error) {
	s := &sinks{}
	fail := func(err error) (*sinks, error) {
		_ = s.close()
		return nil, err
	}

	if cfg.CSV != "" {
		c, err := runlog.NewCSV(cfg.CSV)
		if err != nil {
			return fail(fmt.Errorf("csv sink: %w", err))
		}
		s.loggers = append(s.loggers, c)
	}
	if cfg.LogEvery > 0 {
		s.loggers = append(s.loggers, runlog.NewSampled(runlog.NewZerolog(log.Logger, runID, zerolog.InfoLevel), cfg.LogEvery))
	}
	if cfg.SQL.Driver != "" {
		store, err := runlog.OpenSQL(ctx, cfg.SQL.Driver, cfg.SQL.DSN, runID)
		if err != nil {
			return fail(fmt.Errorf("sql sink: %w", err))
		}
		s.closers = append(s.closers, store.Close)
		s.loggers = append(s.loggers, runlog.NewBreaker("sql", store, cfg.BreakerCooldown))
	}
	if cfg.Redis.Addr != "" || client != nil {
		if client == nil {
			rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
			s.closers = append(s.closers, rc.Close)
			client = rc
		}
		name := cfg.Redis.Stream
		if name == "" {
			name = DefaultStream
		}
		stream := runlog.NewRedisStream(client, name, runID, cfg.Redis.MaxLen)
		s.loggers = append(s.loggers, runlog.NewBreaker("redis", stream, cfg.BreakerCooldown))
	}
	log.Debug().Str("run", runID).Int("sinks", len(s.loggers)).Msg("record sinks opened")
	return s, nil
}
