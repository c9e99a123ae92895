package runlog

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// RedisStream appends each record to a Redis stream so dashboards can follow a
// run while it is in progress.
type RedisStream struct {
	client redis.Cmdable
	stream string
	runID  string
	maxLen int64
}

// NewRedisStream writes to stream, trimming it to roughly maxLen entries when
// maxLen is positive.
func NewRedisStream(client redis.Cmdable, stream, runID string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, runID: runID, maxLen: maxLen}
}

// XAddArgs builds the stream entry for a record. Field order is stable.
func (r *RedisStream) XAddArgs(iteration int, metrics map[string]float64) *redis.XAddArgs {
	values := []interface{}{"run_id", r.runID, "iteration", strconv.Itoa(iteration)}
	for _, col := range Columns(metrics) {
		values = append(values, col, strconv.FormatFloat(metrics[col], 'g', -1, 64))
	}
	args := &redis.XAddArgs{Stream: r.stream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	return args
}

func (r *RedisStream) ProcessRecord(ctx context.Context, iteration int, metrics map[string]float64) error {
	if err := r.client.XAdd(ctx, r.XAddArgs(iteration, metrics)).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}
