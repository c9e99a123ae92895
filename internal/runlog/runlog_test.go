package runlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var record = map[string]float64{"weightStock": 0.6, "loss": -0.02, "weightBond": 0.4}

func TestColumns_LossLast(t *testing.T) {
	assert.Equal(t, []string{"weightBond", "weightStock", "loss"}, Columns(record))
	assert.Equal(t, []string{"a"}, Columns(map[string]float64{"a": 1}))
}

func TestCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv")
	l, err := NewCSV(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.ProcessRecord(ctx, -1, record))
	require.NoError(t, l.ProcessRecord(ctx, 0, map[string]float64{"weightStock": 0.7, "loss": -0.03}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "iteration,weightBond,weightStock,loss\n-1,0.4,0.6,-0.02\n0,,0.7,-0.03\n", string(data))

	_, err = NewCSV(path)
	assert.ErrorIs(t, err, ErrFileExists)
}

func TestMemoryAndMulti(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	m := Multi{a, Nop{}, b}
	for i := -1; i < 3; i++ {
		require.NoError(t, m.ProcessRecord(context.Background(), i, map[string]float64{"loss": float64(i)}))
	}
	assert.Equal(t, []float64{-1, 0, 1, 2}, a.Series("loss"))
	assert.Len(t, b.Rows(), 4)
	assert.Empty(t, a.Series("missing"))
}

type failing struct{ calls int }

func (f *failing) ProcessRecord(context.Context, int, map[string]float64) error {
	f.calls++
	return errors.New("disk full")
}

func TestMulti_JoinsErrors(t *testing.T) {
	mem := NewMemory()
	err := Multi{&failing{}, mem}.ProcessRecord(context.Background(), 0, record)
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, mem.Rows(), 1, "healthy sinks still receive the record")
}

func TestZerolog(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerolog(zerolog.New(&buf), "run-1", zerolog.InfoLevel)
	require.NoError(t, l.ProcessRecord(context.Background(), 4, record))

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "run-1", ev["run_id"])
	assert.Equal(t, 4.0, ev["iteration"])
	assert.Equal(t, 0.6, ev["weightStock"])
	assert.Equal(t, -0.02, ev["loss"])
}

func TestSQLStore_SQLite(t *testing.T) {
	ctx := context.Background()
	runID := NewRunID()
	store, err := OpenSQL(ctx, "sqlite", ":memory:", runID)
	require.NoError(t, err)
	defer store.Close()
	store.now = func() time.Time { return time.UnixMilli(1700000000000) }

	require.NoError(t, store.ProcessRecord(ctx, -1, record))
	require.NoError(t, store.ProcessRecord(ctx, 0, map[string]float64{"weightStock": 0.65, "weightBond": 0.35, "loss": -0.025}))
	require.NoError(t, store.ProcessRecord(ctx, 1, map[string]float64{"loss": -0.03}))

	rows, err := store.History(ctx, runID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, -1, rows[0].Iteration)
	assert.Equal(t, record, rows[0].Metrics)
	assert.Equal(t, 0.65, rows[1].Metrics["weightStock"])
	assert.Equal(t, map[string]float64{"loss": -0.03}, rows[2].Metrics)

	other, err := store.History(ctx, "another-run")
	require.NoError(t, err)
	assert.Empty(t, other)

	// Same iteration twice violates the primary key.
	assert.Error(t, store.ProcessRecord(ctx, 1, map[string]float64{"loss": -0.03}))
}

func TestRedisStream(t *testing.T) {
	db, mock := redismock.NewClientMock()
	stream := NewRedisStream(db, "mcalib:runs", "run-1", 1000)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "mcalib:runs",
		MaxLen: 1000,
		Approx: true,
		Values: []interface{}{"run_id", "run-1", "iteration", "3", "weightBond", "0.4", "weightStock", "0.6", "loss", "-0.02"},
	}).SetVal("1-0")
	require.NoError(t, stream.ProcessRecord(context.Background(), 3, record))

	mock.ExpectXAdd(stream.XAddArgs(4, record)).SetErr(errors.New("connection refused"))
	err := stream.ProcessRecord(context.Background(), 4, record)
	assert.ErrorContains(t, err, "xadd mcalib:runs")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	sink := &failing{}
	b := NewBreaker("csv", sink, time.Minute)
	for i := 0; i < 5; i++ {
		assert.Error(t, b.ProcessRecord(context.Background(), i, record))
	}
	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.ErrorIs(t, b.ProcessRecord(context.Background(), 6, record), gobreaker.ErrOpenState)
}

func TestSampled(t *testing.T) {
	mem := NewMemory()
	s := NewSampled(mem, 3)
	for i := -1; i < 7; i++ {
		require.NoError(t, s.ProcessRecord(context.Background(), i, map[string]float64{"loss": float64(i)}))
	}
	assert.Equal(t, []float64{-1, 0, 3, 6}, mem.Series("loss"))
}

func TestSampled_FinalRecordAlwaysForwarded(t *testing.T) {
	mem := NewMemory()
	var l Logger = Multi{NewSampled(mem, 3)}
	ctx := context.Background()
	for i := -1; i < 5; i++ {
		require.NoError(t, l.ProcessRecord(ctx, i, map[string]float64{"loss": float64(i)}))
	}
	require.NoError(t, Final(ctx, l, 5, map[string]float64{"loss": 5}))
	assert.Equal(t, []float64{-1, 0, 3, 5}, mem.Series("loss"))

	// Loggers without a final hook get a plain record.
	plain := NewMemory()
	require.NoError(t, Final(ctx, plain, 7, map[string]float64{"loss": 7}))
	assert.Equal(t, []float64{7}, plain.Series("loss"))
}
