package runlog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS calibration_records (
	run_id      TEXT             NOT NULL,
	iteration   INTEGER          NOT NULL,
	metric      TEXT             NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	recorded_at BIGINT           NOT NULL,
	PRIMARY KEY (run_id, iteration, metric)
)`

// SQLStore keeps records in a calibration_records table, one row per metric
// value. It works with the "postgres" (lib/pq) and "sqlite" (modernc) drivers.
type SQLStore struct {
	db      *sqlx.DB
	runID   string
	timeout time.Duration
	now     func() time.Time
}

// OpenSQL connects with driver and dsn and prepares the schema.
func OpenSQL(ctx context.Context, driver, dsn, runID string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(ctx, db, runID)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and prepares the schema.
func NewSQLStore(ctx context.Context, db *sqlx.DB, runID string) (*SQLStore, error) {
	s := &SQLStore{db: db, runID: runID, timeout: 5 * time.Second, now: time.Now}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return nil, fmt.Errorf("create calibration_records: %w", err)
	}
	return s, nil
}

func (s *SQLStore) RunID() string { return s.runID }
func (s *SQLStore) Close() error  { return s.db.Close() }

func (s *SQLStore) ProcessRecord(ctx context.Context, iteration int, metrics map[string]float64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record insert: %w", err)
	}
	query := s.db.Rebind(`INSERT INTO calibration_records (run_id, iteration, metric, value, recorded_at)
		VALUES (?, ?, ?, ?, ?)`)
	ts := s.now().UnixMilli()
	for _, col := range Columns(metrics) {
		if _, err := tx.ExecContext(ctx, query, s.runID, iteration, col, metrics[col], ts); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert %s at iteration %d: %w", col, iteration, err)
		}
	}
	return tx.Commit()
}

type recordRow struct {
	Iteration int     `db:"iteration"`
	Metric    string  `db:"metric"`
	Value     float64 `db:"value"`
}

// History returns the flat records of runID ordered by iteration.
func (s *SQLStore) History(ctx context.Context, runID string) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var recs []recordRow
	query := s.db.Rebind(`SELECT iteration, metric, value FROM calibration_records
		WHERE run_id = ? ORDER BY iteration, metric`)
	if err := s.db.SelectContext(ctx, &recs, query, runID); err != nil {
		return nil, fmt.Errorf("select history of %s: %w", runID, err)
	}

	byIteration := make(map[int]map[string]float64)
	for _, r := range recs {
		if byIteration[r.Iteration] == nil {
			byIteration[r.Iteration] = make(map[string]float64)
		}
		byIteration[r.Iteration][r.Metric] = r.Value
	}
	rows := make([]Row, 0, len(byIteration))
	for it, m := range byIteration {
		rows = append(rows, Row{Iteration: it, Metrics: m})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Iteration < rows[j].Iteration })
	return rows, nil
}
