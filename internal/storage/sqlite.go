package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/rpclatency/pkg/types"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string, logger *slog.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the history server read while a run is being written.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		label TEXT,
		strategy TEXT NOT NULL,
		sequencing TEXT NOT NULL,
		method TEXT NOT NULL,
		rpc_url TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		wallet TEXT NOT NULL,
		fee_strategy TEXT,
		gas_price_wei INTEGER DEFAULT 0,
		requested INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT DEFAULT 'running',
		error_message TEXT,
		elapsed_ms INTEGER DEFAULT 0,
		tx_confirmed INTEGER DEFAULT 0,
		tx_unknown INTEGER DEFAULT 0,
		tx_failed INTEGER DEFAULT 0,
		send_min_ms INTEGER DEFAULT 0,
		send_max_ms INTEGER DEFAULT 0,
		send_avg_ms INTEGER DEFAULT 0,
		confirm_min_ms INTEGER DEFAULT 0,
		confirm_max_ms INTEGER DEFAULT 0,
		confirm_avg_ms INTEGER DEFAULT 0,
		total_min_ms INTEGER DEFAULT 0,
		total_max_ms INTEGER DEFAULT 0,
		total_avg_ms INTEGER DEFAULT 0,
		config TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS latency_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		nonce INTEGER NOT NULL,
		tx_hash TEXT NOT NULL,
		send_ns INTEGER NOT NULL,
		confirm_ns INTEGER NOT NULL,
		total_ns INTEGER NOT NULL,
		status TEXT NOT NULL,
		receipt TEXT,
		reason TEXT,
		block_number INTEGER,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_latency_records_run ON latency_records(run_id);
	CREATE INDEX IF NOT EXISTS idx_latency_records_hash ON latency_records(tx_hash);

	CREATE TABLE IF NOT EXISTS failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		nonce INTEGER NOT NULL,
		stage TEXT NOT NULL,
		error TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_failures_run ON failures(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "profile", "ALTER TABLE runs ADD COLUMN profile TEXT"},
		{"latency_records", "block_distance", "ALTER TABLE latency_records ADD COLUMN block_distance INTEGER"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				s.logger.Warn("migration failed",
					slog.String("table", m.table),
					slog.String("column", m.column),
					slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// columnExists checks if a column exists in a table.
// Identifiers are validated because pragma_table_info cannot take bind parameters.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier allows only alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run in the running state.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	status := run.Status
	if status == "" {
		status = types.RunStatusRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, label, strategy, sequencing, method, profile, rpc_url, chain_id, wallet,
			fee_strategy, gas_price_wei, requested, started_at, status, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, nullString(run.Label), run.Strategy, run.Sequencing, run.Method, nullString(run.Profile),
		run.RPCURL, run.ChainID, run.Wallet, nullString(run.FeeStrategy), run.GasPriceWei, run.Requested,
		run.StartedAt, status, nullString(string(run.Config)))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// CompleteRun stores the final status, the summary statistics, every record and
// every failure of a run in a single transaction.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id string, c Completion) error {
	summary := c.Summary
	if summary == nil {
		summary = &types.BatchSummary{}
	}
	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	var confirmed, unknown int
	for _, r := range summary.Records {
		if r.Status == types.StatusConfirmed {
			confirmed++
		} else {
			unknown++
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			error_message = ?,
			elapsed_ms = ?,
			tx_confirmed = ?,
			tx_unknown = ?,
			tx_failed = ?,
			send_min_ms = ?, send_max_ms = ?, send_avg_ms = ?,
			confirm_min_ms = ?, confirm_max_ms = ?, confirm_avg_ms = ?,
			total_min_ms = ?, total_max_ms = ?, total_avg_ms = ?
		WHERE id = ?
	`, completedAt, c.Status, nullString(c.ErrorMessage), summary.Elapsed.Milliseconds(),
		confirmed, unknown, len(summary.Failures),
		summary.Send.MinMs, summary.Send.MaxMs, summary.Send.AvgMs,
		summary.Confirm.MinMs, summary.Confirm.MaxMs, summary.Confirm.AvgMs,
		summary.Total.MinMs, summary.Total.MaxMs, summary.Total.AvgMs,
		id)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	if err := insertRecords(ctx, tx, id, summary.Records); err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}
	if err := insertFailures(ctx, tx, id, summary.Failures); err != nil {
		return fmt.Errorf("failed to insert failures: %w", err)
	}

	// One commit pays the fsync cost once for the whole batch.
	return tx.Commit()
}

func insertRecords(ctx context.Context, tx *sql.Tx, runID string, records []types.LatencyRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO latency_records (run_id, idx, nonce, tx_hash, send_ns, confirm_ns, total_ns,
			status, receipt, reason, block_number, block_distance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var distance sql.NullInt64
		if r.BlockDistance != nil {
			distance = sql.NullInt64{Int64: *r.BlockDistance, Valid: true}
		}
		_, err := stmt.ExecContext(ctx, runID, r.Index, r.Nonce, r.TxHash,
			int64(r.Send), int64(r.Confirm), int64(r.Total),
			r.Status, nullString(string(r.Receipt)), nullString(string(r.Reason)),
			nullInt64(int64(r.BlockNumber)), distance)
		if err != nil {
			return err
		}
	}
	return nil
}

func insertFailures(ctx context.Context, tx *sql.Tx, runID string, failures []types.TxFailure) error {
	if len(failures) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO failures (run_id, idx, nonce, stage, error) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range failures {
		if _, err := stmt.ExecContext(ctx, runID, f.Index, f.Nonce, f.Stage, f.Error); err != nil {
			return err
		}
	}
	return nil
}

const runColumns = `id, COALESCE(label, ''), strategy, sequencing, method, COALESCE(profile, ''),
	rpc_url, chain_id, wallet, COALESCE(fee_strategy, ''), gas_price_wei, requested,
	started_at, completed_at, status, COALESCE(error_message, ''), elapsed_ms,
	tx_confirmed, tx_unknown, tx_failed,
	send_min_ms, send_max_ms, send_avg_ms,
	confirm_min_ms, confirm_max_ms, confirm_avg_ms,
	total_min_ms, total_max_ms, total_avg_ms,
	config`

// GetRun retrieves a single run by ID.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns returns a page of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// GetRecords returns the latency records of a run in submission order.
func (s *SQLiteStorage) GetRecords(ctx context.Context, id string) ([]types.LatencyRecord, error) {
	if err := s.requireRun(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, nonce, tx_hash, send_ns, confirm_ns, total_ns, status,
			COALESCE(receipt, ''), COALESCE(reason, ''), block_number, block_distance
		FROM latency_records
		WHERE run_id = ?
		ORDER BY idx
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []types.LatencyRecord{}
	for rows.Next() {
		var (
			r                          types.LatencyRecord
			sendNs, confirmNs, totalNs int64
			blockNumber, distance      sql.NullInt64
		)
		err := rows.Scan(&r.Index, &r.Nonce, &r.TxHash, &sendNs, &confirmNs, &totalNs, &r.Status,
			&r.Receipt, &r.Reason, &blockNumber, &distance)
		if err != nil {
			return nil, err
		}
		r.Send = time.Duration(sendNs)
		r.Confirm = time.Duration(confirmNs)
		r.Total = time.Duration(totalNs)
		if blockNumber.Valid {
			r.BlockNumber = uint64(blockNumber.Int64)
		}
		if distance.Valid {
			d := distance.Int64
			r.BlockDistance = &d
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetFailures returns the failures of a run in submission order.
func (s *SQLiteStorage) GetFailures(ctx context.Context, id string) ([]types.TxFailure, error) {
	if err := s.requireRun(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT idx, nonce, stage, error FROM failures WHERE run_id = ? ORDER BY idx", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	failures := []types.TxFailure{}
	for rows.Next() {
		var f types.TxFailure
		if err := rows.Scan(&f.Index, &f.Nonce, &f.Stage, &f.Error); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// DeleteRun deletes a run and all associated data.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) requireRun(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM runs WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run         Run
		completedAt sql.NullTime
		config      sql.NullString
	)
	err := row.Scan(&run.ID, &run.Label, &run.Strategy, &run.Sequencing, &run.Method, &run.Profile,
		&run.RPCURL, &run.ChainID, &run.Wallet, &run.FeeStrategy, &run.GasPriceWei, &run.Requested,
		&run.StartedAt, &completedAt, &run.Status, &run.ErrorMessage, &run.ElapsedMs,
		&run.TxConfirmed, &run.TxUnknown, &run.TxFailed,
		&run.Send.MinMs, &run.Send.MaxMs, &run.Send.AvgMs,
		&run.Confirm.MinMs, &run.Confirm.MaxMs, &run.Confirm.AvgMs,
		&run.Total.MinMs, &run.Total.MaxMs, &run.Total.AvgMs,
		&config)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if config.Valid && strings.TrimSpace(config.String) != "" {
		run.Config = []byte(config.String)
	}
	return &run, nil
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
