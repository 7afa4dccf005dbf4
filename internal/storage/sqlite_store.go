package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/correlator-io/correlator/internal/config"
	"github.com/correlator-io/correlator/internal/spiderevent"
)

// SQLiteStore is the embedded single-file backend for C1, satisfying
// spec.md §4.1's "two supported backends" alongside PostgresStore. It is
// grounded on flowgraph's checkpoint.SQLiteStore: WAL mode, a restrictive
// 0600 file permission set before the driver ever touches the file, and a
// per-store mutex protecting write paths (a single SQLite file has no
// concurrent-writer story beyond WAL's single-writer guarantee).
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu sync.Mutex // serializes writes; WAL permits concurrent reads
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path, or
// ":memory:" for tests, and applies the scan-domain schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if createErr == nil {
				_ = f.Close()
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: enable WAL: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: enable foreign_keys: %w", err)
	}

	store := &SQLiteStore{
		db: db,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	if err := store.applySchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0o600); err != nil {
			store.logger.Warn("failed to set restrictive permissions on sqlite file",
				slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	return store, nil
}

func (s *SQLiteStore) applySchema() error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: apply sqlite schema: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateScan(ctx context.Context, scan Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStoreTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scan_instance (scan_id, name, seed_target, seed_type, created, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, scan.ID, scan.Name, scan.TargetData, scan.TargetType, scan.Created.Unix(), string(scan.Status)); err != nil {
		return fmt.Errorf("%w: insert scan_instance: %v", ErrStoreFatal, err)
	}

	for opt, val := range scan.Options {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scan_config (scan_id, component, opt, val) VALUES (?, ?, ?, ?)
		`, scan.ID, "global", opt, val); err != nil {
			return fmt.Errorf("%w: insert scan_config: %v", ErrStoreFatal, err)
		}
	}

	for _, m := range scan.Modules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO module_state (scan_id, module, status, events_produced) VALUES (?, ?, ?, 0)
		`, scan.ID, m, string(ModulePending)); err != nil {
			return fmt.Errorf("%w: seed module_state: %v", ErrStoreFatal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, scanID string, e spiderevent.Event) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreFatal, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.SourceHash != "" {
		var exists int

		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM scan_event WHERE scan_id=? AND hash=?`, scanID, e.SourceHash,
		).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("%w: source lookup: %v", ErrStoreTransient, err)
		}

		if exists == 0 {
			return false, ErrEventSourceMissing
		}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO scan_event
			(scan_id, hash, type, generated, confidence, visibility, risk, module, data, source_hash, false_positive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, scanID, e.Hash, e.Type, e.Generated, e.Confidence, e.Visibility, e.Risk, e.Module, e.Data, nullableString(e.SourceHash), e.FalsePositive)
	if err != nil {
		return false, fmt.Errorf("%w: insert scan_event: %v", ErrStoreFatal, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ErrStoreTransient, err)
	}

	if n == 0 {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO scan_event_seen (scan_id, hash) VALUES (?, ?)
	`, scanID, e.Hash); err != nil {
		return true, fmt.Errorf("%w: insert scan_event_seen: %v", ErrStoreTransient, err)
	}

	return true, nil
}

func (s *SQLiteStore) UpdateModuleState(ctx context.Context, state ModuleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_state (scan_id, module, status, events_produced, started, ended)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scan_id, module) DO UPDATE SET
			status=excluded.status,
			events_produced=excluded.events_produced,
			started=COALESCE(module_state.started, excluded.started),
			ended=excluded.ended
	`, state.ScanID, state.Module, string(state.Status), state.EventsProduced, nullableTime(state.Started), nullableTime(state.Ended))
	if err != nil {
		return fmt.Errorf("%w: upsert module_state: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_log (scan_id, generated, component, type, message) VALUES (?, ?, ?, ?, ?)
	`, entry.ScanID, entry.Generated.Unix(), entry.Component, string(entry.Level), entry.Message)
	if err != nil {
		return fmt.Errorf("%w: insert scan_log: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *SQLiteStore) SetScanStatus(ctx context.Context, scanID string, status Status, ended *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if status == StatusRunning {
		_, err = s.db.ExecContext(ctx, `UPDATE scan_instance SET status=?, started=? WHERE scan_id=?`, string(status), time.Now().Unix(), scanID)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE scan_instance SET status=?, ended=? WHERE scan_id=?`, string(status), nullableTime(ended), scanID)
	}

	if err != nil {
		return fmt.Errorf("%w: update scan_instance status: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *SQLiteStore) SetFalsePositive(ctx context.Context, scanID string, hashes []string, fp bool) error {
	if len(hashes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(hashes))
	args := make([]any, 0, len(hashes)+2)
	args = append(args, fp, scanID)

	for i, h := range hashes {
		placeholders[i] = "?"
		args = append(args, h)
	}

	query := fmt.Sprintf(`UPDATE scan_event SET false_positive=? WHERE scan_id=? AND hash IN (%s)`, strings.Join(placeholders, ","))

	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update false_positive: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *SQLiteStore) WriteCorrelation(ctx context.Context, result CorrelationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStoreTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO tbl_scan_correlation_results
			(scan_id, correlation_id, rule_id, rule_name, rule_descr, rule_risk, rule_logic, title)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, result.ScanID, result.ID, result.RuleID, result.RuleName, result.RuleDescr, result.RuleRisk, "", result.Title); err != nil {
		return fmt.Errorf("%w: insert correlation result: %v", ErrStoreFatal, err)
	}

	for _, hash := range result.EventHashes {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tbl_scan_correlation_results_events (correlation_id, event_hash) VALUES (?, ?)
		`, result.ID, hash); err != nil {
			return fmt.Errorf("%w: link correlation event: %v", ErrStoreFatal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *SQLiteStore) GetScan(ctx context.Context, scanID string) (Scan, error) {
	var (
		scan                Scan
		created             int64
		started, ended      sql.NullInt64
		status              string
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT scan_id, name, seed_target, seed_type, created, started, ended, status
		FROM scan_instance WHERE scan_id=?
	`, scanID).Scan(&scan.ID, &scan.Name, &scan.TargetData, &scan.TargetType, &created, &started, &ended, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Scan{}, ErrScanNotFound
	} else if err != nil {
		return Scan{}, fmt.Errorf("%w: select scan_instance: %v", ErrStoreTransient, err)
	}

	scan.Status = Status(status)
	scan.Created = time.Unix(created, 0).UTC()

	if started.Valid {
		t := time.Unix(started.Int64, 0).UTC()
		scan.Started = &t
	}

	if ended.Valid {
		t := time.Unix(ended.Int64, 0).UTC()
		scan.Ended = &t
	}

	opts, err := s.loadOptions(ctx, scanID)
	if err != nil {
		return Scan{}, err
	}

	scan.Options = opts

	return scan, nil
}

func (s *SQLiteStore) loadOptions(ctx context.Context, scanID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT opt, val FROM scan_config WHERE scan_id=?`, scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: select scan_config: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	opts := make(map[string]string)

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("%w: scan_config row: %v", ErrStoreTransient, err)
		}

		opts[k] = v
	}

	return opts, rows.Err()
}

func (s *SQLiteStore) ListScans(ctx context.Context) ([]Scan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scan_id FROM scan_instance ORDER BY created DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: select scan_instance: %v", ErrStoreTransient, err)
	}

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("%w: scan_instance row: %v", ErrStoreTransient, err)
		}

		ids = append(ids, id)
	}
	_ = rows.Close()

	out := make([]Scan, 0, len(ids))

	for _, id := range ids {
		scan, err := s.GetScan(ctx, id)
		if err != nil {
			return nil, err
		}

		out = append(out, scan)
	}

	return out, nil
}

func (s *SQLiteStore) ListModuleStates(ctx context.Context, scanID string) ([]ModuleState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_id, module, status, events_produced, started, ended
		FROM module_state WHERE scan_id=? ORDER BY module
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: select module_state: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	var out []ModuleState

	for rows.Next() {
		var (
			ms             ModuleState
			status         string
			started, ended sql.NullInt64
		)

		if err := rows.Scan(&ms.ScanID, &ms.Module, &status, &ms.EventsProduced, &started, &ended); err != nil {
			return nil, fmt.Errorf("%w: module_state row: %v", ErrStoreTransient, err)
		}

		ms.Status = ModuleStatus(status)

		if started.Valid {
			t := time.Unix(started.Int64, 0).UTC()
			ms.Started = &t
		}

		if ended.Valid {
			t := time.Unix(ended.Int64, 0).UTC()
			ms.Ended = &t
		}

		out = append(out, ms)
	}

	return out, rows.Err()
}

const sqliteEventCols = `hash, type, data, module, generated, COALESCE(source_hash, ''), confidence, visibility, risk, false_positive`

func (s *SQLiteStore) Events(ctx context.Context, scanID string, filter EventFilter) ([]spiderevent.Event, error) {
	query := "SELECT " + sqliteEventCols + " FROM scan_event WHERE scan_id=?"
	args := []any{scanID}

	if filter.Type != "" {
		query += " AND type=?"
		args = append(args, filter.Type)
	}

	if filter.Module != "" {
		query += " AND module=?"
		args = append(args, filter.Module)
	}

	if filter.Risk != nil {
		query += " AND risk=?"
		args = append(args, *filter.Risk)
	}

	if filter.Since != nil {
		query += " AND generated >= ?"
		args = append(args, float64(filter.Since.Unix()))
	}

	query += " ORDER BY generated ASC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: select scan_event: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	return sqliteEventRows(rows)
}

func (s *SQLiteStore) EventByHash(ctx context.Context, scanID, hash string) (spiderevent.Event, error) {
	var e spiderevent.Event

	err := s.db.QueryRowContext(ctx, "SELECT "+sqliteEventCols+" FROM scan_event WHERE scan_id=? AND hash=?", scanID, hash).
		Scan(&e.Hash, &e.Type, &e.Data, &e.Module, &e.Generated, &e.SourceHash, &e.Confidence, &e.Visibility, &e.Risk, &e.FalsePositive)
	if errors.Is(err, sql.ErrNoRows) {
		return spiderevent.Event{}, fmt.Errorf("%w: hash %s", ErrScanNotFound, hash)
	} else if err != nil {
		return spiderevent.Event{}, fmt.Errorf("%w: select scan_event: %v", ErrStoreTransient, err)
	}

	return e, nil
}

func (s *SQLiteStore) EventsByType(ctx context.Context, scanID, eventType string) ([]spiderevent.Event, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sqliteEventCols+" FROM scan_event WHERE scan_id=? AND type=? ORDER BY generated ASC", scanID, eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: select scan_event by type: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	return sqliteEventRows(rows)
}

func (s *SQLiteStore) ChildrenOf(ctx context.Context, scanID, hash string) ([]spiderevent.Event, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sqliteEventCols+" FROM scan_event WHERE scan_id=? AND source_hash=?", scanID, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: select children: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	return sqliteEventRows(rows)
}

func (s *SQLiteStore) Summary(ctx context.Context, scanID string) ([]TypeSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*), COUNT(DISTINCT data) FROM scan_event WHERE scan_id=? GROUP BY type ORDER BY type
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: summary query: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	var out []TypeSummary

	for rows.Next() {
		var ts TypeSummary
		if err := rows.Scan(&ts.Key, &ts.Total, &ts.UniqueTotal); err != nil {
			return nil, fmt.Errorf("%w: summary row: %v", ErrStoreTransient, err)
		}

		out = append(out, ts)
	}

	return out, rows.Err()
}

func (s *SQLiteStore) EventsUnique(ctx context.Context, scanID, eventType string) ([]UniqueValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data, COUNT(*) FROM scan_event WHERE scan_id=? AND type=? GROUP BY data ORDER BY COUNT(*) DESC
	`, scanID, eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: unique query: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	var out []UniqueValue

	for rows.Next() {
		var uv UniqueValue
		if err := rows.Scan(&uv.Data, &uv.Count); err != nil {
			return nil, fmt.Errorf("%w: unique row: %v", ErrStoreTransient, err)
		}

		out = append(out, uv)
	}

	return out, rows.Err()
}

func (s *SQLiteStore) Logs(ctx context.Context, scanID string, level LogLevel, limit int) ([]LogEntry, error) {
	query := `SELECT scan_id, generated, component, type, message FROM scan_log WHERE scan_id=?`
	args := []any{scanID}

	if level != "" {
		query += " AND type=?"
		args = append(args, string(level))
	}

	query += " ORDER BY generated DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: logs query: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	var out []LogEntry

	for rows.Next() {
		var (
			le        LogEntry
			generated int64
			level     string
		)

		if err := rows.Scan(&le.ScanID, &generated, &le.Component, &level, &le.Message); err != nil {
			return nil, fmt.Errorf("%w: logs row: %v", ErrStoreTransient, err)
		}

		le.Generated = time.Unix(generated, 0).UTC()
		le.Level = LogLevel(level)
		out = append(out, le)
	}

	return out, rows.Err()
}

func (s *SQLiteStore) Correlations(ctx context.Context, scanID string) ([]CorrelationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, rule_id, rule_name, rule_descr, rule_risk, title
		FROM tbl_scan_correlation_results WHERE scan_id=?
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: correlations query: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	var out []CorrelationResult

	for rows.Next() {
		var cr CorrelationResult
		cr.ScanID = scanID

		if err := rows.Scan(&cr.ID, &cr.RuleID, &cr.RuleName, &cr.RuleDescr, &cr.RuleRisk, &cr.Title); err != nil {
			return nil, fmt.Errorf("%w: correlations row: %v", ErrStoreTransient, err)
		}

		hashRows, err := s.db.QueryContext(ctx, `SELECT event_hash FROM tbl_scan_correlation_results_events WHERE correlation_id=?`, cr.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: correlation events query: %v", ErrStoreTransient, err)
		}

		for hashRows.Next() {
			var h string
			if err := hashRows.Scan(&h); err != nil {
				_ = hashRows.Close()
				return nil, fmt.Errorf("%w: correlation event row: %v", ErrStoreTransient, err)
			}

			cr.EventHashes = append(cr.EventHashes, h)
		}
		_ = hashRows.Close()

		out = append(out, cr)
	}

	return out, rows.Err()
}

func (s *SQLiteStore) DeleteScan(ctx context.Context, scanID string) error {
	scan, err := s.GetScan(ctx, scanID)
	if err != nil {
		return err
	}

	if scan.Status == StatusRunning || scan.Status == StatusStarting {
		return ErrScanRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStoreTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM tbl_scan_correlation_results_events WHERE correlation_id IN
			(SELECT correlation_id FROM tbl_scan_correlation_results WHERE scan_id=?)
	`, scanID); err != nil {
		return fmt.Errorf("%w: delete correlation events: %v", ErrStoreTransient, err)
	}

	for _, table := range []string{
		"tbl_scan_correlation_results", "scan_log", "module_state",
		"scan_event_seen", "scan_event", "scan_config", "scan_instance",
	} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE scan_id=?", table), scanID); err != nil {
			return fmt.Errorf("%w: delete %s: %v", ErrStoreTransient, table, err)
		}
	}

	return tx.Commit()
}

func sqliteEventRows(rows *sql.Rows) ([]spiderevent.Event, error) {
	var out []spiderevent.Event

	for rows.Next() {
		var e spiderevent.Event
		if err := rows.Scan(&e.Hash, &e.Type, &e.Data, &e.Module, &e.Generated, &e.SourceHash, &e.Confidence, &e.Visibility, &e.Risk, &e.FalsePositive); err != nil {
			return nil, fmt.Errorf("%w: event row: %v", ErrStoreTransient, err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.Unix()
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*SQLiteStore)(nil)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS scan_instance (
		scan_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		seed_target TEXT NOT NULL,
		seed_type TEXT NOT NULL,
		created INTEGER NOT NULL,
		started INTEGER,
		ended INTEGER,
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scan_config (
		scan_id TEXT NOT NULL REFERENCES scan_instance(scan_id),
		component TEXT NOT NULL,
		opt TEXT NOT NULL,
		val TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scan_event (
		scan_id TEXT NOT NULL REFERENCES scan_instance(scan_id),
		hash TEXT NOT NULL,
		type TEXT NOT NULL,
		generated REAL NOT NULL,
		confidence INTEGER NOT NULL,
		visibility INTEGER NOT NULL,
		risk INTEGER NOT NULL,
		module TEXT NOT NULL,
		data TEXT NOT NULL,
		source_hash TEXT,
		false_positive INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (scan_id, hash)
	)`,
	`CREATE TABLE IF NOT EXISTS scan_event_seen (
		scan_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		PRIMARY KEY (scan_id, hash)
	)`,
	`CREATE TABLE IF NOT EXISTS module_state (
		scan_id TEXT NOT NULL REFERENCES scan_instance(scan_id),
		module TEXT NOT NULL,
		status TEXT NOT NULL,
		events_produced INTEGER NOT NULL DEFAULT 0,
		started INTEGER,
		ended INTEGER,
		PRIMARY KEY (scan_id, module)
	)`,
	`CREATE TABLE IF NOT EXISTS scan_log (
		scan_id TEXT NOT NULL REFERENCES scan_instance(scan_id),
		generated INTEGER NOT NULL,
		component TEXT NOT NULL,
		type TEXT NOT NULL,
		message TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tbl_scan_correlation_results (
		scan_id TEXT NOT NULL REFERENCES scan_instance(scan_id),
		correlation_id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		rule_descr TEXT NOT NULL,
		rule_risk TEXT NOT NULL,
		rule_logic TEXT,
		title TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tbl_scan_correlation_results_events (
		correlation_id TEXT NOT NULL REFERENCES tbl_scan_correlation_results(correlation_id),
		event_hash TEXT NOT NULL,
		PRIMARY KEY (correlation_id, event_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_event_type ON scan_event(scan_id, type)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_event_source ON scan_event(scan_id, source_hash)`,
}
