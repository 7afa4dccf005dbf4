package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/correlator-io/correlator/internal/config"
	"github.com/correlator-io/correlator/internal/spiderevent"
)

// Sentinel errors for the transient/fatal write split shared by
// PostgresStore and SQLiteStore (spec.md §4.1 "Failure semantics").
var (
	// ErrStoreTransient marks a write error that may succeed if repeated.
	// Nothing in this module retries it: the scheduler fails the scan on
	// any InsertEvent error, whichever sentinel it wraps.
	ErrStoreTransient = errors.New("storage: transient write error")
	// ErrStoreFatal marks a write error that should move the scan to
	// ERROR-FAILED.
	ErrStoreFatal = errors.New("storage: fatal write error")
)

// PostgresStore is the networked relational backend for C1. It mirrors
// the teacher's LineageStore shape: a *Connection wrapper, an injected
// *slog.Logger, and per-scan write serialization — here via a map of
// per-scan mutexes rather than a background debounce goroutine, since
// spec.md §4.1/§5 calls for "a per-scan writer queue" rather than
// materialized-view refresh.
type PostgresStore struct {
	conn   *Connection
	logger *slog.Logger

	scanLocksMu sync.Mutex
	scanLocks   map[string]*sync.Mutex
}

// NewPostgresStore wraps an already-open *Connection. The caller owns the
// connection's lifecycle beyond Close, matching NewLineageStore's
// dependency-injection discipline.
func NewPostgresStore(conn *Connection) (*PostgresStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PostgresStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		scanLocks: make(map[string]*sync.Mutex),
	}, nil
}

// ErrNoDatabaseConnection is returned when a Store constructor is given a
// nil connection.
var ErrNoDatabaseConnection = errors.New("storage: database connection is required")

func (s *PostgresStore) Close() error {
	return nil
}

func (s *PostgresStore) lockFor(scanID string) *sync.Mutex {
	s.scanLocksMu.Lock()
	defer s.scanLocksMu.Unlock()

	l, ok := s.scanLocks[scanID]
	if !ok {
		l = &sync.Mutex{}
		s.scanLocks[scanID] = l
	}

	return l
}

func (s *PostgresStore) CreateScan(ctx context.Context, scan Scan) error {
	lock := s.lockFor(scan.ID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStoreTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scan_instance (scan_id, name, seed_target, seed_type, created, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, scan.ID, scan.Name, scan.TargetData, scan.TargetType, scan.Created, scan.Status)
	if err != nil {
		return fmt.Errorf("%w: insert scan_instance: %v", ErrStoreFatal, err)
	}

	for opt, val := range scan.Options {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scan_config (scan_id, component, opt, val) VALUES ($1, $2, $3, $4)
		`, scan.ID, "global", opt, val); err != nil {
			return fmt.Errorf("%w: insert scan_config: %v", ErrStoreFatal, err)
		}
	}

	for _, m := range scan.Modules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO module_state (scan_id, module, status, events_produced)
			VALUES ($1, $2, $3, 0)
		`, scan.ID, m, ModulePending); err != nil {
			return fmt.Errorf("%w: seed module_state: %v", ErrStoreFatal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, scanID string, e spiderevent.Event) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreFatal, err)
	}

	lock := s.lockFor(scanID)
	lock.Lock()
	defer lock.Unlock()

	var sourceHash sql.NullString
	if e.SourceHash != "" {
		sourceHash = sql.NullString{String: e.SourceHash, Valid: true}

		var exists bool

		err := s.conn.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM scan_event WHERE scan_id=$1 AND hash=$2)`,
			scanID, e.SourceHash,
		).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("%w: source lookup: %v", ErrStoreTransient, err)
		}

		if !exists {
			return false, ErrEventSourceMissing
		}
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO scan_event
			(scan_id, hash, type, generated, confidence, visibility, risk, module, data, source_hash, false_positive)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (scan_id, hash) DO NOTHING
	`, scanID, e.Hash, e.Type, e.Generated, e.Confidence, e.Visibility, e.Risk, e.Module, e.Data, sourceHash, e.FalsePositive)
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

	if _, err := s.conn.ExecContext(ctx, `
		INSERT INTO scan_event_seen (scan_id, hash) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, scanID, e.Hash); err != nil {
		return true, fmt.Errorf("%w: insert scan_event_seen: %v", ErrStoreTransient, err)
	}

	return true, nil
}

func (s *PostgresStore) UpdateModuleState(ctx context.Context, state ModuleState) error {
	lock := s.lockFor(state.ScanID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO module_state (scan_id, module, status, events_produced, started, ended)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scan_id, module) DO UPDATE SET
			status = EXCLUDED.status,
			events_produced = EXCLUDED.events_produced,
			started = COALESCE(module_state.started, EXCLUDED.started),
			ended = EXCLUDED.ended
	`, state.ScanID, state.Module, state.Status, state.EventsProduced, state.Started, state.Ended)
	if err != nil {
		return fmt.Errorf("%w: upsert module_state: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, entry LogEntry) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO scan_log (scan_id, generated, component, type, message)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ScanID, entry.Generated, entry.Component, entry.Level, entry.Message)
	if err != nil {
		return fmt.Errorf("%w: insert scan_log: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *PostgresStore) SetScanStatus(ctx context.Context, scanID string, status Status, ended *time.Time) error {
	lock := s.lockFor(scanID)
	lock.Lock()
	defer lock.Unlock()

	var err error
	if status == StatusRunning {
		_, err = s.conn.ExecContext(ctx, `UPDATE scan_instance SET status=$1, started=now() WHERE scan_id=$2`, status, scanID)
	} else {
		_, err = s.conn.ExecContext(ctx, `UPDATE scan_instance SET status=$1, ended=$2 WHERE scan_id=$3`, status, ended, scanID)
	}

	if err != nil {
		return fmt.Errorf("%w: update scan_instance status: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *PostgresStore) SetFalsePositive(ctx context.Context, scanID string, hashes []string, fp bool) error {
	if len(hashes) == 0 {
		return nil
	}

	_, err := s.conn.ExecContext(ctx, `
		UPDATE scan_event SET false_positive=$1 WHERE scan_id=$2 AND hash = ANY($3)
	`, fp, scanID, pq.Array(hashes))
	if err != nil {
		return fmt.Errorf("%w: update false_positive: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *PostgresStore) WriteCorrelation(ctx context.Context, result CorrelationResult) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStoreTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tbl_scan_correlation_results
			(scan_id, correlation_id, rule_id, rule_name, rule_descr, rule_risk, rule_logic, title)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (correlation_id) DO NOTHING
	`, result.ScanID, result.ID, result.RuleID, result.RuleName, result.RuleDescr, result.RuleRisk, "", result.Title)
	if err != nil {
		return fmt.Errorf("%w: insert correlation result: %v", ErrStoreFatal, err)
	}

	for _, hash := range result.EventHashes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tbl_scan_correlation_results_events (correlation_id, event_hash)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, result.ID, hash); err != nil {
			return fmt.Errorf("%w: link correlation event: %v", ErrStoreFatal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreTransient, err)
	}

	return nil
}

func (s *PostgresStore) GetScan(ctx context.Context, scanID string) (Scan, error) {
	var scan Scan

	var started, ended sql.NullTime

	err := s.conn.QueryRowContext(ctx, `
		SELECT scan_id, name, seed_target, seed_type, created, started, ended, status
		FROM scan_instance WHERE scan_id=$1
	`, scanID).Scan(&scan.ID, &scan.Name, &scan.TargetData, &scan.TargetType, &scan.Created, &started, &ended, &scan.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Scan{}, ErrScanNotFound
	} else if err != nil {
		return Scan{}, fmt.Errorf("%w: select scan_instance: %v", ErrStoreTransient, err)
	}

	if started.Valid {
		scan.Started = &started.Time
	}

	if ended.Valid {
		scan.Ended = &ended.Time
	}

	scan.Options, err = s.loadOptions(ctx, scanID)
	if err != nil {
		return Scan{}, err
	}

	return scan, nil
}

func (s *PostgresStore) loadOptions(ctx context.Context, scanID string) (map[string]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT opt, val FROM scan_config WHERE scan_id=$1`, scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: select scan_config: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	opts := make(map[string]string)

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("%w: scan scan_config row: %v", ErrStoreTransient, err)
		}

		opts[k] = v
	}

	return opts, rows.Err()
}

func (s *PostgresStore) ListScans(ctx context.Context) ([]Scan, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT scan_id, name, seed_target, seed_type, created, started, ended, status
		FROM scan_instance ORDER BY created DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: select scan_instance: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Scan

	for rows.Next() {
		var scan Scan

		var started, ended sql.NullTime

		if err := rows.Scan(&scan.ID, &scan.Name, &scan.TargetData, &scan.TargetType, &scan.Created, &started, &ended, &scan.Status); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrStoreTransient, err)
		}

		if started.Valid {
			scan.Started = &started.Time
		}

		if ended.Valid {
			scan.Ended = &ended.Time
		}

		out = append(out, scan)
	}

	return out, rows.Err()
}

func (s *PostgresStore) ListModuleStates(ctx context.Context, scanID string) ([]ModuleState, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT scan_id, module, status, events_produced, started, ended
		FROM module_state WHERE scan_id=$1 ORDER BY module
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: select module_state: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	var out []ModuleState

	for rows.Next() {
		var ms ModuleState

		var started, ended sql.NullTime

		if err := rows.Scan(&ms.ScanID, &ms.Module, &ms.Status, &ms.EventsProduced, &started, &ended); err != nil {
			return nil, fmt.Errorf("%w: module_state row: %v", ErrStoreTransient, err)
		}

		if started.Valid {
			ms.Started = &started.Time
		}

		if ended.Valid {
			ms.Ended = &ended.Time
		}

		out = append(out, ms)
	}

	return out, rows.Err()
}

func (s *PostgresStore) Events(ctx context.Context, scanID string, filter EventFilter) ([]spiderevent.Event, error) {
	query := `SELECT hash, type, data, module, generated, COALESCE(source_hash, ''), confidence, visibility, risk, false_positive
		FROM scan_event WHERE scan_id=$1`

	args := []any{scanID}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Type != "" {
		query += " AND type=" + arg(filter.Type)
	}

	if filter.Module != "" {
		query += " AND module=" + arg(filter.Module)
	}

	if filter.Risk != nil {
		query += " AND risk=" + arg(*filter.Risk)
	}

	if filter.Since != nil {
		query += " AND generated >= " + arg(filter.Since.Unix())
	}

	query += " ORDER BY generated ASC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query += " LIMIT " + arg(limit) + " OFFSET " + arg(filter.Offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: select scan_event: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEventRows(rows)
}

func (s *PostgresStore) EventByHash(ctx context.Context, scanID, hash string) (spiderevent.Event, error) {
	var e spiderevent.Event

	err := s.conn.QueryRowContext(ctx, `
		SELECT hash, type, data, module, generated, COALESCE(source_hash, ''), confidence, visibility, risk, false_positive
		FROM scan_event WHERE scan_id=$1 AND hash=$2
	`, scanID, hash).Scan(&e.Hash, &e.Type, &e.Data, &e.Module, &e.Generated, &e.SourceHash, &e.Confidence, &e.Visibility, &e.Risk, &e.FalsePositive)
	if errors.Is(err, sql.ErrNoRows) {
		return spiderevent.Event{}, fmt.Errorf("%w: hash %s", ErrScanNotFound, hash)
	} else if err != nil {
		return spiderevent.Event{}, fmt.Errorf("%w: select scan_event: %v", ErrStoreTransient, err)
	}

	return e, nil
}

func (s *PostgresStore) EventsByType(ctx context.Context, scanID, eventType string) ([]spiderevent.Event, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT hash, type, data, module, generated, COALESCE(source_hash, ''), confidence, visibility, risk, false_positive
		FROM scan_event WHERE scan_id=$1 AND type=$2 ORDER BY generated ASC
	`, scanID, eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: select scan_event by type: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEventRows(rows)
}

func (s *PostgresStore) ChildrenOf(ctx context.Context, scanID, hash string) ([]spiderevent.Event, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT hash, type, data, module, generated, COALESCE(source_hash, ''), confidence, visibility, risk, false_positive
		FROM scan_event WHERE scan_id=$1 AND source_hash=$2
	`, scanID, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: select children: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEventRows(rows)
}

func (s *PostgresStore) Summary(ctx context.Context, scanID string) ([]TypeSummary, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT type, COUNT(*), COUNT(DISTINCT data)
		FROM scan_event WHERE scan_id=$1 GROUP BY type ORDER BY type
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

func (s *PostgresStore) EventsUnique(ctx context.Context, scanID, eventType string) ([]UniqueValue, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT data, COUNT(*) FROM scan_event
		WHERE scan_id=$1 AND type=$2 GROUP BY data ORDER BY COUNT(*) DESC
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

func (s *PostgresStore) Logs(ctx context.Context, scanID string, level LogLevel, limit int) ([]LogEntry, error) {
	query := `SELECT scan_id, generated, component, type, message FROM scan_log WHERE scan_id=$1`
	args := []any{scanID}

	if level != "" {
		query += " AND type=$2"
		args = append(args, level)
	}

	query += " ORDER BY generated DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: logs query: %v", ErrStoreTransient, err)
	}
	defer func() { _ = rows.Close() }()

	var out []LogEntry

	for rows.Next() {
		var le LogEntry
		if err := rows.Scan(&le.ScanID, &le.Generated, &le.Component, &le.Level, &le.Message); err != nil {
			return nil, fmt.Errorf("%w: logs row: %v", ErrStoreTransient, err)
		}

		out = append(out, le)
	}

	return out, rows.Err()
}

func (s *PostgresStore) Correlations(ctx context.Context, scanID string) ([]CorrelationResult, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT correlation_id, rule_id, rule_name, rule_descr, rule_risk, title
		FROM tbl_scan_correlation_results WHERE scan_id=$1
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

		hashRows, err := s.conn.QueryContext(ctx, `
			SELECT event_hash FROM tbl_scan_correlation_results_events WHERE correlation_id=$1
		`, cr.ID)
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

func (s *PostgresStore) DeleteScan(ctx context.Context, scanID string) error {
	scan, err := s.GetScan(ctx, scanID)
	if err != nil {
		return err
	}

	if scan.Status == StatusRunning || scan.Status == StatusStarting {
		return ErrScanRunning
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStoreTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := []string{
		"tbl_scan_correlation_results_events",
		"tbl_scan_correlation_results",
		"scan_log",
		"module_state",
		"scan_event_seen",
		"scan_event",
		"scan_config",
		"scan_instance",
	}

	for _, table := range tables {
		col := "scan_id"
		if table == "tbl_scan_correlation_results_events" {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM tbl_scan_correlation_results_events WHERE correlation_id IN
					(SELECT correlation_id FROM tbl_scan_correlation_results WHERE scan_id=$1)
			`, scanID); err != nil {
				return fmt.Errorf("%w: delete %s: %v", ErrStoreTransient, table, err)
			}

			continue
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s=$1", table, col), scanID); err != nil {
			return fmt.Errorf("%w: delete %s: %v", ErrStoreTransient, table, err)
		}
	}

	return tx.Commit()
}

func scanEventRows(rows *sql.Rows) ([]spiderevent.Event, error) {
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
