package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ledger-recon-engine/internal/audit"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// SQLiteRepository provides SQLite database access.
// It implements the Repository interface.
type SQLiteRepository struct {
	db     *sql.DB
	path   string
	logger logger.Logger
}

// Compile-time check that SQLiteRepository implements Repository
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func NewSQLiteRepository(path string, log logger.Logger) (*SQLiteRepository, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	log = log.WithComponent("sqlite")

	dsn := "file::memory:?_foreign_keys=on"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.StorageError("create database directory", err)
		}
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.StorageError("open database", err)
	}
	// one connection serializes writers and keeps an in-memory database alive
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.StorageError("ping database", err)
	}

	if err := runMigrations(db, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.WithField("path", path).Info("Opened database")
	return &SQLiteRepository{db: db, path: path, logger: log}, nil
}

// Close closes the database connection
func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

// transaction runs fn in a transaction, rolling back if fn returns an error or panics
func (s *SQLiteRepository) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).Error("Rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.StorageError("commit transaction", err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func parseTimePtr(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatDate(t time.Time) string {
	return t.Format(models.DateLayout)
}

func parseDate(value string) (time.Time, error) {
	return time.Parse(models.DateLayout, value)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Records

const sourceColumns = `scope, id, amount, currency, value_date, counterparty, reference, source_system, kind, ingested_at`

const ledgerColumns = `scope, id, amount, currency, value_date, counterparty, reference, source_system, account_code, status, ingested_at`

// SaveSources inserts new source records; existing IDs are ignored
func (s *SQLiteRepository) SaveSources(ctx context.Context, records []*models.SourceRecord) (int, error) {
	inserted := 0
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO source_records (`+sourceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return errors.StorageError("prepare source insert", err)
		}
		defer stmt.Close()

		for _, r := range records {
			res, err := stmt.ExecContext(ctx, r.Scope, r.ID, r.Amount, r.Currency, formatDate(r.ValueDate),
				r.Counterparty, r.Reference, r.SourceSystem, string(r.Kind), formatTime(r.IngestedAt))
			if err != nil {
				return errors.StorageError("insert source record", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// SaveLedgers inserts ledger records and refreshes the status of existing ones
func (s *SQLiteRepository) SaveLedgers(ctx context.Context, records []*models.LedgerRecord) (int, error) {
	saved := 0
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO ledger_records (`+ledgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(scope, id) DO UPDATE SET status = excluded.status
			WHERE ledger_records.status <> excluded.status`)
		if err != nil {
			return errors.StorageError("prepare ledger upsert", err)
		}
		defer stmt.Close()

		for _, r := range records {
			res, err := stmt.ExecContext(ctx, r.Scope, r.ID, r.Amount, r.Currency, formatDate(r.ValueDate),
				r.Counterparty, r.Reference, r.SourceSystem, r.AccountCode, string(r.Status), formatTime(r.IngestedAt))
			if err != nil {
				return errors.StorageError("upsert ledger record", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				saved++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return saved, nil
}

func scanSource(row scanner) (*models.SourceRecord, error) {
	r := &models.SourceRecord{}
	var valueDate, ingestedAt, kind string
	if err := row.Scan(&r.Scope, &r.ID, &r.Amount, &r.Currency, &valueDate, &r.Counterparty,
		&r.Reference, &r.SourceSystem, &kind, &ingestedAt); err != nil {
		return nil, err
	}
	var err error
	if r.ValueDate, err = parseDate(valueDate); err != nil {
		return nil, err
	}
	if r.IngestedAt, err = parseTime(ingestedAt); err != nil {
		return nil, err
	}
	r.Kind = models.RecordKind(kind)
	return r, nil
}

func scanLedger(row scanner) (*models.LedgerRecord, error) {
	r := &models.LedgerRecord{}
	var valueDate, ingestedAt, status string
	if err := row.Scan(&r.Scope, &r.ID, &r.Amount, &r.Currency, &valueDate, &r.Counterparty,
		&r.Reference, &r.SourceSystem, &r.AccountCode, &status, &ingestedAt); err != nil {
		return nil, err
	}
	var err error
	if r.ValueDate, err = parseDate(valueDate); err != nil {
		return nil, err
	}
	if r.IngestedAt, err = parseTime(ingestedAt); err != nil {
		return nil, err
	}
	r.Status = models.LedgerStatus(status)
	return r, nil
}

// GetSource retrieves a source record
func (s *SQLiteRepository) GetSource(ctx context.Context, scope, id string) (*models.SourceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM source_records WHERE scope = ? AND id = ?`, scope, id)
	r, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("source record", id)
	}
	if err != nil {
		return nil, errors.StorageError("get source record", err)
	}
	return r, nil
}

// GetLedger retrieves a ledger record
func (s *SQLiteRepository) GetLedger(ctx context.Context, scope, id string) (*models.LedgerRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_records WHERE scope = ? AND id = ?`, scope, id)
	r, err := scanLedger(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("ledger record", id)
	}
	if err != nil {
		return nil, errors.StorageError("get ledger record", err)
	}
	return r, nil
}

// ListSources returns the scope's source records ordered by ID
func (s *SQLiteRepository) ListSources(ctx context.Context, scope string) ([]*models.SourceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM source_records WHERE scope = ? ORDER BY id`, scope)
	if err != nil {
		return nil, errors.StorageError("list source records", err)
	}
	defer rows.Close()

	out := []*models.SourceRecord{}
	for rows.Next() {
		r, err := scanSource(rows)
		if err != nil {
			return nil, errors.StorageError("scan source record", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError("list source records", err)
	}
	return out, nil
}

// ListLedgers returns the scope's ledger records ordered by ID
func (s *SQLiteRepository) ListLedgers(ctx context.Context, scope string) ([]*models.LedgerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_records WHERE scope = ? ORDER BY id`, scope)
	if err != nil {
		return nil, errors.StorageError("list ledger records", err)
	}
	defer rows.Close()

	out := []*models.LedgerRecord{}
	for rows.Next() {
		r, err := scanLedger(rows)
		if err != nil {
			return nil, errors.StorageError("scan ledger record", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError("list ledger records", err)
	}
	return out, nil
}

// ListScopes returns every scope with records
func (s *SQLiteRepository) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope FROM source_records UNION SELECT scope FROM ledger_records ORDER BY 1`)
	if err != nil {
		return nil, errors.StorageError("list scopes", err)
	}
	defer rows.Close()

	scopes := []string{}
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, errors.StorageError("scan scope", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// Matches

const matchColumns = `id, scope, source_id, ledger_ids, rule_id, tier, confidence, state, accepted_by, accepted_at, run_id, created_at, updated_at`

func scanMatch(row scanner) (*models.Match, error) {
	m := &models.Match{}
	var ledgerIDs, state, createdAt, updatedAt string
	var acceptedAt sql.NullString
	if err := row.Scan(&m.ID, &m.Scope, &m.SourceID, &ledgerIDs, &m.RuleID, &m.Tier, &m.Confidence,
		&state, &m.AcceptedBy, &acceptedAt, &m.RunID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	m.LedgerIDs = models.SplitIDs(ledgerIDs)
	m.State = models.MatchState(state)
	if m.AcceptedAt, err = parseTimePtr(acceptedAt); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMatch retrieves a match
func (s *SQLiteRepository) GetMatch(ctx context.Context, scope, id string) (*models.Match, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE scope = ? AND id = ?`, scope, id)
	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("match", id)
	}
	if err != nil {
		return nil, errors.StorageError("get match", err)
	}
	return m, nil
}

// ListMatches returns matches ordered by creation time, then ID
func (s *SQLiteRepository) ListMatches(ctx context.Context, filter MatchFilter) ([]*models.Match, int, error) {
	where := []string{"scope = ?"}
	args := []interface{}{filter.Scope}
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if filter.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, filter.SourceID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM matches WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, errors.StorageError("count matches", err)
	}

	query := `SELECT ` + matchColumns + ` FROM matches WHERE ` + clause + ` ORDER BY created_at, id` + limitClause(filter.Limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.StorageError("list matches", err)
	}
	defer rows.Close()

	out := []*models.Match{}
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, 0, errors.StorageError("scan match", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.StorageError("list matches", err)
	}
	return out, total, nil
}

// Claims returns the scope's claimed records
func (s *SQLiteRepository) Claims(ctx context.Context, scope string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT side, record_id, match_id FROM match_claims WHERE scope = ?`, scope)
	if err != nil {
		return nil, errors.StorageError("list claims", err)
	}
	defer rows.Close()

	claims := make(map[string]string)
	for rows.Next() {
		var side, recordID, matchID string
		if err := rows.Scan(&side, &recordID, &matchID); err != nil {
			return nil, errors.StorageError("scan claim", err)
		}
		claims[models.RecordRef{Side: models.RecordSide(side), ID: recordID}.Key()] = matchID
	}
	return claims, rows.Err()
}

func limitClause(limit, offset int) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	if limit <= 0 {
		limit = -1
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

// Exceptions

const exceptionColumns = `id, scope, record_id, record_side, amount, currency, value_date, status, reason, ambiguous,
	age_in_days, severity, severity_score, assigned_owner, opened_at, last_evaluated_at, resolved_at`

func scanException(row scanner) (*models.Exception, error) {
	e := &models.Exception{}
	var side, valueDate, status, reason, severity, openedAt, evaluatedAt string
	var ambiguous int
	var resolvedAt sql.NullString
	if err := row.Scan(&e.ID, &e.Scope, &e.RecordID, &side, &e.Amount, &e.Currency, &valueDate, &status,
		&reason, &ambiguous, &e.AgeInDays, &severity, &e.SeverityScore, &e.AssignedOwner,
		&openedAt, &evaluatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	var err error
	e.RecordSide = models.RecordSide(side)
	e.Status = models.ExceptionStatus(status)
	e.Reason = models.ExceptionReason(reason)
	e.Severity = models.Severity(severity)
	e.Ambiguous = ambiguous != 0
	if e.ValueDate, err = parseDate(valueDate); err != nil {
		return nil, err
	}
	if e.OpenedAt, err = parseTime(openedAt); err != nil {
		return nil, err
	}
	if e.LastEvaluatedAt, err = parseTime(evaluatedAt); err != nil {
		return nil, err
	}
	if e.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	return e, nil
}

// GetException retrieves an exception
func (s *SQLiteRepository) GetException(ctx context.Context, scope, id string) (*models.Exception, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE scope = ? AND id = ?`, scope, id)
	e, err := scanException(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("exception", id)
	}
	if err != nil {
		return nil, errors.StorageError("get exception", err)
	}
	return e, nil
}

// ListExceptions returns exceptions in review-queue order
func (s *SQLiteRepository) ListExceptions(ctx context.Context, filter ExceptionFilter) ([]*models.Exception, int, error) {
	where := []string{"scope = ?"}
	args := []interface{}{filter.Scope}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, filter.RecordID)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exceptions WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, errors.StorageError("count exceptions", err)
	}

	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE ` + clause +
		` ORDER BY severity_score DESC, age_in_days DESC, id` + limitClause(filter.Limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.StorageError("list exceptions", err)
	}
	defer rows.Close()

	out := []*models.Exception{}
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, 0, errors.StorageError("scan exception", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.StorageError("list exceptions", err)
	}
	return out, total, nil
}

// History

// PairingHistory returns the scope's pairing counters
func (s *SQLiteRepository) PairingHistory(ctx context.Context, scope string) ([]models.PairingStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, counterparty, account_code, hits, lag_day_sum
		FROM pairing_history WHERE scope = ? ORDER BY counterparty, account_code`, scope)
	if err != nil {
		return nil, errors.StorageError("list pairing history", err)
	}
	defer rows.Close()

	out := []models.PairingStat{}
	for rows.Next() {
		var p models.PairingStat
		if err := rows.Scan(&p.Scope, &p.Counterparty, &p.AccountCode, &p.Hits, &p.LagDaySum); err != nil {
			return nil, errors.StorageError("scan pairing history", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RejectedPairs returns the pairings reviewers rejected in the scope
func (s *SQLiteRepository) RejectedPairs(ctx context.Context, scope string) ([]models.RejectedPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, source_id, ledger_ids, created_at
		FROM rejected_pairs WHERE scope = ? ORDER BY source_id, ledger_ids`, scope)
	if err != nil {
		return nil, errors.StorageError("list rejected pairs", err)
	}
	defer rows.Close()

	out := []models.RejectedPair{}
	for rows.Next() {
		var p models.RejectedPair
		var ledgerIDs, createdAt string
		if err := rows.Scan(&p.Scope, &p.SourceID, &ledgerIDs, &createdAt); err != nil {
			return nil, errors.StorageError("scan rejected pair", err)
		}
		p.LedgerIDs = models.SplitIDs(ledgerIDs)
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, errors.StorageError("scan rejected pair", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Runs

const runColumns = `id, scope, status, retryable, error, started_at, completed_at, stats_json`

func scanRun(row scanner) (*models.Run, error) {
	r := &models.Run{}
	var status, startedAt, statsJSON string
	var retryable int
	var completedAt sql.NullString
	if err := row.Scan(&r.ID, &r.Scope, &status, &retryable, &r.Error, &startedAt, &completedAt, &statsJSON); err != nil {
		return nil, err
	}
	var err error
	r.Status = models.RunStatus(status)
	r.Retryable = retryable != 0
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(statsJSON), &r.Stats); err != nil {
		return nil, err
	}
	return r, nil
}

// SaveRun upserts a run
func (s *SQLiteRepository) SaveRun(ctx context.Context, run *models.Run) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		return saveRunTx(ctx, tx, run)
	})
}

func saveRunTx(ctx context.Context, tx *sql.Tx, run *models.Run) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return errors.StorageError("encode run stats", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retryable = excluded.retryable,
			error = excluded.error,
			completed_at = excluded.completed_at,
			stats_json = excluded.stats_json`,
		run.ID, run.Scope, string(run.Status), boolToInt(run.Retryable), run.Error,
		formatTime(run.StartedAt), formatTimePtr(run.CompletedAt), string(stats))
	if err != nil {
		return errors.StorageError("save run", err)
	}
	return nil
}

// GetRun retrieves a run
func (s *SQLiteRepository) GetRun(ctx context.Context, scope, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE scope = ? AND id = ?`, scope, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("run", id)
	}
	if err != nil {
		return nil, errors.StorageError("get run", err)
	}
	return r, nil
}

// ListRuns returns the scope's most recent runs first
func (s *SQLiteRepository) ListRuns(ctx context.Context, scope string, limit int) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE scope = ? ORDER BY started_at DESC, id DESC`+limitClause(limit, 0), scope)
	if err != nil {
		return nil, errors.StorageError("list runs", err)
	}
	defer rows.Close()

	out := []*models.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.StorageError("scan run", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Policies

// SavePolicy stores a scope's policy document
func (s *SQLiteRepository) SavePolicy(ctx context.Context, scope string, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scope_policies (scope, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		scope, string(doc), formatTime(time.Now()))
	if err != nil {
		return errors.StorageError("save policy", err)
	}
	return nil
}

// LoadPolicies returns every stored policy document
func (s *SQLiteRepository) LoadPolicies(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, document FROM scope_policies`)
	if err != nil {
		return nil, errors.StorageError("load policies", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var scope, doc string
		if err := rows.Scan(&scope, &doc); err != nil {
			return nil, errors.StorageError("scan policy", err)
		}
		out[scope] = []byte(doc)
	}
	return out, rows.Err()
}

// Decision log

const decisionColumns = `id, scope, sequence, action, match_id, exception_id, source_ids, ledger_ids, rule_id,
	confidence, actor, reason_code, reason, refers_to, run_id, created_at, prev_hash, hash`

func scanDecision(row scanner) (*models.DecisionLogEntry, error) {
	e := &models.DecisionLogEntry{}
	var action, sourceIDs, ledgerIDs, createdAt string
	if err := row.Scan(&e.ID, &e.Scope, &e.Sequence, &action, &e.MatchID, &e.ExceptionID, &sourceIDs,
		&ledgerIDs, &e.RuleID, &e.Confidence, &e.Actor, &e.ReasonCode, &e.Reason, &e.RefersTo, &e.RunID,
		&createdAt, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Action = models.DecisionAction(action)
	e.SourceIDs = models.SplitIDs(sourceIDs)
	e.LedgerIDs = models.SplitIDs(ledgerIDs)
	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return e, nil
}

// LastDecision returns the head of the scope's decision log, or nil when it is empty
func (s *SQLiteRepository) LastDecision(ctx context.Context, scope string) (*models.DecisionLogEntry, error) {
	return lastDecision(ctx, s.db, scope)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func lastDecision(ctx context.Context, q queryRower, scope string) (*models.DecisionLogEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decision_log WHERE scope = ? ORDER BY sequence DESC LIMIT 1`, scope)
	e, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError("read decision log head", err)
	}
	return e, nil
}

// AppendDecisions appends entries that continue the stored chain
func (s *SQLiteRepository) AppendDecisions(ctx context.Context, entries []*models.DecisionLogEntry) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		return appendDecisionsTx(ctx, tx, entries)
	})
}

func appendDecisionsTx(ctx context.Context, tx *sql.Tx, entries []*models.DecisionLogEntry) error {
	heads := make(map[string]*models.DecisionLogEntry)
	for _, e := range entries {
		prev, ok := heads[e.Scope]
		if !ok {
			var err error
			if prev, err = lastDecision(ctx, tx, e.Scope); err != nil {
				return err
			}
		}
		if err := continues(prev, e); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `INSERT INTO decision_log (`+decisionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Scope, e.Sequence, string(e.Action), e.MatchID, e.ExceptionID,
			models.JoinIDs(e.SourceIDs), models.JoinIDs(e.LedgerIDs), e.RuleID, e.Confidence, e.Actor,
			e.ReasonCode, e.Reason, e.RefersTo, e.RunID, formatTime(e.CreatedAt), e.PrevHash, e.Hash)
		if err != nil {
			return errors.StorageError("append decision", err)
		}
		heads[e.Scope] = e
	}
	return nil
}

// ListDecisions returns entries ordered by sequence
func (s *SQLiteRepository) ListDecisions(ctx context.Context, filter audit.Filter) ([]*models.DecisionLogEntry, int, error) {
	where := []string{"scope = ?", "sequence > ?"}
	args := []interface{}{filter.Scope, filter.AfterSequence}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.MatchID != "" {
		where = append(where, "match_id = ?")
		args = append(args, filter.MatchID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_log WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, errors.StorageError("count decisions", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+decisionColumns+` FROM decision_log WHERE `+clause+
		` ORDER BY sequence`+limitClause(filter.Limit, filter.Offset), args...)
	if err != nil {
		return nil, 0, errors.StorageError("list decisions", err)
	}
	defer rows.Close()

	out := []*models.DecisionLogEntry{}
	for rows.Next() {
		e, err := scanDecision(rows)
		if err != nil {
			return nil, 0, errors.StorageError("scan decision", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.StorageError("list decisions", err)
	}
	return out, total, nil
}

// Apply

// Apply writes a change set in one transaction
func (s *SQLiteRepository) Apply(ctx context.Context, cs *ChangeSet) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		for _, m := range cs.orderedMatches() {
			if err := applyMatchTx(ctx, tx, cs.Scope, m); err != nil {
				return err
			}
		}
		for _, e := range cs.orderedExceptions() {
			if err := applyExceptionTx(ctx, tx, cs.Scope, e); err != nil {
				return err
			}
		}
		if err := appendDecisionsTx(ctx, tx, cs.Decisions); err != nil {
			return err
		}
		for _, h := range cs.History {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO pairing_history (scope, counterparty, account_code, hits, lag_day_sum) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(scope, counterparty, account_code) DO UPDATE SET
					hits = hits + excluded.hits,
					lag_day_sum = lag_day_sum + excluded.lag_day_sum`,
				cs.Scope, h.Counterparty, h.AccountCode, h.Hits, h.LagDaySum)
			if err != nil {
				return errors.StorageError("update pairing history", err)
			}
		}
		for _, p := range cs.Rejected {
			_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO rejected_pairs (scope, source_id, ledger_ids, created_at) VALUES (?, ?, ?, ?)`,
				cs.Scope, p.SourceID, models.JoinIDs(p.LedgerIDs), formatTime(p.CreatedAt))
			if err != nil {
				return errors.StorageError("save rejected pair", err)
			}
		}
		if cs.Run != nil {
			if err := saveRunTx(ctx, tx, cs.Run); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyMatchTx(ctx context.Context, tx *sql.Tx, scope string, m *models.Match) error {
	if m.Scope != scope {
		return errors.ValidationError(errors.CodeInvalidRequest, "scope", m.Scope, fmt.Errorf("match %s is outside scope %s", m.ID, scope))
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO matches (`+matchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			confidence = excluded.confidence,
			state = excluded.state,
			accepted_by = excluded.accepted_by,
			accepted_at = excluded.accepted_at,
			updated_at = excluded.updated_at`,
		m.ID, m.Scope, m.SourceID, models.JoinIDs(m.LedgerIDs), m.RuleID, m.Tier, m.Confidence, string(m.State),
		m.AcceptedBy, formatTimePtr(m.AcceptedAt), m.RunID, formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
	if err != nil {
		return errors.StorageError("save match", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM match_claims WHERE match_id = ?`, m.ID); err != nil {
		return errors.StorageError("release claims", err)
	}
	if !m.State.Claims() {
		return nil
	}

	for _, ref := range m.RecordRefs() {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT match_id FROM match_claims WHERE scope = ? AND side = ? AND record_id = ?`,
			scope, string(ref.Side), ref.ID).Scan(&owner)
		switch {
		case err == nil:
			return errors.ConcurrentClaimConflict(ref.Key(), owner)
		case err != sql.ErrNoRows:
			return errors.StorageError("check claim", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO match_claims (scope, side, record_id, match_id) VALUES (?, ?, ?, ?)`,
			scope, string(ref.Side), ref.ID, m.ID); err != nil {
			return errors.StorageError("claim record", err)
		}
	}
	return nil
}

func applyExceptionTx(ctx context.Context, tx *sql.Tx, scope string, e *models.Exception) error {
	if e.Scope != scope {
		return errors.ValidationError(errors.CodeInvalidRequest, "scope", e.Scope, fmt.Errorf("exception %s is outside scope %s", e.ID, scope))
	}

	if e.Status.IsOpen() {
		var owner string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM exceptions
			WHERE scope = ? AND record_side = ? AND record_id = ? AND id <> ? AND status IN ('new', 'in-review', 'escalated')`,
			scope, string(e.RecordSide), e.RecordID, e.ID).Scan(&owner)
		switch {
		case err == nil:
			return errors.ReconciliationError(errors.CodeDataInconsistent, "apply exceptions",
				fmt.Errorf("record %s already has open exception %s", e.Ref().Key(), owner))
		case err != sql.ErrNoRows:
			return errors.StorageError("check open exception", err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO exceptions (`+exceptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			ambiguous = excluded.ambiguous,
			age_in_days = excluded.age_in_days,
			severity = excluded.severity,
			severity_score = excluded.severity_score,
			assigned_owner = excluded.assigned_owner,
			last_evaluated_at = excluded.last_evaluated_at,
			resolved_at = excluded.resolved_at`,
		e.ID, e.Scope, e.RecordID, string(e.RecordSide), e.Amount, e.Currency, formatDate(e.ValueDate),
		string(e.Status), string(e.Reason), boolToInt(e.Ambiguous), e.AgeInDays, string(e.Severity),
		e.SeverityScore, e.AssignedOwner, formatTime(e.OpenedAt), formatTime(e.LastEvaluatedAt),
		formatTimePtr(e.ResolvedAt))
	if err != nil {
		return errors.StorageError("save exception", err)
	}
	return nil
}
