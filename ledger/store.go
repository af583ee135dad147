// Package ledger persists the per-user-per-day usage ledger plus the
// session and tool-call records derived from ingested telemetry.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrations embed.FS

// sessionSearchDepth bounds the recent-active-session scan in
// FindOrCreateSession unless overridden via Options.
const defaultSessionSearchDepth = 20

type Store struct {
	db          *sql.DB
	searchDepth int
}

type Options struct {
	// SessionSearchDepth is how many recent active sessions per
	// (user, tool) the correlator scans before inserting a new row.
	SessionSearchDepth int
}

// Open opens (creating if necessary) the ledger database and applies
// pending migrations.
func Open(dbPath string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent ingestion handlers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	depth := opts.SessionSearchDepth
	if depth <= 0 {
		depth = defaultSessionSearchDepth
	}

	return &Store{db: db, searchDepth: depth}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Accumulate applies a sparse delta onto the (userID, day) aggregate
// row as one conditional upsert with server-side addition. The first
// touch of a key seeds the row with the deltas; subsequent calls add
// onto the stored values, so concurrent or reordered deliveries always
// converge to the same field-wise sums.
func (s *Store) Accumulate(ctx context.Context, userID, day string, delta Delta) error {
	if len(delta) == 0 {
		return nil
	}

	fields := make([]string, 0, len(delta))
	for field := range delta {
		if !aggregateFields[field] {
			return fmt.Errorf("unknown aggregate field %q", field)
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	columns := make([]string, 0, len(fields))
	placeholders := make([]string, 0, len(fields))
	updates := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+4)
	args = append(args, userID, day)
	for _, field := range fields {
		columns = append(columns, field)
		placeholders = append(placeholders, "?")
		updates = append(updates, fmt.Sprintf("%s = %s + excluded.%s", field, field, field))
		args = append(args, delta[field])
	}
	now := time.Now().Unix()
	args = append(args, now, now)

	query := fmt.Sprintf(`
	INSERT INTO daily_usage (user_id, day, %s, created_at, updated_at)
	VALUES (?, ?, %s, ?, ?)
	ON CONFLICT(user_id, day) DO UPDATE SET
		%s,
		updated_at = excluded.updated_at`,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ",\n\t\t"))

	return s.execRetry(ctx, query, args...)
}

// GetDailyAggregate retrieves one ledger row, or sql.ErrNoRows when the
// key has never been touched.
func (s *Store) GetDailyAggregate(ctx context.Context, userID, day string) (*DailyAggregate, error) {
	query := `
	SELECT user_id, day,
		sessions, active_minutes,
		input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		cost_usd,
		lines_added, lines_modified, lines_deleted, files_changed,
		feature_count, bug_count, refactor_count,
		prs_created, prs_merged,
		hours_saved, value_usd,
		tool_calls, tool_failures,
		edits_accepted, edits_rejected,
		created_at, updated_at
	FROM daily_usage WHERE user_id = ? AND day = ?
	`

	var agg DailyAggregate
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID, day).Scan(
		&agg.UserID, &agg.Day,
		&agg.Sessions, &agg.ActiveMinutes,
		&agg.InputTokens, &agg.OutputTokens, &agg.CacheReadTokens, &agg.CacheCreationTokens,
		&agg.CostUSD,
		&agg.LinesAdded, &agg.LinesModified, &agg.LinesDeleted, &agg.FilesChanged,
		&agg.FeatureCount, &agg.BugCount, &agg.RefactorCount,
		&agg.PRsCreated, &agg.PRsMerged,
		&agg.HoursSaved, &agg.ValueUSD,
		&agg.ToolCalls, &agg.ToolFailures,
		&agg.EditsAccepted, &agg.EditsRejected,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	agg.CreatedAt = time.Unix(createdAt, 0)
	agg.UpdatedAt = time.Unix(updatedAt, 0)
	return &agg, nil
}

// FindOrCreateSession resolves the vendor-supplied external session id
// to a session row, creating it on first reference. The scan covers the
// most recent active sessions for (userID, tool); on a miss it inserts
// optimistically and, when another request won the race to create the
// same logical session, re-queries and returns the winner instead of
// propagating the uniqueness conflict.
func (s *Store) FindOrCreateSession(ctx context.Context, userID, tool, externalID, model, project string) (id string, created bool, err error) {
	if id, err = s.findSession(ctx, userID, tool, externalID); err != nil {
		return "", false, err
	}
	if id != "" {
		return id, false, nil
	}

	id = uuid.NewString()
	now := time.Now()
	query := `
	INSERT INTO sessions (id, user_id, tool, external_id, model, project, status, started_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	err = s.execRetry(ctx, query,
		id, userID, tool, externalID, model, project,
		SessionActive, now.Unix(), now.Unix(), now.Unix())
	if err == nil {
		return id, true, nil
	}
	if !isUniqueViolation(err) {
		return "", false, fmt.Errorf("failed to insert session: %w", err)
	}

	// Lost the insert race; the winner's row exists now.
	winner, ferr := s.lookupSessionByExternalID(ctx, userID, tool, externalID)
	if ferr != nil {
		return "", false, fmt.Errorf("failed to re-query session after conflict: %w", ferr)
	}
	return winner, false, nil
}

func (s *Store) findSession(ctx context.Context, userID, tool, externalID string) (string, error) {
	query := `
	SELECT id, external_id FROM sessions
	WHERE user_id = ? AND tool = ? AND status = ?
	ORDER BY started_at DESC, created_at DESC
	LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, tool, SessionActive, s.searchDepth)
	if err != nil {
		return "", fmt.Errorf("failed to search sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, extID string
		if err := rows.Scan(&id, &extID); err != nil {
			return "", err
		}
		if extID == externalID {
			return id, nil
		}
	}
	return "", rows.Err()
}

func (s *Store) lookupSessionByExternalID(ctx context.Context, userID, tool, externalID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE user_id = ? AND tool = ? AND external_id = ?`,
		userID, tool, externalID).Scan(&id)
	return id, err
}

// CompleteSession records a completion signal for a session.
func (s *Store) CompleteSession(ctx context.Context, id, status string, endedAt time.Time) error {
	query := `
	UPDATE sessions SET status = ?, ended_at = ?, updated_at = ?
	WHERE id = ?
	`
	return s.execRetry(ctx, query, status, endedAt.Unix(), time.Now().Unix(), id)
}

// GetSession retrieves one session row by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
	SELECT id, user_id, tool, external_id, model, project, status,
		started_at, ended_at, created_at, updated_at
	FROM sessions WHERE id = ?
	`

	var sess Session
	var model, project sql.NullString
	var startedAt, endedAt, createdAt, updatedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.UserID, &sess.Tool, &sess.ExternalID,
		&model, &project, &sess.Status,
		&startedAt, &endedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Model = model.String
	sess.Project = project.String
	sess.StartedAt = time.Unix(startedAt.Int64, 0)
	if endedAt.Valid && endedAt.Int64 > 0 {
		sess.EndedAt = time.Unix(endedAt.Int64, 0)
	}
	sess.CreatedAt = time.Unix(createdAt.Int64, 0)
	sess.UpdatedAt = time.Unix(updatedAt.Int64, 0)
	return &sess, nil
}

// CountSessions returns how many session rows exist for a (user, tool,
// external id) triple. Exists for invariant checks; the correlator
// guarantees this is at most one.
func (s *Store) CountSessions(ctx context.Context, userID, tool, externalID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ? AND tool = ? AND external_id = ?`,
		userID, tool, externalID).Scan(&n)
	return n, err
}

// GetUserSessions lists a user's sessions, newest first.
func (s *Store) GetUserSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	query := `
	SELECT id, user_id, tool, external_id, model, project, status,
		started_at, ended_at, created_at, updated_at
	FROM sessions WHERE user_id = ?
	ORDER BY started_at DESC
	LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var model, project sql.NullString
		var startedAt, endedAt, createdAt, updatedAt sql.NullInt64
		if err := rows.Scan(
			&sess.ID, &sess.UserID, &sess.Tool, &sess.ExternalID,
			&model, &project, &sess.Status,
			&startedAt, &endedAt, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		sess.Model = model.String
		sess.Project = project.String
		sess.StartedAt = time.Unix(startedAt.Int64, 0)
		if endedAt.Valid && endedAt.Int64 > 0 {
			sess.EndedAt = time.Unix(endedAt.Int64, 0)
		}
		sess.CreatedAt = time.Unix(createdAt.Int64, 0)
		sess.UpdatedAt = time.Unix(updatedAt.Int64, 0)
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// InsertToolCall appends one tool invocation record.
func (s *Store) InsertToolCall(ctx context.Context, call *ToolCall) error {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}

	var sessionID any
	if call.SessionID != "" {
		sessionID = call.SessionID
	}

	query := `
	INSERT INTO tool_calls (id, user_id, session_id, tool_name, success, duration_ms, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	return s.execRetry(ctx, query,
		call.ID, call.UserID, sessionID, call.ToolName,
		call.Success, call.DurationMS, call.Error, call.CreatedAt.Unix())
}

// CountToolCalls returns the number of tool-call records for a user.
func (s *Store) CountToolCalls(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tool_calls WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// UserExists reports whether a user id is known to the directory.
func (s *Store) UserExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertUser registers a user in the directory.
func (s *Store) InsertUser(ctx context.Context, id, email, name string) error {
	return s.execRetry(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		id, email, name, time.Now().Unix())
}

// execRetry runs a write statement, retrying briefly when SQLite
// reports the database busy or locked. Concurrent ingestion handlers
// contend on the same file; a short fibonacci backoff resolves it.
func (s *Store) execRetry(ctx context.Context, query string, args ...any) error {
	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(5*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
