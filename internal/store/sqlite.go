package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	commonsqlite "github.com/solarbus/solarbus/internal/common/sqlite"
	"github.com/solarbus/solarbus/internal/envelope"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns is the number of concurrent read connections.
	// WAL mode allows many readers alongside the single writer.
	sqliteReaderConns = 4
)

// SQLiteStore is the single-node Store backend. One writer connection
// serializes commits; a read-only pool serves queries through WAL snapshots.
type SQLiteStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	opts   Options
	ownsDB bool
}

// NewSQLiteStore opens (creating if needed) the database at path and
// initializes the schema.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	writer, err := openSQLiteWriter(path)
	if err != nil {
		return nil, err
	}
	reader, err := openSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return newSQLiteStore(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"), opts, true)
}

// NewSQLiteStoreWithDB wraps existing connections (shared ownership).
func NewSQLiteStoreWithDB(writer, reader *sqlx.DB, opts Options) (*SQLiteStore, error) {
	return newSQLiteStore(writer, reader, opts, false)
}

func newSQLiteStore(writer, reader *sqlx.DB, opts Options, ownsDB bool) (*SQLiteStore, error) {
	s := &SQLiteStore{db: writer, ro: reader, opts: opts, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = writer.Close()
			_ = reader.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// openSQLiteWriter opens a write connection. Writer DSN settings:
// foreign_keys enforced, WAL journal for read concurrency, busy_timeout to
// ride out transient locks, synchronous=NORMAL as the durability tradeoff.
func openSQLiteWriter(path string) (*sql.DB, error) {
	normalized, err := normalizeSQLitePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func openSQLiteReader(path string) (*sql.DB, error) {
	normalized, err := normalizeSQLitePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalized,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	db.SetMaxOpenConns(sqliteReaderConns)
	db.SetMaxIdleConns(sqliteReaderConns)
	return db, nil
}

func normalizeSQLitePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	file, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return abs, file.Close()
}

// initSchema creates the tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	if err := s.initEnvelopeSchema(); err != nil {
		return err
	}
	if err := s.initProgressSchema(); err != nil {
		return err
	}
	if err := s.initCommitSchema(); err != nil {
		return err
	}
	return s.initIdentitySchema()
}

func (s *SQLiteStore) initEnvelopeSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS envelopes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		schema TEXT NOT NULL,
		type TEXT NOT NULL,
		project_id TEXT NOT NULL,
		from_identity TEXT NOT NULL,
		to_identity TEXT NOT NULL,
		reply_to TEXT DEFAULT '',
		context TEXT DEFAULT '{}',
		payload TEXT DEFAULT '{}',
		status TEXT NOT NULL,
		telemetry TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_envelopes_project_seq ON envelopes(project_id, seq);
	CREATE INDEX IF NOT EXISTS idx_envelopes_project_to ON envelopes(project_id, to_identity);
	CREATE INDEX IF NOT EXISTS idx_envelopes_reply_to ON envelopes(reply_to);
	`)
	return err
}

func (s *SQLiteStore) initProgressSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS progress_records (
		ordinal INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		schema TEXT NOT NULL,
		message_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		percent_done INTEGER NOT NULL,
		state TEXT NOT NULL,
		note TEXT DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_progress_message ON progress_records(message_id, ordinal);
	`)
	return err
}

func (s *SQLiteStore) initCommitSchema() error {
	// "key" is an SQL keyword, hence marker_key.
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS commit_markers (
		marker_key TEXT PRIMARY KEY,
		committed_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS consumer_cursors (
		consumer TEXT PRIMARY KEY,
		seq INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *SQLiteStore) initIdentitySchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS memberships (
		human_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (human_id, project_id)
	);

	CREATE TABLE IF NOT EXISTS agents (
		name TEXT NOT NULL,
		project_id TEXT NOT NULL,
		human_id TEXT NOT NULL,
		capabilities TEXT DEFAULT '[]',
		heartbeat_interval_sec INTEGER NOT NULL DEFAULT 15,
		is_coordinator INTEGER NOT NULL DEFAULT 0,
		last_heartbeat TIMESTAMP NOT NULL,
		registered_at TIMESTAMP NOT NULL,
		PRIMARY KEY (name, project_id)
	);

	CREATE INDEX IF NOT EXISTS idx_agents_project_id ON agents(project_id);
	`)
	return err
}

// Close closes the connections if this store owns them.
func (s *SQLiteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	if err := s.db.Close(); err != nil {
		_ = s.ro.Close()
		return err
	}
	return s.ro.Close()
}

// Ping verifies the writer connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.ServiceUnavailable("sqlite store")
	}
	return nil
}

// withTx runs fn inside a write transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// AppendEnvelope validates and commits a new envelope, assigning its seq.
func (s *SQLiteStore) AppendEnvelope(ctx context.Context, env *v1.Envelope) (*v1.Envelope, error) {
	if err := prepareAppend(env, s.opts, time.Now().UTC()); err != nil {
		return nil, err
	}

	contextJSON, err := json.Marshal(env.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope context: %w", err)
	}
	payloadJSON, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope payload: %w", err)
	}
	telemetryJSON, err := json.Marshal(env.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope telemetry: %w", err)
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM envelopes WHERE id = ?`, env.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return apperrors.Validation("id", "duplicate envelope id "+env.ID)
		}

		if env.Routing.ReplyTo != "" {
			var parentProject string
			err := tx.QueryRowContext(ctx, `SELECT project_id FROM envelopes WHERE id = ?`, env.Routing.ReplyTo).Scan(&parentProject)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if err := checkReplyTo(env.Routing.ReplyTo, parentProject, env.Routing.ProjectID); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO envelopes (id, schema, type, project_id, from_identity, to_identity, reply_to, context, payload, status, telemetry, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, env.ID, env.Schema, string(env.Type), env.Routing.ProjectID, env.Routing.From, env.Routing.To, env.Routing.ReplyTo,
			string(contextJSON), string(payloadJSON), string(env.Status), string(telemetryJSON),
			env.Timestamps.Created, env.Timestamps.Updated)
		if err != nil {
			return err
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return err
		}
		env.Seq = seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// UpdateStatus applies one lifecycle transition inside a write transaction.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status v1.EnvelopeStatus) (*v1.Envelope, error) {
	var updated *v1.Envelope
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		env, err := scanEnvelopeRow(tx.QueryRowContext(ctx, selectEnvelopeSQL+` WHERE id = ?`, id))
		if err == sql.ErrNoRows {
			return apperrors.NotFound("envelope", id)
		}
		if err != nil {
			return err
		}
		if err := envelope.CheckTransition(env.Status, status); err != nil {
			return err
		}
		if env.Status != status {
			env.Status = status
			env.Timestamps.Updated = nextUpdated(env.Timestamps.Updated, time.Now().UTC())
			if _, err := tx.ExecContext(ctx, `UPDATE envelopes SET status = ?, updated_at = ? WHERE id = ?`,
				string(env.Status), env.Timestamps.Updated, id); err != nil {
				return err
			}
		}
		updated = env
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetEnvelope retrieves an envelope by ID.
func (s *SQLiteStore) GetEnvelope(ctx context.Context, id string) (*v1.Envelope, error) {
	env, err := scanEnvelopeRow(s.ro.QueryRowContext(ctx, selectEnvelopeSQL+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("envelope", id)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// ListEnvelopes returns a project's envelopes in commit order.
func (s *SQLiteStore) ListEnvelopes(ctx context.Context, projectID string, f Filter) ([]*v1.Envelope, error) {
	query := selectEnvelopeSQL + ` WHERE project_id = ? AND seq > ?`
	args := []interface{}{projectID, f.AfterSeq}
	if f.To != "" {
		query += ` AND (to_identity = ? OR to_identity = ?)`
		args = append(args, f.To, v1.RecipientBroadcast)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Envelope
	for rows.Next() {
		env, err := scanEnvelopeRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const selectEnvelopeSQL = `
	SELECT seq, id, schema, type, project_id, from_identity, to_identity, reply_to, context, payload, status, telemetry, created_at, updated_at
	FROM envelopes`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEnvelopeRow(row rowScanner) (*v1.Envelope, error) {
	env := &v1.Envelope{}
	var envType, status string
	var contextJSON, payloadJSON, telemetryJSON string
	err := row.Scan(&env.Seq, &env.ID, &env.Schema, &envType, &env.Routing.ProjectID, &env.Routing.From, &env.Routing.To, &env.Routing.ReplyTo,
		&contextJSON, &payloadJSON, &status, &telemetryJSON, &env.Timestamps.Created, &env.Timestamps.Updated)
	if err != nil {
		return nil, err
	}
	env.Type = v1.EnvelopeType(envType)
	env.Status = v1.EnvelopeStatus(status)

	if err := json.Unmarshal([]byte(contextJSON), &env.Context); err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope context: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &env.Payload); err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope payload: %w", err)
	}
	if err := json.Unmarshal([]byte(telemetryJSON), &env.Telemetry); err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope telemetry: %w", err)
	}
	return env, nil
}

// AppendProgress appends one row to a message's trail.
func (s *SQLiteStore) AppendProgress(ctx context.Context, rec *v1.ProgressRecord) (*v1.ProgressRecord, error) {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var ownerProject string
		if rec != nil && rec.MessageID != "" {
			err := tx.QueryRowContext(ctx, `SELECT project_id FROM envelopes WHERE id = ?`, rec.MessageID).Scan(&ownerProject)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
		}

		var latest *v1.ProgressRecord
		if rec != nil && rec.MessageID != "" {
			prev := &v1.ProgressRecord{}
			var state string
			err := tx.QueryRowContext(ctx, `
				SELECT percent_done, state FROM progress_records
				WHERE message_id = ? ORDER BY ordinal DESC LIMIT 1
			`, rec.MessageID).Scan(&prev.PercentDone, &state)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if err == nil {
				prev.State = v1.ProgressState(state)
				latest = prev
			}
		}

		if err := prepareProgress(rec, latest, ownerProject, time.Now().UTC()); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO progress_records (id, schema, message_id, project_id, percent_done, state, note, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.Schema, rec.MessageID, rec.ProjectID, rec.PercentDone, string(rec.State), rec.Note, rec.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListProgress returns the trail for a message in append order.
func (s *SQLiteStore) ListProgress(ctx context.Context, messageID string) ([]*v1.ProgressRecord, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, schema, message_id, project_id, percent_done, state, note, updated_at
		FROM progress_records WHERE message_id = ? ORDER BY ordinal ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*v1.ProgressRecord{}
	for rows.Next() {
		rec := &v1.ProgressRecord{}
		var state string
		if err := rows.Scan(&rec.ID, &rec.Schema, &rec.MessageID, &rec.ProjectID, &rec.PercentDone, &state, &rec.Note, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.State = v1.ProgressState(state)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// PutMarker records a commit marker, reporting false when it already existed.
func (s *SQLiteStore) PutMarker(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO commit_markers (marker_key, committed_at) VALUES (?, ?)
	`, key, time.Now().UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// HasMarker reports whether a commit marker exists.
func (s *SQLiteStore) HasMarker(ctx context.Context, key string) (bool, error) {
	var count int
	if err := s.ro.QueryRowContext(ctx, `SELECT COUNT(1) FROM commit_markers WHERE marker_key = ?`, key).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Position returns a consumer's last acknowledged commit sequence.
func (s *SQLiteStore) Position(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := s.ro.QueryRowContext(ctx, `SELECT seq FROM consumer_cursors WHERE consumer = ?`, consumer).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// CommitPosition advances a consumer's cursor; moves backwards are ignored.
func (s *SQLiteStore) CommitPosition(ctx context.Context, consumer string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consumer_cursors (consumer, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(consumer) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at
		WHERE excluded.seq > consumer_cursors.seq
	`, consumer, seq, time.Now().UTC())
	return err
}

// IsMember reports whether a human holds a membership in a project.
func (s *SQLiteStore) IsMember(ctx context.Context, humanID, projectID string) (bool, v1.Role, error) {
	var role string
	err := s.ro.QueryRowContext(ctx, `
		SELECT role FROM memberships WHERE human_id = ? AND project_id = ?
	`, humanID, projectID).Scan(&role)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, v1.Role(role), nil
}

// AddMembership records a human's membership in a project.
func (s *SQLiteStore) AddMembership(ctx context.Context, m *v1.Membership) error {
	if m == nil || m.HumanID == "" || m.ProjectID == "" {
		return apperrors.BadRequest("membership requires human_id and project_id")
	}
	role := m.Role
	if role == "" {
		role = v1.RoleMember
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (human_id, project_id, role, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(human_id, project_id) DO UPDATE SET role = excluded.role
	`, m.HumanID, m.ProjectID, string(role), time.Now().UTC())
	return err
}

// UpsertAgent registers an agent identity or refreshes an existing one.
// RegisteredAt is preserved across re-registrations.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *v1.AgentIdentity) (*v1.AgentIdentity, error) {
	if a == nil || a.Name == "" || a.ProjectID == "" || a.HumanID == "" {
		return nil, apperrors.BadRequest("agent identity requires name, project_id and human_id")
	}
	now := time.Now().UTC()
	interval := a.HeartbeatIntervalSec
	if interval <= 0 {
		interval = 15
	}
	capabilitiesJSON := "[]"
	if a.Capabilities != nil {
		b, err := json.Marshal(a.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize agent capabilities: %w", err)
		}
		capabilitiesJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, project_id, human_id, capabilities, heartbeat_interval_sec, is_coordinator, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, project_id) DO UPDATE SET
			human_id = excluded.human_id,
			capabilities = excluded.capabilities,
			heartbeat_interval_sec = excluded.heartbeat_interval_sec,
			is_coordinator = excluded.is_coordinator,
			last_heartbeat = excluded.last_heartbeat
	`, a.Name, a.ProjectID, a.HumanID, capabilitiesJSON, interval, commonsqlite.BoolToInt(a.IsCoordinator), now, now)
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, a.Name, a.ProjectID)
}

// TouchAgentHeartbeat refreshes an agent's liveness timestamp.
func (s *SQLiteStore) TouchAgentHeartbeat(ctx context.Context, name, projectID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = ? WHERE name = ? AND project_id = ? AND last_heartbeat < ?
	`, at, name, projectID, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents WHERE name = ? AND project_id = ?`, name, projectID).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return apperrors.NotFound("agent", name)
		}
	}
	return nil
}

// GetAgent returns one registered agent identity.
func (s *SQLiteStore) GetAgent(ctx context.Context, name, projectID string) (*v1.AgentIdentity, error) {
	a, err := scanAgentRow(s.db.QueryRowContext(ctx, selectAgentSQL+` WHERE name = ? AND project_id = ?`, name, projectID))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("agent", name)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgents returns a project's registered agents sorted by name.
func (s *SQLiteStore) ListAgents(ctx context.Context, projectID string) ([]*v1.AgentIdentity, error) {
	rows, err := s.ro.QueryContext(ctx, selectAgentSQL+` WHERE project_id = ? ORDER BY name ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.AgentIdentity
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const selectAgentSQL = `
	SELECT name, project_id, human_id, capabilities, heartbeat_interval_sec, is_coordinator, last_heartbeat, registered_at
	FROM agents`

func scanAgentRow(row rowScanner) (*v1.AgentIdentity, error) {
	a := &v1.AgentIdentity{}
	var capabilitiesJSON string
	var isCoordinator int
	err := row.Scan(&a.Name, &a.ProjectID, &a.HumanID, &capabilitiesJSON, &a.HeartbeatIntervalSec, &isCoordinator, &a.LastHeartbeat, &a.RegisteredAt)
	if err != nil {
		return nil, err
	}
	a.IsCoordinator = isCoordinator == 1
	if capabilitiesJSON != "" && capabilitiesJSON != "[]" {
		if err := json.Unmarshal([]byte(capabilitiesJSON), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to deserialize agent capabilities: %w", err)
		}
	}
	return a, nil
}
