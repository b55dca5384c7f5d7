package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/solarbus/solarbus/internal/common/database"
	apperrors "github.com/solarbus/solarbus/internal/common/errors"
	commonsqlite "github.com/solarbus/solarbus/internal/common/sqlite"
	"github.com/solarbus/solarbus/internal/envelope"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// postgresSchemaSQL is applied at startup. Every statement is idempotent so
// multiple sun instances can race on boot.
const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS envelopes (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	schema TEXT NOT NULL,
	type TEXT NOT NULL,
	project_id TEXT NOT NULL,
	from_identity TEXT NOT NULL,
	to_identity TEXT NOT NULL,
	reply_to TEXT NOT NULL DEFAULT '',
	context JSONB NOT NULL DEFAULT '{}',
	payload JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	telemetry JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_envelopes_project_seq ON envelopes(project_id, seq);
CREATE INDEX IF NOT EXISTS idx_envelopes_project_to ON envelopes(project_id, to_identity);
CREATE INDEX IF NOT EXISTS idx_envelopes_reply_to ON envelopes(reply_to);

CREATE TABLE IF NOT EXISTS progress_records (
	ordinal BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	schema TEXT NOT NULL,
	message_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	percent_done INTEGER NOT NULL,
	state TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_progress_message ON progress_records(message_id, ordinal);

CREATE TABLE IF NOT EXISTS commit_markers (
	marker_key TEXT PRIMARY KEY,
	committed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS consumer_cursors (
	consumer TEXT PRIMARY KEY,
	seq BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
	human_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'member',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (human_id, project_id)
);

CREATE TABLE IF NOT EXISTS agents (
	name TEXT NOT NULL,
	project_id TEXT NOT NULL,
	human_id TEXT NOT NULL,
	capabilities JSONB NOT NULL DEFAULT '[]',
	heartbeat_interval_sec INTEGER NOT NULL DEFAULT 15,
	is_coordinator INTEGER NOT NULL DEFAULT 0,
	last_heartbeat TIMESTAMPTZ NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (name, project_id)
);

CREATE INDEX IF NOT EXISTS idx_agents_project_id ON agents(project_id);
`

// PostgresStore is the production Store backend over a pgx connection pool.
type PostgresStore struct {
	db   *database.DB
	opts Options
}

// NewPostgresStore wraps an existing pool and applies the schema.
func NewPostgresStore(ctx context.Context, db *database.DB, opts Options) (*PostgresStore, error) {
	s := &PostgresStore{db: db, opts: opts}
	if _, err := db.Exec(ctx, postgresSchemaSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Ping verifies the pool is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return apperrors.ServiceUnavailable("postgres store")
	}
	return nil
}

// AppendEnvelope validates and commits a new envelope, assigning its seq.
// The duplicate check, reply_to resolution and insert run in one transaction.
func (s *PostgresStore) AppendEnvelope(ctx context.Context, env *v1.Envelope) (*v1.Envelope, error) {
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

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var exists int
		if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM envelopes WHERE id = $1`, env.ID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return apperrors.Validation("id", "duplicate envelope id "+env.ID)
		}

		if env.Routing.ReplyTo != "" {
			var parentProject string
			err := tx.QueryRow(ctx, `SELECT project_id FROM envelopes WHERE id = $1`, env.Routing.ReplyTo).Scan(&parentProject)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if err := checkReplyTo(env.Routing.ReplyTo, parentProject, env.Routing.ProjectID); err != nil {
				return err
			}
		}

		return tx.QueryRow(ctx, `
			INSERT INTO envelopes (id, schema, type, project_id, from_identity, to_identity, reply_to, context, payload, status, telemetry, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING seq
		`, env.ID, env.Schema, string(env.Type), env.Routing.ProjectID, env.Routing.From, env.Routing.To, env.Routing.ReplyTo,
			contextJSON, payloadJSON, string(env.Status), telemetryJSON,
			env.Timestamps.Created, env.Timestamps.Updated).Scan(&env.Seq)
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// UpdateStatus applies one lifecycle transition. The row is locked for the
// duration of the check so concurrent transitions serialize.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status v1.EnvelopeStatus) (*v1.Envelope, error) {
	var updated *v1.Envelope
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		env, err := scanPgEnvelope(tx.QueryRow(ctx, selectPgEnvelopeSQL+` WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
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
			if _, err := tx.Exec(ctx, `UPDATE envelopes SET status = $1, updated_at = $2 WHERE id = $3`,
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
func (s *PostgresStore) GetEnvelope(ctx context.Context, id string) (*v1.Envelope, error) {
	env, err := scanPgEnvelope(s.db.QueryRow(ctx, selectPgEnvelopeSQL+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("envelope", id)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// ListEnvelopes returns a project's envelopes in commit order.
func (s *PostgresStore) ListEnvelopes(ctx context.Context, projectID string, f Filter) ([]*v1.Envelope, error) {
	query := selectPgEnvelopeSQL + ` WHERE project_id = $1 AND seq > $2`
	args := []any{projectID, f.AfterSeq}
	if f.To != "" {
		args = append(args, f.To, v1.RecipientBroadcast)
		query += fmt.Sprintf(` AND (to_identity = $%d OR to_identity = $%d)`, len(args)-1, len(args))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.Envelope
	for rows.Next() {
		env, err := scanPgEnvelope(rows)
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

const selectPgEnvelopeSQL = `
	SELECT seq, id, schema, type, project_id, from_identity, to_identity, reply_to, context, payload, status, telemetry, created_at, updated_at
	FROM envelopes`

func scanPgEnvelope(row pgx.Row) (*v1.Envelope, error) {
	env := &v1.Envelope{}
	var envType, status string
	var contextJSON, payloadJSON, telemetryJSON []byte
	err := row.Scan(&env.Seq, &env.ID, &env.Schema, &envType, &env.Routing.ProjectID, &env.Routing.From, &env.Routing.To, &env.Routing.ReplyTo,
		&contextJSON, &payloadJSON, &status, &telemetryJSON, &env.Timestamps.Created, &env.Timestamps.Updated)
	if err != nil {
		return nil, err
	}
	env.Type = v1.EnvelopeType(envType)
	env.Status = v1.EnvelopeStatus(status)

	if err := json.Unmarshal(contextJSON, &env.Context); err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope context: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &env.Payload); err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope payload: %w", err)
	}
	if err := json.Unmarshal(telemetryJSON, &env.Telemetry); err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope telemetry: %w", err)
	}
	return env, nil
}

// AppendProgress appends one row to a message's trail.
func (s *PostgresStore) AppendProgress(ctx context.Context, rec *v1.ProgressRecord) (*v1.ProgressRecord, error) {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var ownerProject string
		if rec != nil && rec.MessageID != "" {
			err := tx.QueryRow(ctx, `SELECT project_id FROM envelopes WHERE id = $1`, rec.MessageID).Scan(&ownerProject)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		var latest *v1.ProgressRecord
		if rec != nil && rec.MessageID != "" {
			prev := &v1.ProgressRecord{}
			var state string
			err := tx.QueryRow(ctx, `
				SELECT percent_done, state FROM progress_records
				WHERE message_id = $1 ORDER BY ordinal DESC LIMIT 1
			`, rec.MessageID).Scan(&prev.PercentDone, &state)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
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

		_, err := tx.Exec(ctx, `
			INSERT INTO progress_records (id, schema, message_id, project_id, percent_done, state, note, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rec.ID, rec.Schema, rec.MessageID, rec.ProjectID, rec.PercentDone, string(rec.State), rec.Note, rec.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListProgress returns the trail for a message in append order.
func (s *PostgresStore) ListProgress(ctx context.Context, messageID string) ([]*v1.ProgressRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, schema, message_id, project_id, percent_done, state, note, updated_at
		FROM progress_records WHERE message_id = $1 ORDER BY ordinal ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
func (s *PostgresStore) PutMarker(ctx context.Context, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO commit_markers (marker_key, committed_at) VALUES ($1, $2)
		ON CONFLICT (marker_key) DO NOTHING
	`, key, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// HasMarker reports whether a commit marker exists.
func (s *PostgresStore) HasMarker(ctx context.Context, key string) (bool, error) {
	var count int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(1) FROM commit_markers WHERE marker_key = $1`, key).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Position returns a consumer's last acknowledged commit sequence.
func (s *PostgresStore) Position(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(ctx, `SELECT seq FROM consumer_cursors WHERE consumer = $1`, consumer).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// CommitPosition advances a consumer's cursor; moves backwards are ignored.
func (s *PostgresStore) CommitPosition(ctx context.Context, consumer string, seq int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO consumer_cursors (consumer, seq, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (consumer) DO UPDATE SET
			seq = GREATEST(consumer_cursors.seq, EXCLUDED.seq),
			updated_at = EXCLUDED.updated_at
	`, consumer, seq, time.Now().UTC())
	return err
}

// IsMember reports whether a human holds a membership in a project.
func (s *PostgresStore) IsMember(ctx context.Context, humanID, projectID string) (bool, v1.Role, error) {
	var role string
	err := s.db.QueryRow(ctx, `
		SELECT role FROM memberships WHERE human_id = $1 AND project_id = $2
	`, humanID, projectID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, v1.Role(role), nil
}

// AddMembership records a human's membership in a project.
func (s *PostgresStore) AddMembership(ctx context.Context, m *v1.Membership) error {
	if m == nil || m.HumanID == "" || m.ProjectID == "" {
		return apperrors.BadRequest("membership requires human_id and project_id")
	}
	role := m.Role
	if role == "" {
		role = v1.RoleMember
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO memberships (human_id, project_id, role, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (human_id, project_id) DO UPDATE SET role = EXCLUDED.role
	`, m.HumanID, m.ProjectID, string(role), time.Now().UTC())
	return err
}

// UpsertAgent registers an agent identity or refreshes an existing one.
// RegisteredAt is preserved across re-registrations.
func (s *PostgresStore) UpsertAgent(ctx context.Context, a *v1.AgentIdentity) (*v1.AgentIdentity, error) {
	if a == nil || a.Name == "" || a.ProjectID == "" || a.HumanID == "" {
		return nil, apperrors.BadRequest("agent identity requires name, project_id and human_id")
	}
	now := time.Now().UTC()
	interval := a.HeartbeatIntervalSec
	if interval <= 0 {
		interval = 15
	}
	capabilitiesJSON := []byte("[]")
	if a.Capabilities != nil {
		b, err := json.Marshal(a.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize agent capabilities: %w", err)
		}
		capabilitiesJSON = b
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (name, project_id, human_id, capabilities, heartbeat_interval_sec, is_coordinator, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name, project_id) DO UPDATE SET
			human_id = EXCLUDED.human_id,
			capabilities = EXCLUDED.capabilities,
			heartbeat_interval_sec = EXCLUDED.heartbeat_interval_sec,
			is_coordinator = EXCLUDED.is_coordinator,
			last_heartbeat = EXCLUDED.last_heartbeat
	`, a.Name, a.ProjectID, a.HumanID, capabilitiesJSON, interval, commonsqlite.BoolToInt(a.IsCoordinator), now, now)
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, a.Name, a.ProjectID)
}

// TouchAgentHeartbeat refreshes an agent's liveness timestamp.
func (s *PostgresStore) TouchAgentHeartbeat(ctx context.Context, name, projectID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET last_heartbeat = $1 WHERE name = $2 AND project_id = $3 AND last_heartbeat < $1
	`, at, name, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var count int
		if err := s.db.QueryRow(ctx, `SELECT COUNT(1) FROM agents WHERE name = $1 AND project_id = $2`, name, projectID).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return apperrors.NotFound("agent", name)
		}
	}
	return nil
}

// GetAgent returns one registered agent identity.
func (s *PostgresStore) GetAgent(ctx context.Context, name, projectID string) (*v1.AgentIdentity, error) {
	a, err := scanPgAgent(s.db.QueryRow(ctx, selectPgAgentSQL+` WHERE name = $1 AND project_id = $2`, name, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("agent", name)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgents returns a project's registered agents sorted by name.
func (s *PostgresStore) ListAgents(ctx context.Context, projectID string) ([]*v1.AgentIdentity, error) {
	rows, err := s.db.Query(ctx, selectPgAgentSQL+` WHERE project_id = $1 ORDER BY name ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.AgentIdentity
	for rows.Next() {
		a, err := scanPgAgent(rows)
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

const selectPgAgentSQL = `
	SELECT name, project_id, human_id, capabilities, heartbeat_interval_sec, is_coordinator, last_heartbeat, registered_at
	FROM agents`

func scanPgAgent(row pgx.Row) (*v1.AgentIdentity, error) {
	a := &v1.AgentIdentity{}
	var capabilitiesJSON []byte
	var isCoordinator int
	err := row.Scan(&a.Name, &a.ProjectID, &a.HumanID, &capabilitiesJSON, &a.HeartbeatIntervalSec, &isCoordinator, &a.LastHeartbeat, &a.RegisteredAt)
	if err != nil {
		return nil, err
	}
	a.IsCoordinator = isCoordinator == 1
	if len(capabilitiesJSON) > 0 {
		if err := json.Unmarshal(capabilitiesJSON, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to deserialize agent capabilities: %w", err)
		}
	}
	return a, nil
}
