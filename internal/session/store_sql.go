package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kandev/octo/internal/common/sqlutil"
)

// sessionColumns lists every column in column-matching order, mirroring
// the upstream orchestrator's SESSION_COLUMNS constant so every query
// scans the same tuple shape.
const sessionColumns = `id, human_id, user_id, workspace_path, agent_name, image, image_digest,
	project_id, opencode_port, fileserver_port, ttyd_port, agent_base_port, max_agents,
	memory_port, api_key_id, api_key_hash, virtual_key, status, runtime_kind, container_id,
	is_streaming, created_at, started_at, stopped_at, last_activity_at, failure_error`

// SQLStore persists sessions via database/sql, supporting both the
// sqlite and postgres drivers selected by the dialect-fragment approach
// of internal/common/sqlutil, matching internal/invite's SQLStore.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// Schema returns the CREATE TABLE statement for the sessions table in
// the store's dialect.
func (s *SQLStore) Schema() string {
	if sqlutil.IsPostgres(s.driver) {
		return `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	human_id TEXT,
	user_id TEXT NOT NULL,
	workspace_path TEXT NOT NULL,
	agent_name TEXT,
	image TEXT,
	image_digest TEXT,
	project_id TEXT,
	opencode_port INTEGER NOT NULL,
	fileserver_port INTEGER NOT NULL,
	ttyd_port INTEGER NOT NULL,
	agent_base_port INTEGER NOT NULL,
	max_agents INTEGER NOT NULL,
	memory_port INTEGER,
	api_key_id TEXT,
	api_key_hash TEXT,
	virtual_key TEXT,
	status TEXT NOT NULL,
	runtime_kind TEXT NOT NULL,
	container_id TEXT,
	is_streaming BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	stopped_at TIMESTAMPTZ,
	last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	failure_error TEXT
)`
	}
	return `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	human_id TEXT,
	user_id TEXT NOT NULL,
	workspace_path TEXT NOT NULL,
	agent_name TEXT,
	image TEXT,
	image_digest TEXT,
	project_id TEXT,
	opencode_port INTEGER NOT NULL,
	fileserver_port INTEGER NOT NULL,
	ttyd_port INTEGER NOT NULL,
	agent_base_port INTEGER NOT NULL,
	max_agents INTEGER NOT NULL,
	memory_port INTEGER,
	api_key_id TEXT,
	api_key_hash TEXT,
	virtual_key TEXT,
	status TEXT NOT NULL,
	runtime_kind TEXT NOT NULL,
	container_id TEXT,
	is_streaming INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at DATETIME,
	stopped_at DATETIME,
	last_activity_at DATETIME NOT NULL DEFAULT (datetime('now')),
	failure_error TEXT
)`
}

func (s *SQLStore) ph(i int) string { return sqlutil.Placeholder(s.driver, i) }

func (s *SQLStore) Create(ctx context.Context, sess *Session) error {
	q := fmt.Sprintf(`INSERT INTO sessions
		(id, human_id, user_id, workspace_path, agent_name, image, image_digest, project_id,
		 opencode_port, fileserver_port, ttyd_port, agent_base_port, max_agents, memory_port,
		 api_key_id, api_key_hash, virtual_key, status, runtime_kind, container_id,
		 is_streaming, created_at, last_activity_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10),
		s.ph(11), s.ph(12), s.ph(13), s.ph(14), s.ph(15), s.ph(16), s.ph(17), s.ph(18), s.ph(19),
		s.ph(20), s.ph(21), s.ph(22), s.ph(23))
	_, err := s.db.ExecContext(ctx, q,
		sess.ID, nullableString(sess.HumanID), sess.UserID, sess.Workspace, nullableString(sess.AgentName),
		nullableString(sess.Image), nullableString(sess.ImageDigest), nullableString(sess.ProjectID),
		sess.OpenCodePort, sess.FileServerPort, sess.TTYDPort, sess.AgentBasePort, sess.MaxAgents,
		sess.MemoryPort, nullableString(sess.APIKeyID), nullableString(sess.APIKeyHash),
		nullableString(sess.VirtualKey), string(sess.Status), string(sess.Runtime),
		nullableString(sess.Handle), sqlutil.BoolToInt(sess.IsStreaming), sess.CreatedAt, sess.LastActivity)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLStore) scanRow(row *sql.Row) (*Session, error) {
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanSession can
// serve both single-row and multi-row call sites.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var humanID, agentName, image, imageDigest, projectID sql.NullString
	var apiKeyID, apiKeyHash, virtualKey, handle, failureErr sql.NullString
	var memoryPort sql.NullInt64
	var status, runtimeKind string
	var isStreaming int
	var startedAt, stoppedAt sql.NullTime

	err := row.Scan(&sess.ID, &humanID, &sess.UserID, &sess.Workspace, &agentName, &image, &imageDigest,
		&projectID, &sess.OpenCodePort, &sess.FileServerPort, &sess.TTYDPort, &sess.AgentBasePort,
		&sess.MaxAgents, &memoryPort, &apiKeyID, &apiKeyHash, &virtualKey, &status, &runtimeKind,
		&handle, &isStreaming, &sess.CreatedAt, &startedAt, &stoppedAt, &sess.LastActivity, &failureErr)
	if err != nil {
		return nil, err
	}

	sess.HumanID = humanID.String
	sess.AgentName = agentName.String
	sess.Image = image.String
	sess.ImageDigest = imageDigest.String
	sess.ProjectID = projectID.String
	sess.APIKeyID = apiKeyID.String
	sess.APIKeyHash = apiKeyHash.String
	sess.VirtualKey = virtualKey.String
	sess.Handle = handle.String
	sess.Status = Status(status)
	sess.Runtime = RuntimeKind(runtimeKind)
	sess.IsStreaming = isStreaming != 0
	if memoryPort.Valid {
		p := int(memoryPort.Int64)
		sess.MemoryPort = &p
	}
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if stoppedAt.Valid {
		sess.StoppedAt = &stoppedAt.Time
	}
	if failureErr.Valid {
		sess.FailureError = &failureErr.String
	}
	return &sess, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	q := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = %s`, sessionColumns, s.ph(1))
	return s.scanRow(s.db.QueryRowContext(ctx, q, id))
}

func (s *SQLStore) GetByHandle(ctx context.Context, handle string) (*Session, error) {
	q := fmt.Sprintf(`SELECT %s FROM sessions WHERE container_id = %s`, sessionColumns, s.ph(1))
	return s.scanRow(s.db.QueryRowContext(ctx, q, handle))
}

func (s *SQLStore) queryList(ctx context.Context, whereClause string, args ...any) ([]*Session, error) {
	q := fmt.Sprintf(`SELECT %s FROM sessions %s`, sessionColumns, whereClause)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListActive(ctx context.Context) ([]*Session, error) {
	q := fmt.Sprintf(`WHERE status IN (%s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3))
	return s.queryList(ctx, q, string(StatusPending), string(StatusStarting), string(StatusRunning))
}

func (s *SQLStore) ListRunningForUser(ctx context.Context, userID string) ([]*Session, error) {
	q := fmt.Sprintf(`WHERE user_id = %s AND status = %s`, s.ph(1), s.ph(2))
	return s.queryList(ctx, q, userID, string(StatusRunning))
}

func (s *SQLStore) ListIdle(ctx context.Context, idleSince time.Time) ([]*Session, error) {
	q := fmt.Sprintf(`WHERE status = %s AND last_activity_at < %s ORDER BY last_activity_at ASC`,
		s.ph(1), s.ph(2))
	return s.queryList(ctx, q, string(StatusRunning), idleSince)
}

func (s *SQLStore) FindRunningForWorkspace(ctx context.Context, userID, workspace string) (*Session, error) {
	q := fmt.Sprintf(`SELECT %s FROM sessions WHERE user_id = %s AND workspace_path = %s AND status = %s LIMIT 1`,
		sessionColumns, s.ph(1), s.ph(2), s.ph(3))
	return s.scanRow(s.db.QueryRowContext(ctx, q, userID, workspace, string(StatusRunning)))
}

func (s *SQLStore) FindLatestStoppedForWorkspace(ctx context.Context, userID, workspace string) (*Session, error) {
	q := fmt.Sprintf(`SELECT %s FROM sessions
		WHERE user_id = %s AND workspace_path = %s AND status = %s AND container_id IS NOT NULL
		ORDER BY stopped_at DESC LIMIT 1`,
		sessionColumns, s.ph(1), s.ph(2), s.ph(3))
	return s.scanRow(s.db.QueryRowContext(ctx, q, userID, workspace, string(StatusStopped)))
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status Status, failureErr *string) error {
	now := sqlutil.Now(s.driver)
	switch status {
	case StatusRunning:
		q := fmt.Sprintf(`UPDATE sessions SET status = %s, started_at = %s WHERE id = %s`,
			s.ph(1), now, s.ph(2))
		_, err := s.db.ExecContext(ctx, q, string(status), id)
		return err
	case StatusStopped:
		q := fmt.Sprintf(`UPDATE sessions SET status = %s, stopped_at = %s WHERE id = %s`,
			s.ph(1), now, s.ph(2))
		_, err := s.db.ExecContext(ctx, q, string(status), id)
		return err
	case StatusFailed:
		q := fmt.Sprintf(`UPDATE sessions SET status = %s, failure_error = %s WHERE id = %s`,
			s.ph(1), s.ph(2), s.ph(3))
		_, err := s.db.ExecContext(ctx, q, string(status), failureErr, id)
		return err
	default:
		q := fmt.Sprintf(`UPDATE sessions SET status = %s WHERE id = %s`, s.ph(1), s.ph(2))
		_, err := s.db.ExecContext(ctx, q, string(status), id)
		return err
	}
}

func (s *SQLStore) SetHandle(ctx context.Context, id, handle string) error {
	q := fmt.Sprintf(`UPDATE sessions SET container_id = %s WHERE id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, handle, id)
	return err
}

func (s *SQLStore) ClearHandle(ctx context.Context, id string) error {
	q := fmt.Sprintf(`UPDATE sessions SET container_id = NULL WHERE id = %s`, s.ph(1))
	_, err := s.db.ExecContext(ctx, q, id)
	return err
}

func (s *SQLStore) UpdatePorts(ctx context.Context, id string, opencode, fileserver, ttyd, agentBase int) error {
	q := fmt.Sprintf(`UPDATE sessions SET opencode_port = %s, fileserver_port = %s, ttyd_port = %s, agent_base_port = %s
		WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, q, opencode, fileserver, ttyd, agentBase, id)
	return err
}

func (s *SQLStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	q := fmt.Sprintf(`UPDATE sessions SET last_activity_at = %s WHERE id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, at, id)
	return err
}

func (s *SQLStore) SetStreaming(ctx context.Context, id string, streaming bool) error {
	q := fmt.Sprintf(`UPDATE sessions SET is_streaming = %s WHERE id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, sqlutil.BoolToInt(streaming), id)
	return err
}

func (s *SQLStore) UpdateImageDigest(ctx context.Context, id, image, digest string) error {
	q := fmt.Sprintf(`UPDATE sessions SET image = %s, image_digest = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.ExecContext(ctx, q, image, digest, id)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM sessions WHERE id = %s`, s.ph(1))
	_, err := s.db.ExecContext(ctx, q, id)
	return err
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
