package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/termrelay/internal/model"
)

var ErrNotFound = errors.New("not found")

// tsLayout is fixed width so that stored timestamps order lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sessionColumns = `session_id, conversation_id, project, terminal, socket_path, tunnel_id, status, activity,
	thread_ts, channel, created_at, last_activity, last_heartbeat, ended_at`

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureThread returns the thread linked to conversationID, inserting candidate
// when none exists yet. created reports whether candidate was stored.
func (s *Store) EnsureThread(ctx context.Context, candidate model.Thread) (model.Thread, bool, error) {
	if strings.TrimSpace(candidate.ConversationID) == "" {
		return model.Thread{}, false, fmt.Errorf("conversation_id is required")
	}
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO threads(conversation_id, thread_ts, channel, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(conversation_id) DO NOTHING
`, candidate.ConversationID, candidate.ThreadTS, candidate.Channel, ts(candidate.CreatedAt))
	if err != nil {
		return model.Thread{}, false, fmt.Errorf("insert thread: %w", err)
	}
	affected, _ := res.RowsAffected()
	thread, err := s.GetThread(ctx, candidate.ConversationID)
	if err != nil {
		return model.Thread{}, false, err
	}
	return thread, affected == 1, nil
}

func (s *Store) GetThread(ctx context.Context, conversationID string) (model.Thread, error) {
	var (
		thread    model.Thread
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT conversation_id, thread_ts, channel, created_at FROM threads WHERE conversation_id = ?
`, conversationID).Scan(&thread.ConversationID, &thread.ThreadTS, &thread.Channel, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Thread{}, ErrNotFound
	}
	if err != nil {
		return model.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	if thread.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Thread{}, fmt.Errorf("parse thread created_at: %w", err)
	}
	return thread, nil
}

// UpsertSession inserts or refreshes a session row. created_at and a previously
// assigned thread linkage survive re-registration.
func (s *Store) UpsertSession(ctx context.Context, sess model.Session) error {
	if strings.TrimSpace(sess.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.CreatedAt
	}
	if sess.ConversationID == "" {
		sess.ConversationID = sess.SessionID
	}
	if sess.Status == "" {
		sess.Status = model.StatusInitializing
	}
	if sess.Activity == "" {
		sess.Activity = model.ActivityIdle
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, conversation_id, project, terminal, socket_path, tunnel_id, status, activity,
	thread_ts, channel, created_at, last_activity, last_heartbeat, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	conversation_id=excluded.conversation_id,
	project=excluded.project,
	terminal=excluded.terminal,
	socket_path=excluded.socket_path,
	tunnel_id=excluded.tunnel_id,
	status=excluded.status,
	activity=excluded.activity,
	thread_ts=CASE WHEN sessions.thread_ts = '' THEN excluded.thread_ts ELSE sessions.thread_ts END,
	channel=CASE WHEN sessions.channel = '' THEN excluded.channel ELSE sessions.channel END,
	last_activity=MAX(sessions.last_activity, excluded.last_activity),
	last_heartbeat=COALESCE(excluded.last_heartbeat, sessions.last_heartbeat),
	ended_at=excluded.ended_at
`, sess.SessionID, sess.ConversationID, sess.Project, sess.Terminal, sess.SocketPath, nullIfEmpty(sess.TunnelID),
		string(sess.Status), string(sess.Activity), sess.ThreadTS, sess.Channel, ts(sess.CreatedAt),
		ts(sess.LastActivity), nullableTS(sess.LastHeartbeat), nullableTS(sess.EndedAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// SetStatus persists a lifecycle state. Entering ended or crashed stamps ended_at
// once; archived keeps it; any running state clears it.
func (s *Store) SetStatus(ctx context.Context, sessionID string, status model.SessionStatus, at time.Time) error {
	if _, ok := model.ParseStatus(string(status)); !ok {
		return fmt.Errorf("unknown status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET
	status = ?,
	ended_at = CASE
		WHEN ? IN ('ended','crashed') THEN COALESCE(ended_at, ?)
		WHEN ? = 'archived' THEN COALESCE(ended_at, ?)
		ELSE NULL
	END
WHERE session_id = ?
`, string(status), string(status), ts(at), string(status), ts(at), sessionID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return expectOneRow(res)
}

// TouchActivity advances last_activity to at; older values are ignored so the
// column never moves backwards.
func (s *Store) TouchActivity(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET last_activity = MAX(last_activity, ?) WHERE session_id = ?
`, ts(at), sessionID)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return expectOneRow(res)
}

func (s *Store) TouchHeartbeat(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_heartbeat = ? WHERE session_id = ?`, ts(at), sessionID)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return expectOneRow(res)
}

func (s *Store) SetActivity(ctx context.Context, sessionID string, label model.ActivityLabel) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET activity = ? WHERE session_id = ?`, string(label), sessionID)
	if err != nil {
		return fmt.Errorf("set activity: %w", err)
	}
	return expectOneRow(res)
}

// PurgeTerminal deletes sessions that stopped before cutoff and returns their ids.
// Thread linkage is kept so a resumed conversation lands in the same thread.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin purge tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
SELECT session_id FROM sessions
WHERE status IN ('ended','crashed','archived') AND ended_at IS NOT NULL AND ended_at < ?
ORDER BY session_id
`, ts(cutoff))
	if err != nil {
		return nil, fmt.Errorf("select purge candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close() //nolint:errcheck
			return nil, fmt.Errorf("scan purge candidate: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purge candidates: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
			return nil, fmt.Errorf("purge session %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purge: %w", err)
	}
	return ids, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.Session, error) {
	var (
		sess          model.Session
		tunnelID      sql.NullString
		status        string
		activity      string
		createdAt     string
		lastActivity  string
		lastHeartbeat sql.NullString
		endedAt       sql.NullString
	)
	if err := scanner.Scan(
		&sess.SessionID, &sess.ConversationID, &sess.Project, &sess.Terminal, &sess.SocketPath, &tunnelID,
		&status, &activity, &sess.ThreadTS, &sess.Channel, &createdAt, &lastActivity, &lastHeartbeat, &endedAt,
	); err != nil {
		return model.Session{}, err
	}
	sess.TunnelID = tunnelID.String
	sess.Status = model.SessionStatus(status)
	sess.Activity = model.ActivityLabel(activity)

	var err error
	if sess.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.LastActivity, err = parseTS(lastActivity); err != nil {
		return model.Session{}, fmt.Errorf("parse last_activity: %w", err)
	}
	if sess.LastHeartbeat, err = parseNullableTS(lastHeartbeat); err != nil {
		return model.Session{}, fmt.Errorf("parse last_heartbeat: %w", err)
	}
	if sess.EndedAt, err = parseNullableTS(endedAt); err != nil {
		return model.Session{}, fmt.Errorf("parse ended_at: %w", err)
	}
	return sess, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
