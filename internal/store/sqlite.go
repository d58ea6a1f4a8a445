package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/randopair/internal/domain"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLite is the optional durable Repository implementation. It satisfies the
// same interface as Memory so it can be swapped in behind STORE_DRIVER=sqlite
// without touching any caller; the in-memory store remains the default.
//
// A single pairMu guards the pairing critical section the same way the
// matcher needs it guarded in Memory — sqlite's own locking serializes
// writers anyway, but pairMu avoids a busy-retry round trip on the hot path.
type SQLite struct {
	db     *sqlx.DB
	pairMu sync.Mutex
}

// NewSQLite opens (creating if necessary) a WAL-mode SQLite database at
// dbPath and initializes its schema.
func NewSQLite(dbPath string) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	const schema = `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS online_users (
		id TEXT PRIMARY KEY,
		interests TEXT NOT NULL DEFAULT '[]',
		gender TEXT NOT NULL,
		chat_type TEXT NOT NULL,
		is_waiting INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER,
		last_seen INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_waiting ON online_users(chat_type, is_waiting);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user1_id TEXT NOT NULL,
		user2_id TEXT NOT NULL,
		type TEXT NOT NULL,
		interests TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON chat_sessions(status);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		attachments TEXT NOT NULL DEFAULT '[]',
		has_emoji INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func wrapStorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isBusyErr(err) {
		return fmt.Errorf("%s: %w", op, ErrStorageUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type userRow struct {
	ID         string         `db:"id"`
	Interests  string         `db:"interests"`
	Gender     string         `db:"gender"`
	ChatType   string         `db:"chat_type"`
	IsWaiting  bool           `db:"is_waiting"`
	EnqueuedAt sql.NullInt64  `db:"enqueued_at"`
	LastSeen   int64          `db:"last_seen"`
}

func (r userRow) toDomain() *domain.OnlineUser {
	var interests []string
	_ = json.Unmarshal([]byte(r.Interests), &interests)

	u := &domain.OnlineUser{
		ID:        r.ID,
		Interests: interests,
		Gender:    domain.Gender(r.Gender),
		ChatType:  domain.ChatType(r.ChatType),
		IsWaiting: r.IsWaiting,
		LastSeen:  time.Unix(r.LastSeen, 0),
	}
	if r.EnqueuedAt.Valid {
		u.EnqueuedAt = time.Unix(r.EnqueuedAt.Int64, 0)
	}
	return u
}

func (s *SQLite) AddOnlineUser(ctx context.Context, u *domain.OnlineUser) error {
	interests, _ := json.Marshal(u.Interests)
	var enqueuedAt interface{}
	if !u.EnqueuedAt.IsZero() {
		enqueuedAt = u.EnqueuedAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO online_users (id, interests, gender, chat_type, is_waiting, enqueued_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, string(interests), string(u.Gender), string(u.ChatType), u.IsWaiting, enqueuedAt, time.Now().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("add user %s: %w", u.ID, ErrConflict)
		}
		return wrapStorageErr("add user", err)
	}
	return nil
}

func (s *SQLite) RemoveOnlineUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM online_users WHERE id = ?`, id)
	return wrapStorageErr("remove user", err)
}

func (s *SQLite) GetOnlineUser(ctx context.Context, id string) (*domain.OnlineUser, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM online_users WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, wrapStorageErr("get user", err)
	}
	return row.toDomain(), nil
}

func (s *SQLite) UpdateOnlineUser(ctx context.Context, id string, patch UserPatch) (*domain.OnlineUser, error) {
	current, err := s.GetOnlineUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Interests != nil {
		current.Interests = *patch.Interests
	}
	if patch.Gender != nil {
		current.Gender = *patch.Gender
	}
	if patch.ChatType != nil {
		current.ChatType = *patch.ChatType
	}
	if patch.IsWaiting != nil {
		if *patch.IsWaiting && !current.IsWaiting {
			current.EnqueuedAt = time.Now()
		}
		current.IsWaiting = *patch.IsWaiting
	}
	current.LastSeen = time.Now()

	interests, _ := json.Marshal(current.Interests)
	var enqueuedAt interface{}
	if !current.EnqueuedAt.IsZero() {
		enqueuedAt = current.EnqueuedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE online_users SET interests = ?, gender = ?, chat_type = ?, is_waiting = ?, enqueued_at = ?, last_seen = ?
		WHERE id = ?`,
		string(interests), string(current.Gender), string(current.ChatType), current.IsWaiting, enqueuedAt, current.LastSeen.Unix(), id)
	if err != nil {
		return nil, wrapStorageErr("update user", err)
	}
	return current, nil
}

func (s *SQLite) GetAllOnlineUsers(ctx context.Context) ([]*domain.OnlineUser, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM online_users`); err != nil {
		return nil, wrapStorageErr("list users", err)
	}
	out := make([]*domain.OnlineUser, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *SQLite) GetWaitingUsers(ctx context.Context, chatType domain.ChatType, askerInterests []string) ([]*domain.OnlineUser, error) {
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM online_users WHERE chat_type = ? AND is_waiting = 1`, string(chatType))
	if err != nil {
		return nil, wrapStorageErr("list waiting users", err)
	}
	out := make([]*domain.OnlineUser, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := out[i].OverlapCount(askerInterests), out[j].OverlapCount(askerInterests)
		if oi != oj {
			return oi > oj
		}
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *SQLite) Pair(ctx context.Context, user1ID, user2ID string, session *domain.ChatSession) error {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapStorageErr("pair: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range []string{user1ID, user2ID} {
		var waiting bool
		if err := tx.GetContext(ctx, &waiting, `SELECT is_waiting FROM online_users WHERE id = ?`, id); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("pair %s/%s: %w", user1ID, user2ID, ErrConflict)
			}
			return wrapStorageErr("pair: lookup", err)
		}
		if !waiting {
			return fmt.Errorf("pair %s/%s: %w", user1ID, user2ID, ErrConflict)
		}
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `UPDATE online_users SET is_waiting = 0, last_seen = ? WHERE id IN (?, ?)`, now, user1ID, user2ID); err != nil {
		return wrapStorageErr("pair: clear waiting", err)
	}

	interests, _ := json.Marshal(session.Interests)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user1_id, user2_id, type, interests, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.User1ID, session.User2ID, string(session.Type), string(interests), string(session.Status), session.CreatedAt.Unix()); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("pair %s/%s: session %s: %w", user1ID, user2ID, session.ID, ErrConflict)
		}
		return wrapStorageErr("pair: insert session", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapStorageErr("pair: commit", err)
	}
	return nil
}

type sessionRow struct {
	ID        string        `db:"id"`
	User1ID   string        `db:"user1_id"`
	User2ID   string        `db:"user2_id"`
	Type      string        `db:"type"`
	Interests string        `db:"interests"`
	Status    string        `db:"status"`
	CreatedAt int64         `db:"created_at"`
	EndedAt   sql.NullInt64 `db:"ended_at"`
}

func (r sessionRow) toDomain() *domain.ChatSession {
	var interests []string
	_ = json.Unmarshal([]byte(r.Interests), &interests)
	s := &domain.ChatSession{
		ID:        r.ID,
		User1ID:   r.User1ID,
		User2ID:   r.User2ID,
		Type:      domain.ChatType(r.Type),
		Interests: interests,
		Status:    domain.SessionStatus(r.Status),
		CreatedAt: time.Unix(r.CreatedAt, 0),
	}
	if r.EndedAt.Valid {
		s.EndedAt = time.Unix(r.EndedAt.Int64, 0)
	}
	return s
}

func (s *SQLite) CreateChatSession(ctx context.Context, sess *domain.ChatSession) error {
	interests, _ := json.Marshal(sess.Interests)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user1_id, user2_id, type, interests, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.User1ID, sess.User2ID, string(sess.Type), string(interests), string(sess.Status), sess.CreatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("create session %s: %w", sess.ID, ErrConflict)
		}
		return wrapStorageErr("create session", err)
	}
	return nil
}

func (s *SQLite) GetChatSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM chat_sessions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, wrapStorageErr("get session", err)
	}
	return row.toDomain(), nil
}

func (s *SQLite) UpdateChatSession(ctx context.Context, id string, patch SessionPatch) (*domain.ChatSession, error) {
	current, err := s.GetChatSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		current.Status = *patch.Status
	}
	if patch.EndedAt != nil {
		current.EndedAt = *patch.EndedAt
	}

	var endedAt interface{}
	if !current.EndedAt.IsZero() {
		endedAt = current.EndedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `UPDATE chat_sessions SET status = ?, ended_at = ? WHERE id = ?`,
		string(current.Status), endedAt, id)
	if err != nil {
		return nil, wrapStorageErr("update session", err)
	}
	return current, nil
}

func (s *SQLite) DeleteChatSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapStorageErr("delete session: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return wrapStorageErr("delete session: messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id); err != nil {
		return wrapStorageErr("delete session", err)
	}
	return wrapStorageErr("delete session: commit", tx.Commit())
}

type messageRow struct {
	ID          string `db:"id"`
	SessionID   string `db:"session_id"`
	SenderID    string `db:"sender_id"`
	Content     string `db:"content"`
	Attachments string `db:"attachments"`
	HasEmoji    bool   `db:"has_emoji"`
	Timestamp   int64  `db:"timestamp"`
}

func (r messageRow) toDomain() *domain.Message {
	var attachments []domain.Attachment
	_ = json.Unmarshal([]byte(r.Attachments), &attachments)
	return &domain.Message{
		ID:          r.ID,
		SessionID:   r.SessionID,
		SenderID:    r.SenderID,
		Content:     r.Content,
		Attachments: attachments,
		HasEmoji:    r.HasEmoji,
		Timestamp:   time.Unix(0, r.Timestamp),
	}
}

func (s *SQLite) CreateMessage(ctx context.Context, msg *domain.Message) error {
	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(1) FROM chat_sessions WHERE id = ?`, msg.SessionID); err != nil {
		return wrapStorageErr("create message: lookup session", err)
	}
	if exists == 0 {
		return fmt.Errorf("create message for session %s: %w", msg.SessionID, ErrNotFound)
	}

	attachments, _ := json.Marshal(msg.Attachments)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sender_id, content, attachments, has_emoji, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.SenderID, msg.Content, string(attachments), msg.HasEmoji, msg.Timestamp.UnixNano())
	return wrapStorageErr("create message", err)
}

func (s *SQLite) GetMessagesBySession(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM messages WHERE session_id = ? ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		return nil, wrapStorageErr("list messages", err)
	}
	out := make([]*domain.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *SQLite) SessionsByParticipant(ctx context.Context, userID string) ([]*domain.ChatSession, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM chat_sessions WHERE user1_id = ? OR user2_id = ?`, userID, userID)
	if err != nil {
		return nil, wrapStorageErr("sessions by participant", err)
	}
	out := make([]*domain.ChatSession, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *SQLite) EndedSessionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT id FROM chat_sessions WHERE status = 'ended' AND ended_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, wrapStorageErr("ended sessions scan", err)
	}
	return ids, nil
}

func (s *SQLite) Stats(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	type counts struct {
		Active int `db:"active"`
		Text   int `db:"text_users"`
		Video  int `db:"video_users"`
		WaitT  int `db:"waiting_text"`
		WaitV  int `db:"waiting_video"`
	}
	var c counts
	err := s.db.GetContext(ctx, &c, `
		SELECT
			COUNT(*) AS active,
			SUM(CASE WHEN chat_type = 'text' THEN 1 ELSE 0 END) AS text_users,
			SUM(CASE WHEN chat_type = 'video' THEN 1 ELSE 0 END) AS video_users,
			SUM(CASE WHEN chat_type = 'text' AND is_waiting THEN 1 ELSE 0 END) AS waiting_text,
			SUM(CASE WHEN chat_type = 'video' AND is_waiting THEN 1 ELSE 0 END) AS waiting_video
		FROM online_users`)
	if err != nil {
		return snap, wrapStorageErr("stats: users", err)
	}
	snap.ActiveUsers, snap.TextUsers, snap.VideoUsers = c.Active, c.Text, c.Video
	snap.WaitingText, snap.WaitingVideo = c.WaitT, c.WaitV

	if err := s.db.GetContext(ctx, &snap.ConnectedPairs, `SELECT COUNT(*) FROM chat_sessions WHERE status = 'connected'`); err != nil {
		return snap, wrapStorageErr("stats: connected", err)
	}
	if err := s.db.GetContext(ctx, &snap.SessionsEnded, `SELECT COUNT(*) FROM chat_sessions WHERE status = 'ended'`); err != nil {
		return snap, wrapStorageErr("stats: ended", err)
	}
	if err := s.db.GetContext(ctx, &snap.MessagesTotal, `SELECT COUNT(*) FROM messages`); err != nil {
		return snap, wrapStorageErr("stats: messages", err)
	}

	var interestRows []string
	if err := s.db.SelectContext(ctx, &interestRows, `SELECT interests FROM online_users`); err != nil {
		return snap, wrapStorageErr("stats: interests", err)
	}
	tally := make(map[string]int)
	for _, raw := range interestRows {
		var tags []string
		_ = json.Unmarshal([]byte(raw), &tags)
		for _, t := range tags {
			tally[t]++
		}
	}
	snap.TopInterests = make([]InterestCount, 0, len(tally))
	for tag, count := range tally {
		snap.TopInterests = append(snap.TopInterests, InterestCount{Tag: tag, Count: count})
	}
	sort.Slice(snap.TopInterests, func(i, j int) bool {
		if snap.TopInterests[i].Count != snap.TopInterests[j].Count {
			return snap.TopInterests[i].Count > snap.TopInterests[j].Count
		}
		return snap.TopInterests[i].Tag < snap.TopInterests[j].Tag
	})
	return snap, nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
