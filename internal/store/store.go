// Package store provides the data-plane interface for the matchmaking
// engine: online users, paired sessions, and the per-session message log.
//
// Repository is the sole owner of OnlineUser.IsWaiting; every other
// component mutates waiting state only by calling through it, so pool
// membership never drifts from the flag (spec.md §5, "Shared-resource
// policy").
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/randopair/internal/domain"
)

// Sentinel errors returned by Repository methods. Storage-layer I/O errors
// from a durable backend surface as ErrStorageUnavailable, which callers
// must treat as retryable.
var (
	ErrNotFound           = errors.New("store: not found")
	ErrConflict           = errors.New("store: conflict")
	ErrStorageUnavailable = errors.New("store: storage unavailable")
)

// UserPatch is an atomic partial update to an OnlineUser. A nil field leaves
// the corresponding attribute unchanged. LastSeen is always refreshed to the
// time of the update regardless of which fields are set.
type UserPatch struct {
	Interests *[]string
	Gender    *domain.Gender
	ChatType  *domain.ChatType
	IsWaiting *bool
}

// SessionPatch is an atomic partial update to a ChatSession.
type SessionPatch struct {
	Status  *domain.SessionStatus
	EndedAt *time.Time
}

// Repository is the storage interface the rest of the engine depends on.
// All methods must be safe for concurrent callers and complete in bounded
// time (no network fan-out per call for the in-memory implementation).
type Repository interface {
	// AddOnlineUser inserts a new user. Returns ErrConflict if u.ID is
	// already present.
	AddOnlineUser(ctx context.Context, u *domain.OnlineUser) error

	// RemoveOnlineUser deletes a user and removes them from the waiting
	// pool, if present. Idempotent.
	RemoveOnlineUser(ctx context.Context, id string) error

	// UpdateOnlineUser atomically merges patch into the stored user,
	// refreshes LastSeen, and keeps waiting-pool membership consistent with
	// the resulting IsWaiting value. Returns ErrNotFound if id is unknown.
	UpdateOnlineUser(ctx context.Context, id string, patch UserPatch) (*domain.OnlineUser, error)

	// GetOnlineUser returns the user, or ErrNotFound.
	GetOnlineUser(ctx context.Context, id string) (*domain.OnlineUser, error)

	// GetAllOnlineUsers returns every connected user.
	GetAllOnlineUsers(ctx context.Context) ([]*domain.OnlineUser, error)

	// GetWaitingUsers returns all waiting users of chatType, ordered by
	// descending interest overlap with askerInterests, ties broken by
	// ascending enqueue time. The Matcher re-scores; this ordering is only
	// a hint.
	GetWaitingUsers(ctx context.Context, chatType domain.ChatType, askerInterests []string) ([]*domain.OnlineUser, error)

	// Pair atomically verifies that user1ID and user2ID are both still
	// waiting, clears IsWaiting on both, and creates session in one
	// critical section. Returns ErrConflict if either user is no longer
	// waiting (already claimed by a concurrent pairing) or no longer
	// present.
	Pair(ctx context.Context, user1ID, user2ID string, session *domain.ChatSession) error

	// CreateChatSession inserts a session directly (used by tests; Pair
	// inserts its own session inside its critical section). Returns
	// ErrConflict if session.ID already exists.
	CreateChatSession(ctx context.Context, s *domain.ChatSession) error

	// GetChatSession returns the session, or ErrNotFound.
	GetChatSession(ctx context.Context, id string) (*domain.ChatSession, error)

	// UpdateChatSession atomically merges patch into the stored session.
	// Returns ErrNotFound if id is unknown.
	UpdateChatSession(ctx context.Context, id string, patch SessionPatch) (*domain.ChatSession, error)

	// DeleteChatSession removes a session outright (used by the GC sweep
	// once the retention window has elapsed).
	DeleteChatSession(ctx context.Context, id string) error

	// SessionsByParticipant returns every session (any status) that userID
	// belongs to, used to notify a partner when a connection drops.
	SessionsByParticipant(ctx context.Context, userID string) ([]*domain.ChatSession, error)

	// EndedSessionsOlderThan returns the IDs of sessions with
	// Status == SessionEnded and EndedAt before cutoff, for the GC sweep.
	EndedSessionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)

	// CreateMessage appends a message to its session's log. Returns
	// ErrNotFound if the session does not exist.
	CreateMessage(ctx context.Context, m *domain.Message) error

	// GetMessagesBySession returns a session's messages in chronological
	// order.
	GetMessagesBySession(ctx context.Context, sessionID string) ([]*domain.Message, error)

	// Stats returns a consistent snapshot for the HTTP stats/analytics
	// surface.
	Stats(ctx context.Context) (Snapshot, error)

	// Close releases any resources held by the store.
	Close() error
}

// Snapshot is a point-in-time read of aggregate counters, used to answer
// /api/stats and /api/analytics without a separate metrics pipeline.
type Snapshot struct {
	ActiveUsers    int
	TextUsers      int
	VideoUsers     int
	WaitingText    int
	WaitingVideo   int
	ConnectedPairs int
	SessionsEnded  int
	MessagesTotal  int
	TopInterests   []InterestCount
}

// InterestCount is a ranked interest tag with its occurrence count across
// currently-online users.
type InterestCount struct {
	Tag   string
	Count int
}
