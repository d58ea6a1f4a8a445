package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/randopair/internal/domain"
)

// Memory is the default in-process Repository implementation. It is the
// authoritative owner of OnlineUser, ChatSession, and Message state; a
// single mutex serializes all mutation, which is sufficient at the scale
// this engine targets (spec.md §5 permits sharding by chatType but does not
// require it).
type Memory struct {
	mu       sync.Mutex
	users    map[string]*domain.OnlineUser
	sessions map[string]*domain.ChatSession
	messages map[string][]*domain.Message

	sessionsCreated int
	sessionsEnded   int
	messagesTotal   int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*domain.OnlineUser),
		sessions: make(map[string]*domain.ChatSession),
		messages: make(map[string][]*domain.Message),
	}
}

func (m *Memory) AddOnlineUser(_ context.Context, u *domain.OnlineUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[u.ID]; exists {
		return fmt.Errorf("add user %s: %w", u.ID, ErrConflict)
	}
	stored := u.Clone()
	stored.LastSeen = time.Now()
	m.users[u.ID] = stored
	return nil
}

func (m *Memory) RemoveOnlineUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func (m *Memory) UpdateOnlineUser(_ context.Context, id string, patch UserPatch) (*domain.OnlineUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("update user %s: %w", id, ErrNotFound)
	}

	if patch.Interests != nil {
		u.Interests = append([]string(nil), (*patch.Interests)...)
	}
	if patch.Gender != nil {
		u.Gender = *patch.Gender
	}
	if patch.ChatType != nil {
		u.ChatType = *patch.ChatType
	}
	if patch.IsWaiting != nil {
		if *patch.IsWaiting && !u.IsWaiting {
			u.EnqueuedAt = time.Now()
		}
		u.IsWaiting = *patch.IsWaiting
	}
	u.LastSeen = time.Now()

	return u.Clone(), nil
}

func (m *Memory) GetOnlineUser(_ context.Context, id string) (*domain.OnlineUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("get user %s: %w", id, ErrNotFound)
	}
	return u.Clone(), nil
}

func (m *Memory) GetAllOnlineUsers(_ context.Context) ([]*domain.OnlineUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.OnlineUser, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u.Clone())
	}
	return out, nil
}

func (m *Memory) GetWaitingUsers(_ context.Context, chatType domain.ChatType, askerInterests []string) ([]*domain.OnlineUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.OnlineUser
	for _, u := range m.users {
		if u.IsWaiting && u.ChatType == chatType {
			out = append(out, u.Clone())
		}
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

// Pair is the load-bearing atomic-pairing primitive: it is the only place
// that clears IsWaiting on two users and creates their session, under a
// single critical section, so a candidate can never be claimed by two
// concurrent Matcher.requestMatch calls.
func (m *Memory) Pair(_ context.Context, user1ID, user2ID string, session *domain.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u1, ok1 := m.users[user1ID]
	u2, ok2 := m.users[user2ID]
	if !ok1 || !ok2 || !u1.IsWaiting || !u2.IsWaiting {
		return fmt.Errorf("pair %s/%s: %w", user1ID, user2ID, ErrConflict)
	}
	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("pair %s/%s: session %s: %w", user1ID, user2ID, session.ID, ErrConflict)
	}

	u1.IsWaiting = false
	u2.IsWaiting = false
	now := time.Now()
	u1.LastSeen = now
	u2.LastSeen = now

	stored := session.Clone()
	m.sessions[stored.ID] = stored
	m.sessionsCreated++
	return nil
}

func (m *Memory) CreateChatSession(_ context.Context, s *domain.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("create session %s: %w", s.ID, ErrConflict)
	}
	m.sessions[s.ID] = s.Clone()
	m.sessionsCreated++
	return nil
}

func (m *Memory) GetChatSession(_ context.Context, id string) (*domain.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *Memory) UpdateChatSession(_ context.Context, id string, patch SessionPatch) (*domain.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("update session %s: %w", id, ErrNotFound)
	}

	if patch.Status != nil {
		if *patch.Status == domain.SessionEnded && s.Status != domain.SessionEnded {
			m.sessionsEnded++
		}
		s.Status = *patch.Status
	}
	if patch.EndedAt != nil {
		s.EndedAt = *patch.EndedAt
	}
	return s.Clone(), nil
}

func (m *Memory) DeleteChatSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *Memory) SessionsByParticipant(_ context.Context, userID string) ([]*domain.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.ChatSession
	for _, s := range m.sessions {
		if s.HasParticipant(userID) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *Memory) EndedSessionsOlderThan(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, s := range m.sessions {
		if s.Status == domain.SessionEnded && s.EndedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) CreateMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[msg.SessionID]; !exists {
		return fmt.Errorf("create message for session %s: %w", msg.SessionID, ErrNotFound)
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg.Clone())
	m.messagesTotal++
	return nil
}

func (m *Memory) GetMessagesBySession(_ context.Context, sessionID string) ([]*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[sessionID]
	out := make([]*domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Clone())
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snap Snapshot
	interestTally := make(map[string]int)

	for _, u := range m.users {
		snap.ActiveUsers++
		switch u.ChatType {
		case domain.ChatText:
			snap.TextUsers++
		case domain.ChatVideo:
			snap.VideoUsers++
		}
		if u.IsWaiting {
			switch u.ChatType {
			case domain.ChatText:
				snap.WaitingText++
			case domain.ChatVideo:
				snap.WaitingVideo++
			}
		}
		for _, tag := range u.Interests {
			interestTally[tag]++
		}
	}

	for _, s := range m.sessions {
		if s.Status == domain.SessionConnected {
			snap.ConnectedPairs++
		}
	}
	snap.SessionsEnded = m.sessionsEnded
	snap.MessagesTotal = m.messagesTotal

	snap.TopInterests = make([]InterestCount, 0, len(interestTally))
	for tag, count := range interestTally {
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

func (m *Memory) Close() error { return nil }
