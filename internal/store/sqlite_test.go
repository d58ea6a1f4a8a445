package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/randopair/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteAddOnlineUserConflict(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	u := &domain.OnlineUser{ID: "u1"}
	if err := s.AddOnlineUser(ctx, u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AddOnlineUser(ctx, u); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSQLiteUpdateOnlineUserSetsEnqueuedAt(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	s.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u1"})

	waiting := true
	before := time.Now().Add(-time.Second)
	updated, err := s.UpdateOnlineUser(ctx, "u1", UserPatch{IsWaiting: &waiting})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.IsWaiting {
		t.Fatal("expected IsWaiting=true")
	}
	if updated.EnqueuedAt.Before(before) {
		t.Fatal("EnqueuedAt should be set on the waiting transition")
	}
}

func TestSQLiteUpdateOnlineUserNotFound(t *testing.T) {
	s := newTestSQLite(t)
	if _, err := s.UpdateOnlineUser(context.Background(), "ghost", UserPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLitePairRefusesUnlessBothWaiting(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	waiting := true
	s.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u1"})
	s.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u2"})
	s.UpdateOnlineUser(ctx, "u1", UserPatch{IsWaiting: &waiting})

	session := &domain.ChatSession{ID: "s1", User1ID: "u1", User2ID: "u2", Type: domain.ChatText, CreatedAt: time.Now()}
	if err := s.Pair(ctx, "u1", "u2", session); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict when one side isn't waiting, got %v", err)
	}
}

func TestSQLitePairClearsWaitingAndCreatesSession(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	waiting := true
	s.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u1"})
	s.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u2"})
	s.UpdateOnlineUser(ctx, "u1", UserPatch{IsWaiting: &waiting})
	s.UpdateOnlineUser(ctx, "u2", UserPatch{IsWaiting: &waiting})

	session := &domain.ChatSession{ID: "s1", User1ID: "u1", User2ID: "u2", Type: domain.ChatText, Status: domain.SessionConnected, CreatedAt: time.Now()}
	if err := s.Pair(ctx, "u1", "u2", session); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u1, _ := s.GetOnlineUser(ctx, "u1")
	if u1.IsWaiting {
		t.Fatal("u1 should no longer be waiting after pairing")
	}
	got, err := s.GetChatSession(ctx, "s1")
	if err != nil {
		t.Fatalf("session should exist: %v", err)
	}
	if got.Status != domain.SessionConnected {
		t.Fatalf("expected connected, got %s", got.Status)
	}
}

func TestSQLiteSessionsByParticipant(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	s.CreateChatSession(ctx, &domain.ChatSession{ID: "s1", User1ID: "a", User2ID: "b", CreatedAt: time.Now()})
	s.CreateChatSession(ctx, &domain.ChatSession{ID: "s2", User1ID: "c", User2ID: "d", CreatedAt: time.Now()})

	got, err := s.SessionsByParticipant(ctx, "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("expected only s1, got %+v", got)
	}
}

func TestSQLiteEndedSessionsOlderThan(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now()

	s.CreateChatSession(ctx, &domain.ChatSession{ID: "old", Status: domain.SessionEnded, EndedAt: old, CreatedAt: old})
	s.CreateChatSession(ctx, &domain.ChatSession{ID: "recent", Status: domain.SessionEnded, EndedAt: recent, CreatedAt: recent})
	s.CreateChatSession(ctx, &domain.ChatSession{ID: "live", Status: domain.SessionConnected, CreatedAt: recent})

	cutoff := time.Now().Add(-time.Hour)
	ids, err := s.EndedSessionsOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("expected only [old], got %v", ids)
	}
}

func TestSQLiteCreateMessageRequiresExistingSession(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	err := s.CreateMessage(ctx, &domain.Message{ID: "m1", SessionID: "ghost", Timestamp: time.Now()})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteGetMessagesBySessionOrdersByTimestamp(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	s.CreateChatSession(ctx, &domain.ChatSession{ID: "s1", User1ID: "a", User2ID: "b", CreatedAt: time.Now()})

	first := time.Now()
	second := first.Add(time.Second)
	s.CreateMessage(ctx, &domain.Message{ID: "m2", SessionID: "s1", SenderID: "a", Content: "second", Timestamp: second})
	s.CreateMessage(ctx, &domain.Message{ID: "m1", SessionID: "s1", SenderID: "a", Content: "first", Timestamp: first})

	msgs, err := s.GetMessagesBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Fatalf("expected messages ordered by timestamp, got %+v", msgs)
	}
}

func TestSQLiteStatsCountsUsersAndSessions(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	s.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u1", ChatType: domain.ChatText, Interests: []string{"music"}})
	s.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u2", ChatType: domain.ChatVideo, Interests: []string{"music", "games"}})

	snap, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.ActiveUsers != 2 {
		t.Fatalf("expected 2 active users, got %d", snap.ActiveUsers)
	}
	if snap.TextUsers != 1 || snap.VideoUsers != 1 {
		t.Fatalf("expected one text and one video user, got %+v", snap)
	}
	if len(snap.TopInterests) != 2 || snap.TopInterests[0].Tag != "music" || snap.TopInterests[0].Count != 2 {
		t.Fatalf("expected music to be the top interest with count 2, got %+v", snap.TopInterests)
	}
}
