package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/randopair/internal/domain"
)

func TestMemoryAddOnlineUserConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	u := &domain.OnlineUser{ID: "u1"}
	if err := m.AddOnlineUser(ctx, u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AddOnlineUser(ctx, u); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryUpdateOnlineUserSetsEnqueuedAt(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u1"})

	waiting := true
	before := time.Now()
	updated, err := m.UpdateOnlineUser(ctx, "u1", UserPatch{IsWaiting: &waiting})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.IsWaiting {
		t.Fatal("expected IsWaiting=true")
	}
	if updated.EnqueuedAt.Before(before) {
		t.Fatal("EnqueuedAt should be set to roughly now on the waiting transition")
	}

	// A second patch that keeps IsWaiting=true must not reset EnqueuedAt.
	firstEnqueue := updated.EnqueuedAt
	again, err := m.UpdateOnlineUser(ctx, "u1", UserPatch{IsWaiting: &waiting})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.EnqueuedAt.Equal(firstEnqueue) {
		t.Fatal("EnqueuedAt must only refresh on the false->true transition")
	}
}

func TestMemoryUpdateOnlineUserNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.UpdateOnlineUser(context.Background(), "ghost", UserPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryPairRefusesUnlessBothWaiting(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	waiting := true
	m.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u1"})
	m.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u2"})
	m.UpdateOnlineUser(ctx, "u1", UserPatch{IsWaiting: &waiting})
	// u2 never marked waiting.

	session := &domain.ChatSession{ID: "s1", User1ID: "u1", User2ID: "u2", Type: domain.ChatText}
	if err := m.Pair(ctx, "u1", "u2", session); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict when one side isn't waiting, got %v", err)
	}
}

func TestMemoryPairClearsWaitingAndCreatesSession(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	waiting := true
	m.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u1"})
	m.AddOnlineUser(ctx, &domain.OnlineUser{ID: "u2"})
	m.UpdateOnlineUser(ctx, "u1", UserPatch{IsWaiting: &waiting})
	m.UpdateOnlineUser(ctx, "u2", UserPatch{IsWaiting: &waiting})

	session := &domain.ChatSession{ID: "s1", User1ID: "u1", User2ID: "u2", Type: domain.ChatText, Status: domain.SessionConnected}
	if err := m.Pair(ctx, "u1", "u2", session); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u1, _ := m.GetOnlineUser(ctx, "u1")
	if u1.IsWaiting {
		t.Fatal("u1 should no longer be waiting after pairing")
	}
	got, err := m.GetChatSession(ctx, "s1")
	if err != nil {
		t.Fatalf("session should exist: %v", err)
	}
	if got.Status != domain.SessionConnected {
		t.Fatalf("expected connected, got %s", got.Status)
	}
}

// TestMemoryPairIsAtomicUnderConcurrency drives many concurrent pairing
// attempts across a small pool of waiting users and asserts that no user
// appears as a participant in more than one connected session — the
// invariant the Matcher depends on (spec.md §4.1, §5).
func TestMemoryPairIsAtomicUnderConcurrency(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	waiting := true

	const n = 20
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := randID(i)
		ids[i] = id
		m.AddOnlineUser(ctx, &domain.OnlineUser{ID: id})
		m.UpdateOnlineUser(ctx, id, UserPatch{IsWaiting: &waiting})
	}

	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex
	// Every ordered pair attempts to pair with its neighbor concurrently;
	// only non-conflicting attempts should succeed.
	for i := 0; i < n; i += 2 {
		wg.Add(1)
		go func(a, b string) {
			defer wg.Done()
			session := &domain.ChatSession{ID: a + "-" + b, User1ID: a, User2ID: b, Type: domain.ChatText}
			if err := m.Pair(ctx, a, b, session); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(ids[i], ids[i+1])
	}
	wg.Wait()

	if int(successes) != n/2 {
		t.Fatalf("expected %d successful pairings, got %d", n/2, successes)
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		u, err := m.GetOnlineUser(ctx, id)
		if err != nil {
			t.Fatalf("user %s should still exist: %v", id, err)
		}
		if u.IsWaiting {
			t.Fatalf("user %s should have been claimed", id)
		}
		if seen[id] {
			t.Fatalf("user %s paired twice", id)
		}
		seen[id] = true
	}
}

func TestMemorySessionsByParticipant(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.CreateChatSession(ctx, &domain.ChatSession{ID: "s1", User1ID: "a", User2ID: "b"})
	m.CreateChatSession(ctx, &domain.ChatSession{ID: "s2", User1ID: "c", User2ID: "d"})

	got, err := m.SessionsByParticipant(ctx, "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("expected only s1, got %+v", got)
	}
}

func TestMemoryEndedSessionsOlderThan(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now()

	m.CreateChatSession(ctx, &domain.ChatSession{ID: "old", Status: domain.SessionEnded, EndedAt: old})
	m.CreateChatSession(ctx, &domain.ChatSession{ID: "recent", Status: domain.SessionEnded, EndedAt: recent})
	m.CreateChatSession(ctx, &domain.ChatSession{ID: "live", Status: domain.SessionConnected})

	cutoff := time.Now().Add(-time.Hour)
	ids, err := m.EndedSessionsOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("expected only [old], got %v", ids)
	}
}

func TestMemoryGetWaitingUsersOrdersByOverlapThenEnqueueTime(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	waiting := true

	m.AddOnlineUser(ctx, &domain.OnlineUser{ID: "low-overlap", Interests: []string{"music"}, ChatType: domain.ChatText})
	m.UpdateOnlineUser(ctx, "low-overlap", UserPatch{IsWaiting: &waiting})

	time.Sleep(time.Millisecond)
	m.AddOnlineUser(ctx, &domain.OnlineUser{ID: "high-overlap", Interests: []string{"music", "games"}, ChatType: domain.ChatText})
	m.UpdateOnlineUser(ctx, "high-overlap", UserPatch{IsWaiting: &waiting})

	out, err := m.GetWaitingUsers(ctx, domain.ChatText, []string{"music", "games"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].ID != "high-overlap" {
		t.Fatalf("expected high-overlap first, got %+v", out)
	}
}

func randID(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "user-" + string(letters[i%26]) + string(rune('0'+i))
}
