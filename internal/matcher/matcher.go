// Package matcher implements the waiting-pool scoring algorithm and atomic
// pairing contract described in spec.md §4.3.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ashureev/randopair/internal/domain"
	"github.com/ashureev/randopair/internal/frame"
	"github.com/ashureev/randopair/internal/registry"
	"github.com/ashureev/randopair/internal/store"
	"github.com/google/uuid"
)

const (
	maxInterests   = 32
	maxInterestLen = 32
)

// Matcher accepts "find a match" requests, scores the waiting pool, pairs
// atomically through the Store, and keeps unmatched callers informed via a
// periodic queue-status ticker.
type Matcher struct {
	repo      store.Repository
	reg       *registry.Registry
	queueTick time.Duration

	mu       sync.Mutex
	tickers  map[string]chan struct{} // userID -> stop channel
}

// New creates a Matcher. queueTick is the interval between queue_status
// updates sent to a still-waiting caller (spec.md §4.3, default 10s).
func New(repo store.Repository, reg *registry.Registry, queueTick time.Duration) *Matcher {
	return &Matcher{
		repo:      repo,
		reg:       reg,
		queueTick: queueTick,
		tickers:   make(map[string]chan struct{}),
	}
}

// MatchFound is the match_found frame sent to both participants.
type MatchFound struct {
	Type            string              `json:"type"`
	SessionID       string              `json:"sessionId"`
	PartnerID       string              `json:"partnerId"`
	ChatType        domain.ChatType     `json:"chatType"`
	SharedInterests []string            `json:"sharedInterests"`
	MatchQuality    domain.MatchQuality `json:"matchQuality"`
}

// WaitingForMatch is sent to a caller with no available candidate.
type WaitingForMatch struct {
	Type              string `json:"type"`
	QueuePosition     int    `json:"queuePosition"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"`
}

// QueueStatus is the periodic update sent to a still-waiting caller.
type QueueStatus struct {
	Type              string          `json:"type"`
	Position          int             `json:"position"`
	TotalWaiting      int             `json:"totalWaiting"`
	EstimatedWaitTime int             `json:"estimatedWaitTime"`
	ChatType          domain.ChatType `json:"chatType"`
}

// RequestMatch implements spec.md §4.3. It validates input, marks the
// caller waiting, scores the pool, pairs atomically on a winner, and
// otherwise replies with queue position and starts the status ticker.
func (m *Matcher) RequestMatch(ctx context.Context, userID string, chatType domain.ChatType, interests []string, gender domain.Gender) error {
	if err := validateRequest(chatType, interests, gender); err != nil {
		return err
	}

	isWaiting := true
	ct := chatType
	g := gender
	if g == "" {
		g = domain.GenderUnset
	}
	ints := normalizeInterests(interests)
	if _, err := m.repo.UpdateOnlineUser(ctx, userID, store.UserPatch{
		Interests: &ints,
		Gender:    &g,
		ChatType:  &ct,
		IsWaiting: &isWaiting,
	}); err != nil {
		return fmt.Errorf("mark user waiting: %w", err)
	}

	candidates, err := m.repo.GetWaitingUsers(ctx, chatType, ints)
	if err != nil {
		return fmt.Errorf("list waiting users: %w", err)
	}

	winner, winnerScore, winnerCross := m.pickWinner(userID, ints, g, candidates)
	if winner != nil {
		return m.pair(ctx, userID, ints, winner, winnerScore, winnerCross)
	}

	return m.enterQueue(ctx, userID, chatType, ints)
}

// pickWinner scores every candidate and returns the highest-scoring one
// along with the score and gender-cross flag that won, breaking ties by
// older enqueue time then lexicographic id (spec.md §4.3 step 4).
// candidates is pre-filtered to the requested chatType; the caller is
// excluded explicitly since GetWaitingUsers returns them too once marked
// waiting.
func (m *Matcher) pickWinner(callerID string, callerInterests []string, callerGender domain.Gender, candidates []*domain.OnlineUser) (winner *domain.OnlineUser, winnerScore int, winnerCross bool) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(callerID))))

	for _, c := range candidates {
		if c.ID == callerID {
			continue
		}
		s, cross := score(callerInterests, callerGender, c, rng)
		if winner == nil || betterCandidate(s, c, winnerScore, winner) {
			winner, winnerScore, winnerCross = c, s, cross
		}
	}
	return winner, winnerScore, winnerCross
}

func betterCandidate(score int, cand *domain.OnlineUser, bestScore int, best *domain.OnlineUser) bool {
	if score != bestScore {
		return score > bestScore
	}
	if !cand.EnqueuedAt.Equal(best.EnqueuedAt) {
		return cand.EnqueuedAt.Before(best.EnqueuedAt)
	}
	return cand.ID < best.ID
}

// pair commits the winner picked by pickWinner. total and cross are the
// exact score and gender-cross flag that won the candidate selection; they
// are threaded straight through into matchQuality rather than recomputed,
// so the reported quality always matches the reasoning that chose winner.
func (m *Matcher) pair(ctx context.Context, callerID string, callerInterests []string, winner *domain.OnlineUser, total int, cross bool) error {
	m.stopTicker(callerID)
	m.stopTicker(winner.ID)

	caller, err := m.repo.GetOnlineUser(ctx, callerID)
	if err != nil {
		return fmt.Errorf("pair: load caller: %w", err)
	}

	quality := matchQuality(total, cross)

	session := &domain.ChatSession{
		ID:        uuid.NewString(),
		User1ID:   callerID,
		User2ID:   winner.ID,
		Type:      caller.ChatType,
		Interests: callerInterests,
		Status:    domain.SessionConnected,
		CreatedAt: time.Now(),
	}

	if err := m.repo.Pair(ctx, callerID, winner.ID, session); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Winner was claimed by a concurrent matcher between scoring
			// and pairing; fall back to queueing the caller.
			slog.Debug("pairing lost race, re-entering queue", "user_id", callerID, "candidate_id", winner.ID)
			return m.enterQueue(ctx, callerID, caller.ChatType, callerInterests)
		}
		return fmt.Errorf("pair: %w", err)
	}

	shared := sharedInterests(callerInterests, winner.Interests)

	deliver(m.reg, callerID, MatchFound{
		Type:            "match_found",
		SessionID:       session.ID,
		PartnerID:       winner.ID,
		ChatType:        session.Type,
		SharedInterests: shared,
		MatchQuality:    quality,
	})
	deliver(m.reg, winner.ID, MatchFound{
		Type:            "match_found",
		SessionID:       session.ID,
		PartnerID:       callerID,
		ChatType:        session.Type,
		SharedInterests: shared,
		MatchQuality:    quality,
	})

	slog.Info("paired users", "session_id", session.ID, "user1", callerID, "user2", winner.ID, "quality", quality)
	return nil
}

func (m *Matcher) enterQueue(ctx context.Context, userID string, chatType domain.ChatType, interests []string) error {
	position, total, err := m.queueStatus(ctx, userID, chatType, interests)
	if err != nil {
		return err
	}

	deliver(m.reg, userID, WaitingForMatch{
		Type:              "waiting_for_match",
		QueuePosition:     position,
		EstimatedWaitTime: estimatedWaitSeconds(total),
	})

	m.startTicker(userID, chatType, interests)
	return nil
}

func (m *Matcher) queueStatus(ctx context.Context, userID string, chatType domain.ChatType, interests []string) (position, total int, err error) {
	waiting, err := m.repo.GetWaitingUsers(ctx, chatType, interests)
	if err != nil {
		return 0, 0, fmt.Errorf("queue status: %w", err)
	}

	byEnqueue := append([]*domain.OnlineUser(nil), waiting...)
	sortByEnqueueTime(byEnqueue)

	total = len(byEnqueue)
	for i, u := range byEnqueue {
		if u.ID == userID {
			return i + 1, total, nil
		}
	}
	return total, total, nil
}

func estimatedWaitSeconds(totalWaiting int) int {
	if totalWaiting < 5 {
		return 15
	}
	est := 10 * totalWaiting
	if est > 120 {
		est = 120
	}
	return est
}

// GetQueueStatus answers an explicit get_queue_status frame (spec.md §6.1).
func (m *Matcher) GetQueueStatus(ctx context.Context, userID string, chatType domain.ChatType, interests []string) (QueueStatus, error) {
	position, total, err := m.queueStatus(ctx, userID, chatType, normalizeInterests(interests))
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{
		Type:              "queue_status",
		Position:          position,
		TotalWaiting:      total,
		EstimatedWaitTime: estimatedWaitSeconds(total),
		ChatType:          chatType,
	}, nil
}

func (m *Matcher) startTicker(userID string, chatType domain.ChatType, interests []string) {
	m.mu.Lock()
	if _, exists := m.tickers[userID]; exists {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.tickers[userID] = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.queueTick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx := context.Background()
				user, err := m.repo.GetOnlineUser(ctx, userID)
				if err != nil || !user.IsWaiting {
					m.stopTicker(userID)
					return
				}
				status, err := m.GetQueueStatus(ctx, userID, chatType, interests)
				if err != nil {
					continue
				}
				deliver(m.reg, userID, status)
			}
		}
	}()
}

// StopTicker stops a waiter's queue_status ticker; called by SessionController
// when the user leaves the pool by any means other than pairing (end_chat,
// disconnect).
func (m *Matcher) StopTicker(userID string) { m.stopTicker(userID) }

func (m *Matcher) stopTicker(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.tickers[userID]; ok {
		close(stop)
		delete(m.tickers, userID)
	}
}

func validateRequest(chatType domain.ChatType, interests []string, gender domain.Gender) error {
	if !chatType.Valid() {
		return frame.NewError(frame.CodeInvalidChatType, "chatType must be text or video")
	}
	if gender != "" && !gender.Valid() {
		return frame.NewError(frame.CodeInvalidGender, "invalid gender")
	}
	if len(interests) > maxInterests {
		return frame.NewError(frame.CodeBadFrame, "too many interests")
	}
	for _, tag := range interests {
		if len(tag) > maxInterestLen {
			return frame.NewError(frame.CodeBadFrame, "interest tag too long")
		}
	}
	return nil
}

func normalizeInterests(interests []string) []string {
	seen := make(map[string]struct{}, len(interests))
	out := make([]string, 0, len(interests))
	for _, tag := range interests {
		norm := normalizeTag(tag)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

func normalizeTag(tag string) string {
	out := make([]rune, 0, len(tag))
	for _, r := range tag {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

func sharedInterests(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, tag := range b {
		set[tag] = struct{}{}
	}
	var shared []string
	for _, tag := range a {
		if _, ok := set[tag]; ok {
			shared = append(shared, tag)
		}
	}
	return shared
}

func sortByEnqueueTime(users []*domain.OnlineUser) {
	for i := 1; i < len(users); i++ {
		for j := i; j > 0 && users[j].EnqueuedAt.Before(users[j-1].EnqueuedAt); j-- {
			users[j], users[j-1] = users[j-1], users[j]
		}
	}
}

// deliver best-effort sends frame v to userID's live connection, if any. A
// user with no live connection (already disconnected) simply misses the
// update, matching spec.md §7's "partner offline is not an error" policy
// generalized to any outbound frame.
func deliver(reg *registry.Registry, userID string, v any) {
	conn, ok := reg.Lookup(userID)
	if !ok {
		return
	}
	if err := conn.EnqueueJSON(v); err != nil {
		slog.Warn("failed to encode outbound frame", "user_id", userID, "error", err)
	}
}
