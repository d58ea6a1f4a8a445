// Package session implements the chat-session lifecycle operations of
// spec.md §4.5: ending a chat, skipping to the next stranger, recovering a
// session after a reconnect, and cleaning up after a connection drops.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/randopair/internal/domain"
	"github.com/ashureev/randopair/internal/frame"
	"github.com/ashureev/randopair/internal/matcher"
	"github.com/ashureev/randopair/internal/registry"
	"github.com/ashureev/randopair/internal/store"
)

// Controller owns session-lifecycle transitions and the bookkeeping needed
// to keep OnlineUser and ChatSession state consistent across them.
type Controller struct {
	repo      store.Repository
	reg       *registry.Registry
	matcher   *matcher.Matcher
	retention time.Duration
}

// New creates a Controller. retention is how long an ended session is kept
// around before the GC sweep deletes it, giving a disconnecting peer a
// window to recover it (spec.md §4.5, §5; default 60s).
func New(repo store.Repository, reg *registry.Registry, m *matcher.Matcher, retention time.Duration) *Controller {
	return &Controller{repo: repo, reg: reg, matcher: m, retention: retention}
}

// ChatEnded is the outbound chat_ended frame.
type ChatEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionRecovered answers a successful recover_session for the caller.
type SessionRecovered struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	PartnerID string          `json:"partnerId"`
	ChatType  domain.ChatType `json:"chatType"`
}

// SessionRecoveryFailed answers a failed recover_session for the caller.
type SessionRecoveryFailed struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// PartnerReconnected notifies the partner that the caller recovered the session.
type PartnerReconnected struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	PartnerID string `json:"partnerId"`
}

// GenderUpdated answers update_gender for the caller.
type GenderUpdated struct {
	Type   string        `json:"type"`
	Gender domain.Gender `json:"gender"`
}

// PartnerGenderUpdated notifies a session partner of the caller's new gender.
type PartnerGenderUpdated struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionId"`
	Gender    domain.Gender `json:"gender"`
}

// endSession is the shared mark-ended transition used by EndChat and
// NextStranger. It marks the session ended, clears the initiator's waiting
// state and chat type, and returns the loaded session for the caller to
// notify from.
func (c *Controller) endSession(ctx context.Context, sessionID, initiatorID string) (*domain.ChatSession, error) {
	s, err := c.repo.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, frame.NewError(frame.CodeNoSession, "no such session")
	}
	if !s.HasParticipant(initiatorID) {
		return nil, frame.NewError(frame.CodeNotParticipant, "not a participant of this session")
	}
	if s.Status != domain.SessionConnected {
		return s, nil // already ended; idempotent
	}

	status := domain.SessionEnded
	now := time.Now()
	updated, err := c.repo.UpdateChatSession(ctx, sessionID, store.SessionPatch{Status: &status, EndedAt: &now})
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}

	notWaiting := false
	noneType := domain.ChatNone
	if _, err := c.repo.UpdateOnlineUser(ctx, initiatorID, store.UserPatch{IsWaiting: &notWaiting, ChatType: &noneType}); err != nil {
		slog.Debug("end session: initiator already removed", "user_id", initiatorID, "error", err)
	}

	return updated, nil
}

// EndChat implements end_chat (spec.md §4.5): marks the session ended,
// clears the initiator's waiting state, and notifies both sides.
func (c *Controller) EndChat(ctx context.Context, sessionID, userID string) error {
	s, err := c.endSession(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	deliver(c.reg, s.Partner(userID), ChatEnded{Type: "chat_ended", SessionID: sessionID})
	deliver(c.reg, userID, ChatEnded{Type: "chat_ended", SessionID: sessionID})
	slog.Info("chat ended", "session_id", sessionID, "by", userID)
	return nil
}

// NextStranger implements next_stranger (spec.md §4.5): ends the session
// like EndChat but withholds chat_ended from the initiator, then
// immediately requests a new match for them.
func (c *Controller) NextStranger(ctx context.Context, sessionID, userID string, chatType domain.ChatType, interests []string, gender domain.Gender) error {
	if sessionID != "" {
		s, err := c.endSession(ctx, sessionID, userID)
		if err != nil {
			return err
		}
		deliver(c.reg, s.Partner(userID), ChatEnded{Type: "chat_ended", SessionID: sessionID})
	}
	return c.matcher.RequestMatch(ctx, userID, chatType, interests, gender)
}

// RecoverSession implements recover_session (spec.md §4.5): a pure view
// operation. It succeeds only when the session is still connected and both
// participants currently hold a live connection; a session that ended
// during the caller's absence fails recovery regardless of the retention
// window. On success it notifies the partner of the reconnect.
func (c *Controller) RecoverSession(ctx context.Context, sessionID, userID string) error {
	s, err := c.repo.GetChatSession(ctx, sessionID)
	if err != nil {
		deliver(c.reg, userID, SessionRecoveryFailed{Type: "session_recovery_failed", SessionID: sessionID, Reason: "no_such_session"})
		return nil
	}
	if !s.HasParticipant(userID) {
		deliver(c.reg, userID, SessionRecoveryFailed{Type: "session_recovery_failed", SessionID: sessionID, Reason: "not_participant"})
		return nil
	}
	if s.Status != domain.SessionConnected {
		deliver(c.reg, userID, SessionRecoveryFailed{Type: "session_recovery_failed", SessionID: sessionID, Reason: "session_ended"})
		return nil
	}

	partnerID := s.Partner(userID)
	if _, callerOnline := c.reg.Lookup(userID); !callerOnline {
		deliver(c.reg, userID, SessionRecoveryFailed{Type: "session_recovery_failed", SessionID: sessionID, Reason: "not_connected"})
		return nil
	}
	if _, partnerOnline := c.reg.Lookup(partnerID); !partnerOnline {
		deliver(c.reg, userID, SessionRecoveryFailed{Type: "session_recovery_failed", SessionID: sessionID, Reason: "partner_offline"})
		return nil
	}

	deliver(c.reg, userID, SessionRecovered{Type: "session_recovered", SessionID: sessionID, PartnerID: partnerID, ChatType: s.Type})
	deliver(c.reg, partnerID, PartnerReconnected{Type: "partner_reconnected", SessionID: sessionID, PartnerID: userID})
	return nil
}

// UpdateGender implements update_gender (spec.md §6.1): updates the
// caller's declared gender and, if they are in an active session, notifies
// the partner.
func (c *Controller) UpdateGender(ctx context.Context, userID, sessionID string, gender domain.Gender) error {
	if !gender.Valid() {
		return frame.NewError(frame.CodeInvalidGender, "invalid gender")
	}
	if _, err := c.repo.UpdateOnlineUser(ctx, userID, store.UserPatch{Gender: &gender}); err != nil {
		return fmt.Errorf("update gender: %w", err)
	}

	deliver(c.reg, userID, GenderUpdated{Type: "gender_updated", Gender: gender})

	if sessionID == "" {
		return nil
	}
	s, err := c.repo.GetChatSession(ctx, sessionID)
	if err != nil || !s.HasParticipant(userID) || s.Status != domain.SessionConnected {
		return nil
	}
	deliver(c.reg, s.Partner(userID), PartnerGenderUpdated{Type: "partner_gender_updated", SessionID: sessionID, Gender: gender})
	return nil
}

// OnConnectionClose is called once a bound connection is gone, whether by
// graceful close, heartbeat timeout, or read error (spec.md §4.5). It ends
// any session the user was still connected in, notifying the partner, stops
// the user's queue ticker, and removes them from the Store entirely.
func (c *Controller) OnConnectionClose(ctx context.Context, userID string) {
	c.matcher.StopTicker(userID)

	sessions, err := c.repo.SessionsByParticipant(ctx, userID)
	if err != nil {
		slog.Warn("connection close: failed to scan sessions", "user_id", userID, "error", err)
	}
	for _, s := range sessions {
		if s.Status != domain.SessionConnected {
			continue
		}
		status := domain.SessionEnded
		now := time.Now()
		if _, err := c.repo.UpdateChatSession(ctx, s.ID, store.SessionPatch{Status: &status, EndedAt: &now}); err != nil {
			slog.Warn("connection close: failed to end session", "session_id", s.ID, "error", err)
			continue
		}
		deliver(c.reg, s.Partner(userID), ChatEnded{Type: "chat_ended", SessionID: s.ID})
	}

	if err := c.repo.RemoveOnlineUser(ctx, userID); err != nil {
		slog.Debug("connection close: remove user failed", "user_id", userID, "error", err)
	}
}

// SweepExpiredSessions runs until ctx is canceled, deleting ended sessions
// whose retention window has elapsed (spec.md §4.5, §5).
func (c *Controller) SweepExpiredSessions(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.retention)
			ids, err := c.repo.EndedSessionsOlderThan(ctx, cutoff)
			if err != nil {
				slog.Warn("session GC scan failed", "error", err)
				continue
			}
			for _, id := range ids {
				if err := c.repo.DeleteChatSession(ctx, id); err != nil {
					slog.Warn("session GC delete failed", "session_id", id, "error", err)
				}
			}
			if len(ids) > 0 {
				slog.Debug("session GC swept expired sessions", "count", len(ids))
			}
		}
	}
}

func deliver(reg *registry.Registry, userID string, v any) {
	if userID == "" {
		return
	}
	conn, ok := reg.Lookup(userID)
	if !ok {
		return
	}
	if err := conn.EnqueueJSON(v); err != nil {
		slog.Warn("failed to encode outbound frame", "user_id", userID, "error", err)
	}
}
