// Package relay routes in-session frames — chat messages, typing
// indicators, read receipts, and WebRTC signaling — between paired users,
// applying the validation and sanitization rules of spec.md §4.4.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/ashureev/randopair/internal/domain"
	"github.com/ashureev/randopair/internal/frame"
	"github.com/ashureev/randopair/internal/registry"
	"github.com/ashureev/randopair/internal/store"
	"github.com/google/uuid"
)

const (
	maxMessageCharsDefault = 5000
	repetitionRunLimit     = 51 // a single character repeated this many times or more in a row is spam
)

// denyList is the minimal inappropriate-content filter. Production
// deployments are expected to swap this for a real moderation service.
var denyList = []string{
	"spam",
	"bot",
	"scam",
}

// Relay delivers frames between the two participants of a session.
type Relay struct {
	repo            store.Repository
	reg             *registry.Registry
	maxMessageChars int
}

// New creates a Relay. maxMessageChars caps send_message content length
// (spec.md §6.2, default 5000, configurable via MAX_MESSAGE_CHARS).
func New(repo store.Repository, reg *registry.Registry, maxMessageChars int) *Relay {
	if maxMessageChars <= 0 {
		maxMessageChars = maxMessageCharsDefault
	}
	return &Relay{repo: repo, reg: reg, maxMessageChars: maxMessageChars}
}

// MessageSent is the outbound ack to the sender of send_message. Status is
// "delivered" when the partner had a live connection at relay time, "sent"
// otherwise — partner-offline is not an error (spec.md §7).
type MessageSent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// MessageReceived is the outbound frame delivered to the partner.
type MessageReceived struct {
	Type        string              `json:"type"`
	SessionID   string              `json:"sessionId"`
	MessageID   string              `json:"messageId"`
	SenderID    string              `json:"senderId"`
	Content     string              `json:"content"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	HasEmoji    bool                `json:"hasEmoji"`
	Timestamp   time.Time           `json:"timestamp"`
}

// TypingRelay is the outbound partner_typing frame.
type TypingRelay struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

// MessageReadReceipt is the outbound frame forwarded on message_read.
type MessageReadReceipt struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// SignalRelay carries WebRTC offer/answer/ICE payloads verbatim; the
// server never inspects SDP or candidate contents (spec.md §4.4).
type SignalRelay struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	FromUserID string `json:"fromUserId"`
	Payload    any    `json:"payload"`
}

// sessionForSender loads the session and verifies senderID is a connected
// participant, producing the error codes spec.md §7 names for the three
// relevant failure modes (no such session, not a participant, already ended).
func (r *Relay) sessionForSender(ctx context.Context, sessionID, senderID string) (*domain.ChatSession, error) {
	s, err := r.repo.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, frame.NewError(frame.CodeNoSession, "no such session")
	}
	if !s.HasParticipant(senderID) {
		return nil, frame.NewError(frame.CodeNotParticipant, "not a participant of this session")
	}
	if s.Status != domain.SessionConnected {
		return nil, frame.NewError(frame.CodeSessionEnded, "session has already ended")
	}
	return s, nil
}

// SendMessage validates, sanitizes, persists, and delivers a send_message
// frame to the partner.
func (r *Relay) SendMessage(ctx context.Context, sessionID, senderID, content string, attachments []domain.Attachment) error {
	s, err := r.sessionForSender(ctx, sessionID, senderID)
	if err != nil {
		return err
	}

	clean := sanitize(content)
	if clean == "" && len(attachments) == 0 {
		return frame.NewError(frame.CodeEmpty, "message is empty")
	}
	if len(clean) > r.maxMessageChars {
		return frame.NewError(frame.CodeTooLong, fmt.Sprintf("message exceeds %d characters", r.maxMessageChars))
	}
	if isSpamRepetition(clean) {
		return frame.NewError(frame.CodeSpamRepetition, "message looks like spam")
	}
	if containsDenied(clean) {
		return frame.NewError(frame.CodeInappropriate, "message violates content policy")
	}

	msg := &domain.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		SenderID:    senderID,
		Content:     clean,
		Attachments: attachments,
		HasEmoji:    containsEmoji(clean),
		Timestamp:   time.Now(),
	}
	if err := r.repo.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("relay: persist message: %w", err)
	}

	delivered := deliverTo(r.reg, s.Partner(senderID), MessageReceived{
		Type:        "message_received",
		SessionID:   sessionID,
		MessageID:   msg.ID,
		SenderID:    senderID,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		HasEmoji:    msg.HasEmoji,
		Timestamp:   msg.Timestamp,
	})

	status := "sent"
	if delivered {
		status = "delivered"
	}
	deliverTo(r.reg, senderID, MessageSent{Type: "message_sent", SessionID: sessionID, MessageID: msg.ID, Status: status})
	return nil
}

// Typing forwards a typing-indicator frame to the partner. Not persisted.
func (r *Relay) Typing(ctx context.Context, sessionID, senderID string, isTyping bool) error {
	s, err := r.sessionForSender(ctx, sessionID, senderID)
	if err != nil {
		return err
	}
	deliverTo(r.reg, s.Partner(senderID), TypingRelay{Type: "partner_typing", SessionID: sessionID, IsTyping: isTyping})
	return nil
}

// MessageRead forwards a read receipt to the partner. Not persisted.
func (r *Relay) MessageRead(ctx context.Context, sessionID, senderID, messageID string) error {
	s, err := r.sessionForSender(ctx, sessionID, senderID)
	if err != nil {
		return err
	}
	deliverTo(r.reg, s.Partner(senderID), MessageReadReceipt{Type: "message_read_receipt", SessionID: sessionID, MessageID: messageID})
	return nil
}

// Signal forwards a WebRTC offer/answer/ice_candidate payload to the partner
// unmodified, tagged with outType ("webrtc_offer", "webrtc_answer", or
// "webrtc_ice_candidate").
func (r *Relay) Signal(ctx context.Context, sessionID, senderID, outType string, payload any) error {
	s, err := r.sessionForSender(ctx, sessionID, senderID)
	if err != nil {
		return err
	}
	if s.Type != domain.ChatVideo {
		return frame.NewError(frame.CodeBadFrame, "signaling is only valid on video sessions")
	}
	deliverTo(r.reg, s.Partner(senderID), SignalRelay{Type: outType, SessionID: sessionID, FromUserID: senderID, Payload: payload})
	return nil
}

// sanitize strips NUL, C0, and C1 control characters (keeping horizontal
// tab and line feed) and trims surrounding whitespace, per spec.md §4.4.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || r == '\n' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// isSpamRepetition flags messages containing any one character repeated
// repetitionRunLimit times or more in a row, e.g. "aaaa...a" (51 a's).
func isSpamRepetition(s string) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if run > 0 && r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= repetitionRunLimit {
			return true
		}
	}
	return false
}

func containsDenied(s string) bool {
	lower := strings.ToLower(s)
	for _, bad := range denyList {
		if strings.Contains(lower, bad) {
			return true
		}
	}
	return false
}

// containsEmoji is a coarse check for client rendering hints: any rune in
// U+1F300–U+1FAFF (pictographs and emoji) or U+2600–U+27BF (miscellaneous
// symbols and dingbats) is treated as an emoji.
func containsEmoji(s string) bool {
	for _, r := range s {
		if r >= 0x1F300 && r <= 0x1FAFF {
			return true
		}
		if r >= 0x2600 && r <= 0x27BF {
			return true
		}
	}
	return false
}

// deliverTo best-effort delivers v to userID's live connection, reporting
// whether one was found. Partner offline is not an error (spec.md §7).
func deliverTo(reg *registry.Registry, userID string, v any) bool {
	if userID == "" {
		return false
	}
	conn, ok := reg.Lookup(userID)
	if !ok {
		slog.Debug("relay target offline, dropping frame", "user_id", userID)
		return false
	}
	if err := conn.EnqueueJSON(v); err != nil {
		slog.Warn("failed to encode relay frame", "user_id", userID, "error", err)
		return false
	}
	return true
}
