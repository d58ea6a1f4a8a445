// Package wire implements the WebSocket protocol surface of spec.md §4.6
// and §6.1: the accept loop, JSON envelope decode/dispatch, and per-
// connection panic recovery.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/randopair/internal/admission"
	"github.com/ashureev/randopair/internal/domain"
	"github.com/ashureev/randopair/internal/frame"
	"github.com/ashureev/randopair/internal/matcher"
	"github.com/ashureev/randopair/internal/registry"
	"github.com/ashureev/randopair/internal/relay"
	"github.com/ashureev/randopair/internal/session"
	"github.com/ashureev/randopair/internal/store"
	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// maxFrameHardCeiling is the coder/websocket read limit: generous enough
// that an over-size frame (spec.md's 100 000 byte soft limit) still reads
// fully so the server can reply error{code=too_large} without tearing down
// the connection, rather than having the transport abort the read itself.
const maxFrameHardCeiling = 1 << 20 // 1 MiB

// Layer wires the decoded protocol to the matcher, relay, and session
// controller. One Layer serves every connection; per-connection state lives
// in connState.
type Layer struct {
	reg       *registry.Registry
	repo      store.Repository
	matcher   *matcher.Matcher
	relay     *relay.Relay
	sessions  *session.Controller
	validate  *validator.Validate
	maxFrame  int
	heartbeat time.Duration
}

// New creates a Layer. maxFrameBytes and heartbeat come from config
// (spec.md §6.3 MAX_FRAME_BYTES, default 100000; §4.6 ping interval,
// default 30s).
func New(reg *registry.Registry, repo store.Repository, m *matcher.Matcher, r *relay.Relay, sc *session.Controller, maxFrameBytes int, heartbeat time.Duration) *Layer {
	return &Layer{
		reg:       reg,
		repo:      repo,
		matcher:   m,
		relay:     r,
		sessions:  sc,
		validate:  validator.New(),
		maxFrame:  maxFrameBytes,
		heartbeat: heartbeat,
	}
}

// StartHeartbeatSweep runs the registry's ping/timeout sweep until ctx is
// canceled (spec.md §4.6: "starts heartbeat"). A timed-out connection is
// closed and its session cleaned up exactly like any other disconnect.
func (l *Layer) StartHeartbeatSweep(ctx context.Context) {
	l.reg.HeartbeatSweep(ctx, l.heartbeat, func(userID string, conn *registry.Conn) {
		l.sessions.OnConnectionClose(context.Background(), userID)
		l.reg.Unbind(userID, conn)
		_ = conn.Close(registry.CloseNormal, "heartbeat timeout")
	})
}

// connState is the per-connection mutable state threaded through dispatch.
// userID starts empty until a join frame assigns one.
type connState struct {
	conn   *registry.Conn
	ip     string
	userID string
}

// ServeHTTP upgrades the request to a WebSocket, subject to the per-IP
// admission cap, then runs the connection's read loop until it closes.
func (l *Layer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := admission.ClientIP(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Debug("websocket accept failed", "ip", ip, "error", err)
		return
	}

	if !l.reg.Accept(ip) {
		slog.Info("websocket admission refused, IP at connection cap", "ip", ip)
		_ = ws.Close(registry.CloseAdmissionLimit, "connection limit exceeded")
		return
	}

	ws.SetReadLimit(maxFrameHardCeiling)
	conn := registry.NewConn(ws, ip)
	defer l.reg.Release(ip, conn)

	cs := &connState{conn: conn, ip: ip}
	l.runReadLoop(r.Context(), ws, cs)
}

func (l *Layer) runReadLoop(ctx context.Context, ws *websocket.Conn, cs *connState) {
	defer l.onClose(cs)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("websocket read error", "ip", cs.ip, "user_id", cs.userID, "error", err)
			}
			return
		}
		cs.conn.Touch()
		l.handleFrame(ctx, cs, data)
	}
}

// handleFrame decodes and dispatches one inbound frame, recovering from any
// panic in a handler so one connection's bug never affects another
// (spec.md §7's per-connection recover boundary).
func (l *Layer) handleFrame(ctx context.Context, cs *connState, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in frame handler, closing connection", "ip", cs.ip, "user_id", cs.userID, "panic", rec)
			_ = cs.conn.Close(websocket.StatusInternalError, "internal error")
		}
	}()

	if len(data) > l.maxFrame {
		l.replyError(cs, frame.NewError(frame.CodeTooLarge, fmt.Sprintf("frame exceeds %d bytes", l.maxFrame)))
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.replyError(cs, frame.NewError(frame.CodeBadFrame, "malformed JSON"))
		return
	}

	h, ok := dispatch[env.Type]
	if !ok {
		l.replyError(cs, frame.NewError(frame.CodeUnknownType, "unknown frame type: "+env.Type))
		return
	}
	if err := h(l, ctx, cs, data); err != nil {
		l.replyErr(cs, err)
	}
}

type handlerFunc func(l *Layer, ctx context.Context, cs *connState, raw []byte) error

var dispatch = map[string]handlerFunc{
	"join":                 handleJoin,
	"find_match":           handleFindMatch,
	"send_message":         handleSendMessage,
	"typing":               handleTyping,
	"webrtc_offer":         handleSignal("webrtc_offer"),
	"webrtc_answer":        handleSignal("webrtc_answer"),
	"webrtc_ice_candidate": handleSignal("webrtc_ice_candidate"),
	"end_chat":             handleEndChat,
	"next_stranger":        handleNextStranger,
	"get_session_recovery": handleRecoverSession,
	"update_gender":        handleUpdateGender,
	"get_queue_status":     handleGetQueueStatus,
	"message_read":         handleMessageRead,
	"heartbeat":            handleHeartbeat,
	"ping":                 handlePing,
}

func (l *Layer) decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return frame.NewError(frame.CodeBadFrame, "malformed JSON")
	}
	if err := l.validate.Struct(v); err != nil {
		return frame.NewError(frame.CodeBadFrame, err.Error())
	}
	return nil
}

func handleJoin(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	var f joinFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return frame.NewError(frame.CodeBadFrame, "malformed JSON")
	}

	userID := uuid.NewString()
	u := &domain.OnlineUser{
		ID:        userID,
		Interests: f.Interests,
		Gender:    domain.GenderUnset,
		ChatType:  domain.ChatNone,
		LastSeen:  time.Now(),
	}
	if err := l.repo.AddOnlineUser(ctx, u); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	cs.userID = userID
	l.reg.Bind(userID, cs.conn)
	return cs.conn.EnqueueJSON(userJoined{Type: "user_joined", UserID: userID})
}

func handleFindMatch(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	var f findMatchFrame
	if err := l.decode(raw, &f); err != nil {
		return err
	}
	if !requireJoined(cs) {
		return frame.NewError(frame.CodeBadFrame, "join before find_match")
	}
	return l.matcher.RequestMatch(ctx, cs.userID, domain.ChatType(f.ChatType), f.Interests, domain.Gender(f.Gender))
}

func handleSendMessage(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	var f sendMessageFrame
	if err := l.decode(raw, &f); err != nil {
		return err
	}
	if !requireJoined(cs) {
		return frame.NewError(frame.CodeBadFrame, "join before send_message")
	}
	return l.relay.SendMessage(ctx, f.SessionID, cs.userID, f.Content, f.Attachments)
}

func handleTyping(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	var f typingFrame
	if err := l.decode(raw, &f); err != nil {
		return err
	}
	if !requireJoined(cs) {
		return frame.NewError(frame.CodeBadFrame, "join before typing")
	}
	return l.relay.Typing(ctx, f.SessionID, cs.userID, f.IsTyping)
}

func handleSignal(outType string) handlerFunc {
	return func(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
		var f signalFrame
		if err := l.decode(raw, &f); err != nil {
			return err
		}
		if !requireJoined(cs) {
			return frame.NewError(frame.CodeBadFrame, "join before signaling")
		}
		return l.relay.Signal(ctx, f.SessionID, cs.userID, outType, f.Payload)
	}
}

func handleEndChat(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	var f endChatFrame
	if err := l.decode(raw, &f); err != nil {
		return err
	}
	if !requireJoined(cs) {
		return frame.NewError(frame.CodeBadFrame, "join before end_chat")
	}
	return l.sessions.EndChat(ctx, f.SessionID, cs.userID)
}

func handleNextStranger(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	var f nextStrangerFrame
	if err := l.decode(raw, &f); err != nil {
		return err
	}
	if !requireJoined(cs) {
		return frame.NewError(frame.CodeBadFrame, "join before next_stranger")
	}
	return l.sessions.NextStranger(ctx, f.SessionID, cs.userID, domain.ChatType(f.ChatType), f.Interests, domain.Gender(f.Gender))
}

func handleRecoverSession(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	var f recoverSessionFrame
	if err := l.decode(raw, &f); err != nil {
		return err
	}
	if !requireJoined(cs) {
		return frame.NewError(frame.CodeBadFrame, "join before get_session_recovery")
	}
	return l.sessions.RecoverSession(ctx, f.SessionID, cs.userID)
}

func handleUpdateGender(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	var f updateGenderFrame
	if err := l.decode(raw, &f); err != nil {
		return err
	}
	if !requireJoined(cs) {
		return frame.NewError(frame.CodeBadFrame, "join before update_gender")
	}
	return l.sessions.UpdateGender(ctx, cs.userID, f.SessionID, domain.Gender(f.Gender))
}

func handleGetQueueStatus(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	var f queueStatusFrame
	if err := l.decode(raw, &f); err != nil {
		return err
	}
	if !requireJoined(cs) {
		return frame.NewError(frame.CodeBadFrame, "join before get_queue_status")
	}
	status, err := l.matcher.GetQueueStatus(ctx, cs.userID, domain.ChatType(f.ChatType), f.Interests)
	if err != nil {
		return err
	}
	return cs.conn.EnqueueJSON(status)
}

func handleMessageRead(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	var f messageReadFrame
	if err := l.decode(raw, &f); err != nil {
		return err
	}
	if !requireJoined(cs) {
		return frame.NewError(frame.CodeBadFrame, "join before message_read")
	}
	return l.relay.MessageRead(ctx, f.SessionID, cs.userID, f.MessageID)
}

// handleHeartbeat refreshes lastSeen (UpdateOnlineUser always stamps it,
// patch fields all nil) and echoes the timestamp back.
func handleHeartbeat(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	var f heartbeatFrame
	_ = json.Unmarshal(raw, &f) // timestamp is optional; malformed body just echoes zero
	if cs.userID != "" {
		if _, err := l.repo.UpdateOnlineUser(ctx, cs.userID, store.UserPatch{}); err != nil {
			slog.Debug("heartbeat: refresh lastSeen failed", "user_id", cs.userID, "error", err)
		}
	}
	return cs.conn.EnqueueJSON(heartbeatAck{Type: "heartbeat_ack", Timestamp: f.Timestamp})
}

func handlePing(l *Layer, ctx context.Context, cs *connState, raw []byte) error {
	return cs.conn.EnqueueJSON(pong{Type: "pong"})
}

func requireJoined(cs *connState) bool { return cs.userID != "" }

func (l *Layer) replyError(cs *connState, e frame.Error) {
	if err := cs.conn.EnqueueJSON(e); err != nil {
		slog.Warn("failed to send error frame", "ip", cs.ip, "error", err)
	}
}

// replyErr converts a handler's returned error into an outbound error
// frame: frame.Error values pass through verbatim; anything else (store
// failures, etc.) is treated as a transient, retryable condition.
func (l *Layer) replyErr(cs *connState, err error) {
	var fe frame.Error
	if errors.As(err, &fe) {
		l.replyError(cs, fe)
		return
	}
	if errors.Is(err, store.ErrStorageUnavailable) {
		l.replyError(cs, frame.NewError(frame.CodeInternalRetry, "temporarily unavailable, retry"))
		return
	}
	slog.Error("frame handler failed", "ip", cs.ip, "user_id", cs.userID, "error", err)
	l.replyError(cs, frame.NewError(frame.CodeInternalRetry, "internal error, retry"))
}

func (l *Layer) onClose(cs *connState) {
	if cs.userID == "" {
		return
	}
	l.reg.Unbind(cs.userID, cs.conn)
	l.sessions.OnConnectionClose(context.Background(), cs.userID)
}
