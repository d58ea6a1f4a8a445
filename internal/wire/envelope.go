package wire

import "github.com/ashureev/randopair/internal/domain"

// envelope peeks only the discriminator field; the kind-specific payload is
// decoded separately once Type is known (spec.md §4.6's two-step decode).
type envelope struct {
	Type string `json:"type"`
}

type joinFrame struct {
	Interests []string `json:"interests"`
}

type findMatchFrame struct {
	ChatType  string   `json:"chatType" validate:"required,oneof=text video"`
	Interests []string `json:"interests"`
	Gender    string   `json:"gender" validate:"omitempty,oneof=male female other unset"`
}

type sendMessageFrame struct {
	SessionID   string              `json:"sessionId" validate:"required"`
	Content     string              `json:"content"`
	Attachments []domain.Attachment `json:"attachments"`
	HasEmoji    bool                `json:"hasEmoji"`
}

type typingFrame struct {
	SessionID string `json:"sessionId" validate:"required"`
	IsTyping  bool   `json:"isTyping"`
}

type signalFrame struct {
	SessionID string `json:"sessionId" validate:"required"`
	Payload   any    `json:"payload"`
}

type endChatFrame struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type nextStrangerFrame struct {
	SessionID string   `json:"sessionId"`
	ChatType  string   `json:"chatType" validate:"required,oneof=text video"`
	Interests []string `json:"interests"`
	Gender    string   `json:"gender" validate:"omitempty,oneof=male female other unset"`
}

type recoverSessionFrame struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type updateGenderFrame struct {
	Gender    string `json:"gender" validate:"required,oneof=male female other unset"`
	SessionID string `json:"sessionId"`
}

type queueStatusFrame struct {
	ChatType  string   `json:"chatType" validate:"required,oneof=text video"`
	Interests []string `json:"interests"`
}

type messageReadFrame struct {
	SessionID string `json:"sessionId" validate:"required"`
	MessageID string `json:"messageId" validate:"required"`
}

type heartbeatFrame struct {
	Timestamp int64 `json:"timestamp"`
}

// outbound frame shapes with no dedicated package.

type userJoined struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type heartbeatAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type pong struct {
	Type string `json:"type"`
}
