// Package frame defines the small set of outbound frame shapes shared
// across matcher, relay, session, and wire — mainly the error envelope,
// which every component can emit (spec.md §7).
package frame

// Error codes used in the error{code,message} envelope (spec.md §6.1, §7).
const (
	CodeBadFrame          = "bad_frame"
	CodeUnknownType       = "unknown_type"
	CodeEmpty             = "empty"
	CodeTooLong           = "too_long"
	CodeTooLarge          = "too_large"
	CodeInappropriate     = "inappropriate"
	CodeSpamRepetition    = "spam_repetition"
	CodeInvalidGender     = "invalid_gender"
	CodeInvalidChatType   = "invalid_chat_type"
	CodeNoSession         = "no_session"
	CodeNotParticipant    = "not_participant"
	CodeSessionEnded      = "session_already_ended"
	CodeInternalRetry     = "internal_retry"
)

// Error is the error{code,message} outbound frame. It also implements the
// error interface so handlers can return it directly; the wire layer sends
// it to the sender verbatim instead of logging it as a failure.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string { return e.Code + ": " + e.Message }

// NewError builds an Error frame with a human-readable message derived from
// code when message is empty.
func NewError(code, message string) Error {
	if message == "" {
		message = code
	}
	return Error{Type: "error", Code: code, Message: message}
}
