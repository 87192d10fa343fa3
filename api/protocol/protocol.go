// Package protocol defines the JSON frames exchanged over the chat
// WebSocket and their validation.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Client frame types.
const (
	TypeWelcome = "welcome"
	TypeInput   = "input"
	TypeAbort   = "abort"
	TypeBye     = "bye"
)

// Server frame types.
const (
	TypeSessionCreated  = "session_created"
	TypeStreamStart     = "stream_start"
	TypeStreamTextDelta = "stream_text_delta"
	TypeStreamDone      = "stream_done"
	TypeError           = "error"
)

// ErrInvalidJSON is returned for frames that are not syntactically valid
// JSON. Its text goes to the client verbatim.
var ErrInvalidJSON = errors.New("invalid JSON")

// ClientMessage is any inbound frame. Content is only meaningful for
// input frames.
type ClientMessage struct {
	Type    string `json:"type" validate:"required,oneof=welcome input abort bye"`
	Content string `json:"content" validate:"required_if=Type input"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseClientMessage decodes and validates an inbound frame. Syntax errors
// yield ErrInvalidJSON; schema errors yield a message joining one
// "<path>: <reason>" line per failed field.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrInvalidJSON
	}

	if err := validate.Struct(&msg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			issues := make([]string, len(verrs))
			for i, fe := range verrs {
				issues[i] = fmt.Sprintf("%s: %s", fe.Field(), reasonFor(fe))
			}
			return nil, errors.New(strings.Join(issues, "\n"))
		}
		return nil, err
	}
	return &msg, nil
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "required"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "invalid"
	}
}

// Server frames.

type SessionCreated struct {
	Type      string `json:"type"`
	SessionID int64  `json:"sessionId"`
}

type StreamStart struct {
	Type string `json:"type"`
}

type StreamTextDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type StreamDone struct {
	Type      string `json:"type"`
	SessionID int64  `json:"sessionId"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewSessionCreated(sessionID int64) SessionCreated {
	return SessionCreated{Type: TypeSessionCreated, SessionID: sessionID}
}

func NewStreamStart() StreamStart {
	return StreamStart{Type: TypeStreamStart}
}

func NewStreamTextDelta(delta string) StreamTextDelta {
	return StreamTextDelta{Type: TypeStreamTextDelta, Delta: delta}
}

func NewStreamDone(sessionID int64) StreamDone {
	return StreamDone{Type: TypeStreamDone, SessionID: sessionID}
}

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}
