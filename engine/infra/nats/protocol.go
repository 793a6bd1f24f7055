package nats

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/compozy/taskengine/engine/task"
	"github.com/google/uuid"
)

type MessageType string

const (
	TypeActionRequest  MessageType = "ActionRequest"
	TypeActionResponse MessageType = "ActionResponse"
	TypeNotification   MessageType = "Notification"
	TypeError          MessageType = "Error"
)

// Message is the envelope of everything sent over the bus.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewMessage(msgType MessageType, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Message{Type: msgType, Payload: data}, nil
}

func (m *Message) UnmarshalPayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}

type ActionRequest struct {
	ID         string          `json:"id"`
	Invocation task.Invocation `json:"invocation"`
}

func NewActionRequest(inv task.Invocation) *ActionRequest {
	return &ActionRequest{ID: uuid.NewString(), Invocation: inv}
}

type ActionResponse struct {
	RequestID string          `json:"requestID"`
	Result    json.RawMessage `json:"result"`
}

type ErrorMessage struct {
	RequestID string `json:"requestID,omitempty"`
	Message   string `json:"message"`
}

// subjectToken maps an arbitrary id onto a single subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}

// GenActionSubject returns the subject the workers of actionID listen on.
func GenActionSubject(base, actionID string) string {
	return base + "." + subjectToken(actionID)
}

// GenActionWildcard matches every action subject under base.
func GenActionWildcard(base string) string {
	return base + ".>"
}
