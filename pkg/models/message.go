package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Recipient identifies which side of the prompt channel a message targets.
type Recipient string

const (
	RecipientAgent      Recipient = "agent"
	RecipientUserDevice Recipient = "user_device"
)

// MessageType distinguishes the envelope kinds carried on the prompt channel.
type MessageType string

const (
	TypeNewPrompt     MessageType = "new_prompt"
	TypeAgentResponse MessageType = "agent_response"
)

// Role indicates the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Envelope is the wire format for every message on the prompt channel.
// The core only acts on envelopes addressed to the agent with type
// new_prompt; everything else is ignored.
type Envelope struct {
	ID        string      `json:"id,omitempty"`
	Recipient Recipient   `json:"recipient"`
	Type      MessageType `json:"type"`
	Payload   Payload     `json:"payload"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// Payload carries the conversation identifier and prompt text for both
// inbound prompts and outbound responses.
type Payload struct {
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
}

// NewResponse builds an outbound agent_response envelope echoing the
// conversation id.
func NewResponse(conversationID, text string) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Recipient: RecipientUserDevice,
		Type:      TypeAgentResponse,
		Payload: Payload{
			ConversationID: conversationID,
			Prompt:         text,
		},
		Timestamp: time.Now().Unix(),
	}
}

// IsPrompt reports whether the envelope is an inbound prompt the core
// should handle.
func (e *Envelope) IsPrompt() bool {
	return e.Recipient == RecipientAgent && e.Type == TypeNewPrompt
}

// Turn is one entry in a conversation's message history.
type Turn struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolCall represents the model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution, keyed by the
// model's tool-use id. Exactly one of Content or Image is populated.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	Image      *Image `json:"image,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Image is a richer tool-result variant the completion service treats as
// visual input.
type Image struct {
	MediaType string `json:"media_type"`
	DataB64   string `json:"data_b64"`
}
