package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/syncerr"
)

// TypePing marks heartbeat messages. They keep the connection alive and are
// never merged.
const TypePing = "ping"

// Message is one decoded push message.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// payload is the body carried by domain messages. Task and Agent hold the
// full entity when the server includes it.
type payload struct {
	Task    *model.Task  `json:"task,omitempty"`
	Agent   *model.Agent `json:"agent,omitempty"`
	TaskID  string       `json:"task_id,omitempty"`
	AgentID string       `json:"agent_id,omitempty"`
	Message string       `json:"message,omitempty"`
}

const messageSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"payload": {"type": ["object", "null"]},
		"createdAt": {"type": "string", "minLength": 1}
	},
	"if": {"properties": {"type": {"const": "ping"}}},
	"else": {"required": ["id", "createdAt"]}
}`

// Validator checks raw push frames against the message schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the push message schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(messageSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal message schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("message.json", doc); err != nil {
		return nil, fmt.Errorf("add message schema: %w", err)
	}
	schema, err := c.Compile("message.json")
	if err != nil {
		return nil, fmt.Errorf("compile message schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate reports whether data is a structurally valid push message.
func (v *Validator) Validate(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// decodeMessage validates and parses a frame. Any failure is a
// MalformedMessageError carrying the message id when one could be read.
func decodeMessage(v *Validator, data []byte) (Message, payload, error) {
	var msg Message
	if v != nil {
		if err := v.Validate(data); err != nil {
			return msg, payload{}, &syncerr.MalformedMessageError{ID: peekID(data), Err: err}
		}
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, payload{}, &syncerr.MalformedMessageError{ID: peekID(data), Err: err}
	}
	if msg.Type == TypePing {
		return msg, payload{}, nil
	}
	if msg.ID == "" || msg.Type == "" {
		return msg, payload{}, &syncerr.MalformedMessageError{ID: msg.ID, Err: fmt.Errorf("missing id or type")}
	}

	var p payload
	if len(msg.Payload) > 0 && !bytes.Equal(msg.Payload, []byte("null")) {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return msg, p, &syncerr.MalformedMessageError{ID: msg.ID, Err: fmt.Errorf("payload: %w", err)}
		}
	}
	if p.Task != nil && !isDeletion(msg.Type) {
		if err := p.Task.Validate(); err != nil {
			return msg, p, &syncerr.MalformedMessageError{ID: msg.ID, Err: err}
		}
	}
	if p.Agent != nil && !isDeletion(msg.Type) {
		if err := p.Agent.Validate(); err != nil {
			return msg, p, &syncerr.MalformedMessageError{ID: msg.ID, Err: err}
		}
	}
	return msg, p, nil
}

func peekID(data []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.ID
}

func isDeletion(msgType string) bool {
	return strings.HasSuffix(msgType, "_deleted")
}

// toEvent builds the activity-feed record for a domain message.
func toEvent(msg Message, p payload) model.Event {
	ev := model.Event{
		ID:        msg.ID,
		Type:      msg.Type,
		TaskID:    p.TaskID,
		AgentID:   p.AgentID,
		Message:   p.Message,
		CreatedAt: msg.CreatedAt,
	}
	if ev.TaskID == "" && p.Task != nil {
		ev.TaskID = p.Task.ID
	}
	if ev.AgentID == "" && p.Agent != nil {
		ev.AgentID = p.Agent.ID
	}
	if ev.AgentID == "" && p.Task != nil {
		ev.AgentID = p.Task.AssignedAgentID
	}
	return ev
}
