// Package model defines the board entities mirrored from the server: tasks,
// agents and activity events, plus the revision marker used to order
// competing updates.
package model

import (
	"fmt"
	"time"
)

// Kind names a resource collection.
type Kind string

const (
	KindTask  Kind = "task"
	KindAgent Kind = "agent"
	KindEvent Kind = "event"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindTask, KindAgent, KindEvent}

func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindAgent, KindEvent:
		return true
	}
	return false
}

// Plural returns the collection name used in API paths ("tasks", "agents", "events").
func (k Kind) Plural() string {
	return string(k) + "s"
}

type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "backlog"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
)

// TaskStatuses is the board column order.
var TaskStatuses = []TaskStatus{
	TaskStatusBacklog,
	TaskStatusInProgress,
	TaskStatusReview,
	TaskStatusDone,
}

func (s TaskStatus) Valid() bool {
	for _, v := range TaskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Label returns the column heading for a status.
func (s TaskStatus) Label() string {
	switch s {
	case TaskStatusBacklog:
		return "Backlog"
	case TaskStatusInProgress:
		return "In Progress"
	case TaskStatusReview:
		return "Review"
	case TaskStatusDone:
		return "Done"
	}
	return string(s)
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type AgentStatus string

const (
	AgentStatusStandby AgentStatus = "standby"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusOffline AgentStatus = "offline"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusStandby, AgentStatusWorking, AgentStatusOffline:
		return true
	}
	return false
}

// Entity is implemented by every mirrored record.
type Entity interface {
	EntityID() string
	EntityKind() Kind
	Rev() Revision
	Validate() error
}

// Task is a card on the board.
type Task struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	Status          TaskStatus   `json:"status"`
	Priority        TaskPriority `json:"priority,omitempty"`
	AssignedAgentID string       `json:"assigned_agent_id,omitempty"`
	WorkspaceID     string       `json:"workspace_id,omitempty"`
	Blockers        string       `json:"blockers,omitempty"`
	DueDate         string       `json:"due_date,omitempty"`
	Revision        int64        `json:"revision,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (t Task) EntityID() string { return t.ID }
func (t Task) EntityKind() Kind { return KindTask }
func (t Task) Rev() Revision    { return Revision{Version: t.Revision, Modified: t.UpdatedAt} }

func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task: missing id")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("task %s: unknown priority %q", t.ID, t.Priority)
	}
	return nil
}

// Blocked reports whether the task carries a non-empty blockers note.
func (t Task) Blocked() bool {
	for _, r := range t.Blockers {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}

// Agent is a human or automated worker shown in the sidebar.
type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Role        string      `json:"role,omitempty"`
	Status      AgentStatus `json:"status"`
	AvatarEmoji string      `json:"avatar_emoji,omitempty"`
	IsMaster    bool        `json:"is_master,omitempty"`
	WorkspaceID string      `json:"workspace_id,omitempty"`
	Revision    int64       `json:"revision,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (a Agent) EntityID() string { return a.ID }
func (a Agent) EntityKind() Kind { return KindAgent }
func (a Agent) Rev() Revision    { return Revision{Version: a.Revision, Modified: a.UpdatedAt} }

func (a Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent: missing id")
	}
	if !a.Status.Valid() {
		return fmt.Errorf("agent %s: unknown status %q", a.ID, a.Status)
	}
	return nil
}

// Event is an immutable activity-feed record.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (e Event) EntityID() string { return e.ID }
func (e Event) EntityKind() Kind { return KindEvent }
func (e Event) Rev() Revision    { return Revision{Modified: e.CreatedAt} }

func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event: missing id")
	}
	if e.Type == "" {
		return fmt.Errorf("event %s: missing type", e.ID)
	}
	return nil
}
