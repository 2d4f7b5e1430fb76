// Package state holds per-session conversation state and the lifecycle
// state machine that governs it.
package state

import (
	"time"
)

// Lifecycle represents the processing state of a conversation session.
type Lifecycle string

const (
	LifecycleIdle            Lifecycle = "idle"
	LifecycleAuthenticating  Lifecycle = "authenticating"
	LifecycleProcessing      Lifecycle = "processing"
	LifecycleExecutingTask   Lifecycle = "executing_task"
	LifecycleWaitingForInput Lifecycle = "waiting_for_input"
	LifecycleError           Lifecycle = "error"
)

// transitions is the adjacency table of allowed lifecycle transitions.
// A transition absent from this table is rejected.
var transitions = map[Lifecycle][]Lifecycle{
	LifecycleIdle:            {LifecycleProcessing, LifecycleAuthenticating, LifecycleError},
	LifecycleAuthenticating:  {LifecycleProcessing, LifecycleIdle, LifecycleError},
	LifecycleProcessing:      {LifecycleExecutingTask, LifecycleWaitingForInput, LifecycleIdle, LifecycleError},
	LifecycleExecutingTask:   {LifecycleProcessing, LifecycleWaitingForInput, LifecycleIdle, LifecycleError},
	LifecycleWaitingForInput: {LifecycleProcessing, LifecycleIdle, LifecycleError},
	LifecycleError:           {LifecycleIdle, LifecycleProcessing},
}

// CanTransition reports whether the lifecycle state machine allows
// moving from one state to another.
func CanTransition(from, to Lifecycle) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ActionType identifies what kind of action the agent decided to take.
type ActionType string

const (
	ActionToolCall     ActionType = "tool_call"
	ActionSendMessage  ActionType = "send_message"
	ActionWaitForInput ActionType = "wait_for_input"
)

// Action is a single unit of work queued for execution.
type Action struct {
	Type       ActionType             `json:"type"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Reasoning  string                 `json:"reasoning,omitempty"`
}

// Decision records the outcome of a single decision step.
type Decision struct {
	Reasoning  string                 `json:"reasoning"`
	Confidence float64                `json:"confidence"`
	Actions    []Action               `json:"actions"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolResult is the most recent result of a tool, kept per tool name.
type ToolResult struct {
	Result    interface{} `json:"result"`
	Success   bool        `json:"success"`
	Timestamp time.Time   `json:"timestamp"`
}

// HistoryEntry is a single message in the conversation transcript.
type HistoryEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Sender    string                 `json:"sender"`
	Text      string                 `json:"text"`
	Type      string                 `json:"type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Conversation is the full mutable state of one session. It is owned by the
// Store while active; callers receive snapshots, never the live record.
type Conversation struct {
	SessionID      string                 `json:"session_id"`
	User           string                 `json:"user"`
	Lifecycle      Lifecycle              `json:"lifecycle"`
	History        []HistoryEntry         `json:"history"`
	CurrentMessage string                 `json:"current_message,omitempty"`
	MessageType    string                 `json:"message_type,omitempty"`
	PendingActions []Action               `json:"pending_actions"`
	LastDecision   *Decision              `json:"last_decision,omitempty"`
	AvailableTools []string               `json:"available_tools,omitempty"`
	ToolResults    map[string]ToolResult  `json:"tool_results"`
	ErrorCount     int                    `json:"error_count"`
	LastError      string                 `json:"last_error,omitempty"`
	Metadata       map[string]interface{} `json:"metadata"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// RecentHistory returns up to the last n history entries.
func (c *Conversation) RecentHistory(n int) []HistoryEntry {
	if n <= 0 || len(c.History) <= n {
		return c.History
	}
	return c.History[len(c.History)-n:]
}

// clone returns a deep copy safe to hand outside the store.
func (c *Conversation) clone() *Conversation {
	out := *c

	out.History = make([]HistoryEntry, len(c.History))
	copy(out.History, c.History)

	out.PendingActions = make([]Action, len(c.PendingActions))
	copy(out.PendingActions, c.PendingActions)

	out.AvailableTools = make([]string, len(c.AvailableTools))
	copy(out.AvailableTools, c.AvailableTools)

	out.ToolResults = make(map[string]ToolResult, len(c.ToolResults))
	for k, v := range c.ToolResults {
		out.ToolResults[k] = v
	}

	out.Metadata = make(map[string]interface{}, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}

	if c.LastDecision != nil {
		d := *c.LastDecision
		out.LastDecision = &d
	}

	return &out
}

// Summary is a read-only projection of a session for status reporting.
type Summary struct {
	SessionID      string    `json:"session_id"`
	User           string    `json:"user"`
	Lifecycle      Lifecycle `json:"lifecycle"`
	MessageCount   int       `json:"message_count"`
	PendingActions int       `json:"pending_actions"`
	ErrorCount     int       `json:"error_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
