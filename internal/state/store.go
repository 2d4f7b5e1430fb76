package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a session ID is not active in the store.
	ErrNotFound = errors.New("session not found")

	// ErrDuplicateSession is returned by Create when the session ID is
	// already active. Existing sessions are never silently overwritten.
	ErrDuplicateSession = errors.New("session already exists")
)

// entry pairs a conversation with its own lock so that sessions can be
// mutated independently. The outer map lock is held only for insert,
// remove, and lookup, never across a per-session operation.
type entry struct {
	mu   sync.Mutex
	conv *Conversation
}

// Store tracks every active conversation, keyed by session ID.
// All per-session operations are atomic: two updates to the same session
// never interleave, while operations on different sessions proceed in parallel.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	logger   *slog.Logger
}

// NewStore creates an empty conversation store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*entry),
		logger:   logger,
	}
}

// Create registers a new conversation in Idle state.
// The initial message, if any, is staged as the current message but not yet
// appended to history; the analysis step appends it when the turn runs.
func (s *Store) Create(sessionID, user, initialMessage string, context map[string]interface{}) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; ok {
		return nil, fmt.Errorf("create session %q: %w", sessionID, ErrDuplicateSession)
	}

	now := time.Now().UTC()
	conv := &Conversation{
		SessionID:      sessionID,
		User:           user,
		Lifecycle:      LifecycleIdle,
		History:        []HistoryEntry{},
		CurrentMessage: initialMessage,
		PendingActions: []Action{},
		ToolResults:    make(map[string]ToolResult),
		Metadata:       make(map[string]interface{}),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if initialMessage != "" {
		conv.MessageType = "text"
	}
	for k, v := range context {
		conv.Metadata[k] = v
	}

	s.sessions[sessionID] = &entry{conv: conv}
	s.logger.Info("session created", "session_id", sessionID, "user", user)
	return conv.clone(), nil
}

// Get returns a snapshot of the conversation.
func (s *Store) Get(sessionID string) (*Conversation, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.clone(), nil
}

// Update applies field-level overwrites by name. Unknown field names are
// logged and ignored rather than rejected, so partial updates from loosely
// typed callers cannot fail a turn.
func (s *Store) Update(sessionID string, fields map[string]interface{}) error {
	return s.with(sessionID, func(c *Conversation) {
		for name, value := range fields {
			switch name {
			case "current_message":
				if v, ok := value.(string); ok {
					c.CurrentMessage = v
				}
			case "message_type":
				if v, ok := value.(string); ok {
					c.MessageType = v
				}
			case "lifecycle":
				switch v := value.(type) {
				case Lifecycle:
					c.Lifecycle = v
				case string:
					c.Lifecycle = Lifecycle(v)
				}
			case "available_tools":
				if v, ok := value.([]string); ok {
					c.AvailableTools = v
				}
			case "last_error":
				if v, ok := value.(string); ok {
					c.LastError = v
				}
			case "metadata":
				if v, ok := value.(map[string]interface{}); ok {
					for k, mv := range v {
						c.Metadata[k] = mv
					}
				}
			default:
				s.logger.Warn("ignoring unknown state field", "session_id", sessionID, "field", name)
			}
		}
	})
}

// Transition moves the session to a new lifecycle state if the transition
// table allows it. It reports success; an illegal transition leaves the
// state unchanged and returns false, never an error.
func (s *Store) Transition(sessionID string, to Lifecycle) bool {
	ok := false
	err := s.with(sessionID, func(c *Conversation) {
		if !CanTransition(c.Lifecycle, to) {
			s.logger.Warn("rejected lifecycle transition",
				"session_id", sessionID, "from", c.Lifecycle, "to", to)
			return
		}
		c.Lifecycle = to
		ok = true
	})
	return err == nil && ok
}

// SetLifecycle force-sets the lifecycle without consulting the transition
// table. Reserved for store-internal recovery paths; workflow code must use
// Transition.
func (s *Store) SetLifecycle(sessionID string, to Lifecycle) error {
	return s.with(sessionID, func(c *Conversation) {
		c.Lifecycle = to
	})
}

// AppendHistory adds a message to the conversation transcript.
func (s *Store) AppendHistory(sessionID, sender, text, msgType string, metadata map[string]interface{}) error {
	return s.with(sessionID, func(c *Conversation) {
		c.History = append(c.History, HistoryEntry{
			Timestamp: time.Now().UTC(),
			Sender:    sender,
			Text:      text,
			Type:      msgType,
			Metadata:  metadata,
		})
	})
}

// EnqueueAction appends an action to the pending queue.
func (s *Store) EnqueueAction(sessionID string, action Action) error {
	return s.with(sessionID, func(c *Conversation) {
		c.PendingActions = append(c.PendingActions, action)
	})
}

// DequeueAction pops the oldest pending action. Returns nil when the queue
// is empty. Dequeue order is strictly FIFO.
func (s *Store) DequeueAction(sessionID string) (*Action, error) {
	var out *Action
	err := s.with(sessionID, func(c *Conversation) {
		if len(c.PendingActions) == 0 {
			return
		}
		a := c.PendingActions[0]
		c.PendingActions = c.PendingActions[1:]
		out = &a
	})
	return out, err
}

// RecordDecision stores the most recent decision.
func (s *Store) RecordDecision(sessionID string, d Decision) error {
	return s.with(sessionID, func(c *Conversation) {
		c.LastDecision = &d
	})
}

// RecordToolResult stores the latest result for a tool, replacing any prior one.
func (s *Store) RecordToolResult(sessionID, toolName string, result interface{}, success bool) error {
	return s.with(sessionID, func(c *Conversation) {
		c.ToolResults[toolName] = ToolResult{
			Result:    result,
			Success:   success,
			Timestamp: time.Now().UTC(),
		}
	})
}

// RecordError increments the error counter and remembers the message.
func (s *Store) RecordError(sessionID, message string) error {
	return s.with(sessionID, func(c *Conversation) {
		c.ErrorCount++
		c.LastError = message
		s.logger.Error("session error recorded",
			"session_id", sessionID, "error", message, "error_count", c.ErrorCount)
	})
}

// ClearErrors resets the error counter and last error.
func (s *Store) ClearErrors(sessionID string) error {
	return s.with(sessionID, func(c *Conversation) {
		c.ErrorCount = 0
		c.LastError = ""
	})
}

// SetMetadata writes a single metadata key.
func (s *Store) SetMetadata(sessionID, key string, value interface{}) error {
	return s.with(sessionID, func(c *Conversation) {
		c.Metadata[key] = value
	})
}

// DeleteMetadata removes a single metadata key.
func (s *Store) DeleteMetadata(sessionID, key string) error {
	return s.with(sessionID, func(c *Conversation) {
		delete(c.Metadata, key)
	})
}

// Remove deletes the session record entirely.
func (s *Store) Remove(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	s.logger.Info("session removed", "session_id", sessionID)
	return true
}

// SessionIDs returns the IDs of all active sessions.
func (s *Store) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of active sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Summarize returns a read-only projection of the session.
func (s *Store) Summarize(sessionID string) (*Summary, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conv
	return &Summary{
		SessionID:      c.SessionID,
		User:           c.User,
		Lifecycle:      c.Lifecycle,
		MessageCount:   len(c.History),
		PendingActions: len(c.PendingActions),
		ErrorCount:     c.ErrorCount,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}, nil
}

func (s *Store) lookup(sessionID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	return e, nil
}

// with runs fn under the session's lock and bumps UpdatedAt.
func (s *Store) with(sessionID string, fn func(*Conversation)) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.conv)
	e.conv.UpdatedAt = time.Now().UTC()
	return nil
}
