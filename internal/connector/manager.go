package connector

import (
	"context"
	"fmt"
	"log/slog"
)

// Manager routes tool calls to the right backend connection and provides
// the outbound-message path used at the end of every turn.
type Manager struct {
	pool   *Pool
	logger *slog.Logger
}

// NewManager creates a connector manager over the given pool.
func NewManager(pool *Pool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{pool: pool, logger: logger}
}

// ConnectAll connects every configured backend.
func (m *Manager) ConnectAll(ctx context.Context, configs []ServerConfig) error {
	for _, cfg := range configs {
		if _, err := m.pool.Connect(ctx, cfg); err != nil {
			return fmt.Errorf("connect backend %s: %w", cfg.Name, err)
		}
		m.logger.Info("backend connected", "backend", cfg.Name, "transport", cfg.Transport)
	}
	return nil
}

// CallTool invokes a named tool on a named backend.
func (m *Manager) CallTool(ctx context.Context, backend, tool string, args map[string]interface{}) (interface{}, error) {
	client, err := m.pool.Get(backend)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, tool, args)
}

// Send delivers one outbound text message to a user via the chat backend.
func (m *Manager) Send(ctx context.Context, to, text string) error {
	_, err := m.CallTool(ctx, "chat", "send_text_message", map[string]interface{}{
		"to":      to,
		"message": text,
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Close shuts down all backend connections.
func (m *Manager) Close() error {
	return m.pool.Close()
}
