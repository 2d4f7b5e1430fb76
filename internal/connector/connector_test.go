package connector

import (
	"testing"
)

func TestPoolGetNonExistent(t *testing.T) {
	pool := NewPool()

	_, err := pool.Get("nonexistent-backend")
	if err == nil {
		t.Fatal("expected error when getting non-existent backend, got nil")
	}

	want := `backend "nonexistent-backend" not connected`
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestPoolAllEmpty(t *testing.T) {
	pool := NewPool()
	if clients := pool.All(); len(clients) != 0 {
		t.Errorf("empty pool returned %d clients, want 0", len(clients))
	}
}

func TestPoolCloseIdempotent(t *testing.T) {
	pool := NewPool()
	if err := pool.Close(); err != nil {
		t.Errorf("first Close error: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestClientCallToolNotConnected(t *testing.T) {
	client := NewClient(ServerConfig{Name: "grid", Transport: "stdio"})

	_, err := client.CallTool(t.Context(), "list_records", nil)
	if err == nil {
		t.Fatal("CallTool on unconnected client should fail")
	}
}

func TestClientConnectUnsupportedTransport(t *testing.T) {
	client := NewClient(ServerConfig{Name: "grid", Transport: "carrier-pigeon"})

	if err := client.Connect(t.Context()); err == nil {
		t.Fatal("Connect with unsupported transport should fail")
	}
}

func TestClientConnectMissingTarget(t *testing.T) {
	tests := []struct {
		name   string
		config ServerConfig
	}{
		{"stdio without command", ServerConfig{Name: "grid", Transport: "stdio"}},
		{"http without url", ServerConfig{Name: "grid", Transport: "http"}},
		{"sse without url", ServerConfig{Name: "grid", Transport: "sse"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewClient(tt.config).Connect(t.Context()); err == nil {
				t.Fatal("Connect without a target should fail")
			}
		})
	}
}
