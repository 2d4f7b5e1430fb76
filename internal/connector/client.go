// Package connector manages MCP connections to the external tool backends:
// the tabular data store and the messaging channel.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerConfig holds the configuration for connecting to a backend MCP server.
type ServerConfig struct {
	Name      string   `json:"name" yaml:"name"`
	Transport string   `json:"transport" yaml:"transport"` // "stdio", "http", or "sse"
	Command   string   `json:"command" yaml:"command"`
	Args      []string `json:"args,omitempty" yaml:"args,omitempty"`
	URL       string   `json:"url,omitempty" yaml:"url,omitempty"`
}

// ToolInfo describes a tool exposed by a backend server.
type ToolInfo struct {
	ServerName  string                 `json:"server_name"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Client wraps the MCP SDK client for a single backend connection.
type Client struct {
	config  ServerConfig
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

// NewClient creates a client for the given backend config.
func NewClient(config ServerConfig) *Client {
	return &Client{config: config}
}

// Connect establishes the connection to the backend server.
func (c *Client) Connect(ctx context.Context) error {
	impl := &mcpsdk.Implementation{
		Name:    "tablerelay",
		Version: "0.1.0",
	}
	c.client = mcpsdk.NewClient(impl, nil)

	var transport mcpsdk.Transport
	switch c.config.Transport {
	case "stdio":
		if c.config.Command == "" {
			return fmt.Errorf("backend %s: stdio transport requires a command", c.config.Name)
		}
		cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case "http":
		if c.config.URL == "" {
			return fmt.Errorf("backend %s: http transport requires a url", c.config.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: c.config.URL}
	case "sse":
		if c.config.URL == "" {
			return fmt.Errorf("backend %s: sse transport requires a url", c.config.Name)
		}
		transport = &mcpsdk.SSEClientTransport{Endpoint: c.config.URL}
	default:
		return fmt.Errorf("unsupported transport: %s", c.config.Transport)
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.config.Name, err)
	}
	c.session = session
	return nil
}

// ListTools returns all tools available on this backend.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if c.session == nil {
		return nil, fmt.Errorf("backend %s not connected", c.config.Name)
	}

	var tools []ToolInfo
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list tools on %s: %w", c.config.Name, err)
		}
		schema := make(map[string]interface{})
		if tool.InputSchema != nil {
			schema["type"] = "object"
		}
		tools = append(tools, ToolInfo{
			ServerName:  c.config.Name,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	return tools, nil
}

// CallTool invokes a tool on the backend and decodes its reply.
// Backends answer with text content; JSON replies are decoded into
// structured values, anything else is returned as the raw string.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	if c.session == nil {
		return nil, fmt.Errorf("backend %s not connected", c.config.Name)
	}

	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", name, c.config.Name, err)
	}

	var text string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}

	if result.IsError {
		return nil, fmt.Errorf("tool %s on %s failed: %s", name, c.config.Name, text)
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return text, nil
	}
	return decoded, nil
}

// Close gracefully closes the backend connection.
func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}
