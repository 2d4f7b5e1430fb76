package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func echoTool(name string, perms []string, params map[string]ParamSpec) Definition {
	return Definition{
		Name:                name,
		Category:            CategoryUtility,
		Description:         "echoes its arguments",
		Parameters:          params,
		RequiredPermissions: perms,
		Execute: func(_ context.Context, p map[string]interface{}) (interface{}, error) {
			return p, nil
		},
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Invoke(context.Background(), "nope", nil, nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Invoke error = %v, want ErrToolNotFound", err)
	}
}

func TestInvokePermissionDeniedListsMissing(t *testing.T) {
	reg := NewRegistry()
	executed := false
	reg.Register(Definition{
		Name:                "guarded",
		RequiredPermissions: []string{"grid:read", "grid:write"},
		Execute: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			executed = true
			return nil, nil
		},
	})

	_, err := reg.Invoke(context.Background(), "guarded", nil, []string{"grid:read"})

	var permErr *PermissionError
	if !errors.As(err, &permErr) {
		t.Fatalf("Invoke error = %v, want *PermissionError", err)
	}
	if len(permErr.Missing) != 1 || permErr.Missing[0] != "grid:write" {
		t.Errorf("Missing = %v, want [grid:write]", permErr.Missing)
	}
	if executed {
		t.Error("executor ran despite missing permissions")
	}
}

func TestInvokeMissingRequiredParameter(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("echo", nil, map[string]ParamSpec{
		"table_name": {Type: "string", Required: true},
		"optional":   {Type: "string"},
	}))

	_, err := reg.Invoke(context.Background(), "echo", map[string]interface{}{"optional": "x"}, nil)

	var paramErr *ParameterError
	if !errors.As(err, &paramErr) {
		t.Fatalf("Invoke error = %v, want *ParameterError", err)
	}
	if len(paramErr.Missing) != 1 || paramErr.Missing[0] != "table_name" {
		t.Errorf("Missing = %v, want [table_name]", paramErr.Missing)
	}
}

func TestInvokeSuccess(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("echo", nil, map[string]ParamSpec{
		"msg": {Type: "string", Required: true},
	}))

	res, err := reg.Invoke(context.Background(), "echo", map[string]interface{}{"msg": "hi"}, nil)
	if err != nil {
		t.Fatalf("Invoke returned unexpected error: %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false, error = %q", res.Error)
	}
	got, ok := res.Value.(map[string]interface{})
	if !ok || got["msg"] != "hi" {
		t.Errorf("Value = %v, want echoed params", res.Value)
	}
}

func TestInvokeExecutorErrorBecomesFailedResult(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{
		Name: "boom",
		Execute: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("backend unreachable")
		},
	})

	res, err := reg.Invoke(context.Background(), "boom", nil, nil)
	if err != nil {
		t.Fatalf("Invoke returned unexpected error: %v", err)
	}
	if res.Success {
		t.Error("Success = true for failing executor")
	}
	if res.Error != "backend unreachable" {
		t.Errorf("Error = %q, want %q", res.Error, "backend unreachable")
	}
}

func TestInvokeExecutorPanicBecomesFailedResult(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{
		Name: "panics",
		Execute: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			panic("nil map write")
		},
	})

	res, err := reg.Invoke(context.Background(), "panics", nil, nil)
	if err != nil {
		t.Fatalf("Invoke returned unexpected error: %v", err)
	}
	if res.Success {
		t.Error("Success = true for panicking executor")
	}
	if res.Error == "" {
		t.Error("Error is empty, want panic message")
	}
}

func TestAvailableFiltersByPermissionSubset(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("open", nil, nil))
	reg.Register(echoTool("read", []string{"grid:read"}, nil))
	reg.Register(echoTool("write", []string{"grid:read", "grid:write"}, nil))

	tests := []struct {
		perms []string
		want  []string
	}{
		{nil, []string{"open"}},
		{[]string{"grid:read"}, []string{"open", "read"}},
		{[]string{"grid:read", "grid:write"}, []string{"open", "read", "write"}},
	}

	for _, tt := range tests {
		got := reg.Available(tt.perms)
		if len(got) != len(tt.want) {
			t.Errorf("Available(%v) returned %d tools, want %d", tt.perms, len(got), len(tt.want))
			continue
		}
		for i, def := range got {
			if def.Name != tt.want[i] {
				t.Errorf("Available(%v)[%d] = %q, want %q", tt.perms, i, def.Name, tt.want[i])
			}
		}
	}
}

func TestSchemaRequiredFields(t *testing.T) {
	def := echoTool("t", nil, map[string]ParamSpec{
		"a": {Type: "string", Required: true},
		"b": {Type: "integer"},
	})

	schema := def.Schema()
	if schema.Name != "t" {
		t.Errorf("schema name = %q, want %q", schema.Name, "t")
	}

	required, ok := schema.InputSchema["required"].([]string)
	if !ok || len(required) != 1 || required[0] != "a" {
		t.Errorf("required = %v, want [a]", schema.InputSchema["required"])
	}

	props, ok := schema.InputSchema["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("properties missing from schema: %v", schema.InputSchema)
	}
	if _, ok := props["b"]; !ok {
		t.Error("optional parameter b missing from properties")
	}
}

func TestRegisterOverwrites(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{Name: "t", Description: "first"})
	reg.Register(Definition{Name: "t", Description: "second"})

	def, ok := reg.Get("t")
	if !ok {
		t.Fatal("tool t not found")
	}
	if def.Description != "second" {
		t.Errorf("Description = %q, want %q", def.Description, "second")
	}
}
