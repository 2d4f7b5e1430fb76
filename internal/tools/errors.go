package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrToolNotFound is returned by Invoke for unregistered tool names.
var ErrToolNotFound = errors.New("tool not found")

// PermissionError reports which required permissions the caller lacks.
// The underlying executor is never invoked when this is returned.
type PermissionError struct {
	Tool    string
	Missing []string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("tool %q: missing permissions: %s", e.Tool, strings.Join(e.Missing, ", "))
}

// ParameterError reports required parameters absent from the arguments.
type ParameterError struct {
	Tool    string
	Missing []string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("tool %q: missing required parameters: %s", e.Tool, strings.Join(e.Missing, ", "))
}
