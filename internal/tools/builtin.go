package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tablerelay/tablerelay/internal/auth"
)

// Backend names used by the builtin tools.
const (
	BackendGrid = "grid"
	BackendChat = "chat"
)

// Permission strings gating the builtin tools, shared with the whitelist's
// role grants.
const (
	PermGridRead  = auth.PermGridRead
	PermGridWrite = auth.PermGridWrite
	PermChatSend  = auth.PermChatSend
	PermSchedule  = auth.PermSchedule
)

// Caller invokes a named tool on an external backend.
type Caller interface {
	CallTool(ctx context.Context, backend, tool string, args map[string]interface{}) (interface{}, error)
}

// JobScheduler registers named recurring jobs.
type JobScheduler interface {
	RegisterRecurringJob(name, scheduleExpression string, payload map[string]interface{}) error
}

// RegisterBuiltins registers the default tool set: tabular-store CRUD,
// outbound messaging, task scheduling, and local utilities.
func RegisterBuiltins(reg *Registry, backend Caller, sched JobScheduler) {
	reg.Register(Definition{
		Name:        "list_records",
		Category:    CategoryGrid,
		Description: "List records from a table with optional filtering",
		Parameters: map[string]ParamSpec{
			"table_name":     {Type: "string", Required: true, Description: "Name of the table"},
			"filter_formula": {Type: "string", Description: "Filter formula"},
			"max_records":    {Type: "integer", Description: "Maximum number of records to return"},
		},
		RequiredPermissions: []string{PermGridRead},
		Execute:             callBackend(backend, BackendGrid, "list_records"),
	})

	reg.Register(Definition{
		Name:        "get_record",
		Category:    CategoryGrid,
		Description: "Get a specific record by ID",
		Parameters: map[string]ParamSpec{
			"table_name": {Type: "string", Required: true, Description: "Name of the table"},
			"record_id":  {Type: "string", Required: true, Description: "Record ID"},
		},
		RequiredPermissions: []string{PermGridRead},
		Execute:             callBackend(backend, BackendGrid, "get_record"),
	})

	reg.Register(Definition{
		Name:        "create_record",
		Category:    CategoryGrid,
		Description: "Create a new record in a table",
		Parameters: map[string]ParamSpec{
			"table_name": {Type: "string", Required: true, Description: "Name of the table"},
			"fields":     {Type: "object", Required: true, Description: "Record fields"},
		},
		RequiredPermissions: []string{PermGridWrite},
		Execute:             callBackend(backend, BackendGrid, "create_record"),
	})

	reg.Register(Definition{
		Name:        "update_record",
		Category:    CategoryGrid,
		Description: "Update an existing record",
		Parameters: map[string]ParamSpec{
			"table_name": {Type: "string", Required: true, Description: "Name of the table"},
			"record_id":  {Type: "string", Required: true, Description: "Record ID"},
			"fields":     {Type: "object", Required: true, Description: "Fields to update"},
		},
		RequiredPermissions: []string{PermGridWrite},
		Execute:             callBackend(backend, BackendGrid, "update_record"),
	})

	reg.Register(Definition{
		Name:        "search_records",
		Category:    CategoryGrid,
		Description: "Search records in a table using text search",
		Parameters: map[string]ParamSpec{
			"table_name":  {Type: "string", Required: true, Description: "Name of the table"},
			"search_term": {Type: "string", Required: true, Description: "Search term"},
			"fields":      {Type: "array", Description: "Fields to search in"},
		},
		RequiredPermissions: []string{PermGridRead},
		Execute:             callBackend(backend, BackendGrid, "search_records"),
	})

	reg.Register(Definition{
		Name:        "send_message",
		Category:    CategoryChat,
		Description: "Send a text message to a recipient",
		Parameters: map[string]ParamSpec{
			"to":      {Type: "string", Required: true, Description: "Recipient address"},
			"message": {Type: "string", Required: true, Description: "Message text"},
		},
		RequiredPermissions: []string{PermChatSend},
		Execute:             callBackend(backend, BackendChat, "send_text_message"),
	})

	reg.Register(Definition{
		Name:        "send_template",
		Category:    CategoryChat,
		Description: "Send a template message to a recipient",
		Parameters: map[string]ParamSpec{
			"to":            {Type: "string", Required: true, Description: "Recipient address"},
			"template_name": {Type: "string", Required: true, Description: "Template name"},
			"language":      {Type: "string", Required: true, Description: "Language code"},
			"components":    {Type: "array", Description: "Template components"},
		},
		RequiredPermissions: []string{PermChatSend},
		Execute:             callBackend(backend, BackendChat, "send_template_message"),
	})

	reg.Register(Definition{
		Name:        "send_media",
		Category:    CategoryChat,
		Description: "Send media (image, document, audio, video) to a recipient",
		Parameters: map[string]ParamSpec{
			"to":         {Type: "string", Required: true, Description: "Recipient address"},
			"media_type": {Type: "string", Required: true, Description: "Media type"},
			"media_url":  {Type: "string", Required: true, Description: "Media URL"},
			"caption":    {Type: "string", Description: "Media caption"},
			"filename":   {Type: "string", Description: "File name for documents"},
		},
		RequiredPermissions: []string{PermChatSend},
		Execute:             callBackend(backend, BackendChat, "send_media_message"),
	})

	reg.Register(Definition{
		Name:        "schedule_task",
		Category:    CategorySystem,
		Description: "Schedule a named recurring task",
		Parameters: map[string]ParamSpec{
			"task_name":           {Type: "string", Required: true, Description: "Task name"},
			"schedule_expression": {Type: "string", Required: true, Description: "rate(...) or cron(...) expression"},
			"task_description":    {Type: "string", Description: "Task description"},
			"parameters":          {Type: "object", Description: "Task parameters"},
		},
		RequiredPermissions: []string{PermSchedule},
		Execute:             scheduleTask(sched),
	})

	reg.Register(Definition{
		Name:        "format_phone_number",
		Category:    CategoryUtility,
		Description: "Format and validate a phone number",
		Parameters: map[string]ParamSpec{
			"phone_number": {Type: "string", Required: true, Description: "Phone number to format"},
			"country_code": {Type: "string", Description: "Default country code"},
		},
		Execute: formatPhoneNumber,
	})
}

func callBackend(backend Caller, name, tool string) Executor {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return backend.CallTool(ctx, name, tool, params)
	}
}

func scheduleTask(sched JobScheduler) Executor {
	return func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		name, _ := params["task_name"].(string)
		expression, _ := params["schedule_expression"].(string)

		payload := map[string]interface{}{}
		if p, ok := params["parameters"].(map[string]interface{}); ok {
			payload = p
		}
		if desc, ok := params["task_description"].(string); ok && desc != "" {
			payload["description"] = desc
		}

		if err := sched.RegisterRecurringJob(name, expression, payload); err != nil {
			return nil, fmt.Errorf("schedule task %q: %w", name, err)
		}

		return map[string]interface{}{
			"task_name": name,
			"status":    "scheduled",
			"schedule":  expression,
		}, nil
	}
}

var nonDigits = regexp.MustCompile(`\D`)

func formatPhoneNumber(_ context.Context, params map[string]interface{}) (interface{}, error) {
	phone, _ := params["phone_number"].(string)
	country, ok := params["country_code"].(string)
	if !ok || country == "" {
		country = "US"
	}

	digits := nonDigits.ReplaceAllString(phone, "")

	var formatted string
	switch {
	case country == "US" && len(digits) == 10:
		formatted = "+1" + digits
	case strings.HasPrefix(digits, "1") && len(digits) == 11:
		formatted = "+" + digits
	default:
		formatted = "+" + digits
	}

	return map[string]interface{}{
		"original":     phone,
		"formatted":    formatted,
		"country_code": country,
		"is_valid":     len(digits) >= 10,
	}, nil
}
