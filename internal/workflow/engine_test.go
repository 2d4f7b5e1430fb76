package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/tablerelay/tablerelay/internal/auth"
	"github.com/tablerelay/tablerelay/internal/llm"
	"github.com/tablerelay/tablerelay/internal/state"
	"github.com/tablerelay/tablerelay/internal/tools"
)

type staticAuth struct {
	allow bool
	perms []string
}

func (a staticAuth) Authenticate(context.Context, auth.Context) (bool, error) {
	return a.allow, nil
}
func (a staticAuth) Permissions(context.Context, string) ([]string, error) {
	return a.perms, nil
}

type captureMessenger struct {
	mu   sync.Mutex
	sent []string
}

func (m *captureMessenger) Send(_ context.Context, _, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return nil
}

func (m *captureMessenger) last(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no message was sent")
	}
	return m.sent[len(m.sent)-1]
}

func testRegistry(execute tools.Executor) *tools.Registry {
	reg := tools.NewRegistry()
	if execute == nil {
		execute = func(context.Context, map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"status": "ok"}, nil
		}
	}
	reg.Register(tools.Definition{
		Name:                "lookup_record",
		Category:            tools.CategoryGrid,
		Description:         "Look up a record",
		Parameters:          map[string]tools.ParamSpec{"id": {Type: "string", Required: true}},
		RequiredPermissions: []string{"grid:read"},
		Execute:             execute,
	})
	return reg
}

func newTestEngine(client llm.Client, reg *tools.Registry, authn staticAuth, msgr Messenger) (*Engine, *state.Store) {
	store := state.NewStore(nil)
	eng := NewEngine("test-model", client, reg, store, authn, nil, WithMessenger(msgr))
	return eng, store
}

func TestTurnGreeting(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{Content: `{"intent": "greeting", "requires_action": false}`},
		llm.MockResponse{Content: "Hello! How can I help?"},
	)
	msgr := &captureMessenger{}
	eng, store := newTestEngine(client, testRegistry(nil), staticAuth{allow: true}, msgr)

	if _, err := store.Create("s1", "+15551234567", "hello", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	conv, err := store.Get("s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Lifecycle != state.LifecycleIdle {
		t.Errorf("lifecycle = %s, want idle", conv.Lifecycle)
	}
	if got := msgr.last(t); got != "Hello! How can I help?" {
		t.Errorf("sent %q", got)
	}
	if final, _ := conv.Metadata[MetaFinalResponse].(string); final != "Hello! How can I help?" {
		t.Errorf("final_response = %q", final)
	}
	// User message and assistant reply both land in the transcript.
	if len(conv.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(conv.History))
	}
	if conv.History[0].Sender != "+15551234567" || conv.History[1].Sender != "assistant" {
		t.Errorf("history senders %q, %q", conv.History[0].Sender, conv.History[1].Sender)
	}
	if conv.CurrentMessage != "" {
		t.Error("current_message should be cleared at end of turn")
	}
}

func TestTurnWithToolCall(t *testing.T) {
	var executed map[string]interface{}
	reg := testRegistry(func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		executed = params
		return map[string]interface{}{"record": "r-42"}, nil
	})

	client := llm.NewMockClient(
		llm.MockResponse{Content: `{"intent": "lookup", "requires_action": true}`},
		llm.MockResponse{ToolCalls: []llm.ToolCall{{
			ID:        "tc-1",
			Name:      "lookup_record",
			Arguments: map[string]interface{}{"id": "r-42"},
		}}},
		llm.MockResponse{Content: "Record r-42 is here."},
	)
	msgr := &captureMessenger{}
	eng, store := newTestEngine(client, reg, staticAuth{allow: true, perms: []string{"grid:read"}}, msgr)

	if _, err := store.Create("s1", "+15551234567", "find record 42", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if executed == nil {
		t.Fatal("tool executor never ran")
	}
	if executed["id"] != "r-42" {
		t.Errorf("tool got params %v", executed)
	}

	conv, _ := store.Get("s1")
	result, ok := conv.ToolResults["lookup_record"]
	if !ok {
		t.Fatal("tool result not recorded")
	}
	if !result.Success {
		t.Errorf("tool result marked failed: %+v", result)
	}
	if conv.Lifecycle != state.LifecycleIdle {
		t.Errorf("lifecycle = %s, want idle", conv.Lifecycle)
	}
	if got := msgr.last(t); got != "Record r-42 is here." {
		t.Errorf("sent %q", got)
	}
	if conv.LastDecision == nil || len(conv.LastDecision.Actions) != 1 {
		t.Fatalf("decision not recorded: %+v", conv.LastDecision)
	}
	if conv.LastDecision.Actions[0].Type != state.ActionToolCall {
		t.Errorf("decision action type %s", conv.LastDecision.Actions[0].Type)
	}
}

func TestTurnToolFailureRecoversAndRetries(t *testing.T) {
	calls := 0
	reg := testRegistry(func(context.Context, map[string]interface{}) (interface{}, error) {
		calls++
		return nil, errors.New("backend unavailable")
	})

	client := llm.NewMockClient(
		llm.MockResponse{Content: `{"intent": "lookup", "requires_action": true}`},
		llm.MockResponse{ToolCalls: []llm.ToolCall{{
			ID: "tc-1", Name: "lookup_record",
			Arguments: map[string]interface{}{"id": "r-1"},
		}}},
		llm.MockResponse{Content: `{"should_retry": true, "error_message": "retrying"}`},
		llm.MockResponse{Content: `{"intent": "lookup", "requires_action": false}`},
		llm.MockResponse{Content: "Sorry, the data store is unreachable right now."},
	)
	msgr := &captureMessenger{}
	eng, store := newTestEngine(client, reg, staticAuth{allow: true, perms: []string{"grid:read"}}, msgr)

	if _, err := store.Create("s1", "+15551234567", "find record 1", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls != 1 {
		t.Errorf("tool executed %d times, want 1", calls)
	}

	conv, _ := store.Get("s1")
	if conv.Lifecycle != state.LifecycleIdle {
		t.Errorf("lifecycle = %s, want idle", conv.Lifecycle)
	}
	// A clean finish resets the retry budget for the next turn.
	if conv.ErrorCount != 0 {
		t.Errorf("error_count = %d after clean finish, want 0", conv.ErrorCount)
	}
	if got := msgr.last(t); got != "Sorry, the data store is unreachable right now." {
		t.Errorf("sent %q", got)
	}

	result := conv.ToolResults["lookup_record"]
	if result.Success {
		t.Error("failed tool recorded as success")
	}
}

func TestTurnRetryBudgetSuppressesModel(t *testing.T) {
	fail := llm.MockResponse{Error: errors.New("model unavailable")}
	retry := llm.MockResponse{Content: `{"should_retry": true, "error_message": "retrying"}`}

	// Analysis fails three times; recovery approves a retry after the first
	// two. The third failure exhausts the budget, so no recovery call is
	// made and the fixed message goes out without another model round trip.
	client := llm.NewMockClient(fail, retry, fail, retry, fail)
	msgr := &captureMessenger{}
	eng, store := newTestEngine(client, testRegistry(nil), staticAuth{allow: true}, msgr)

	if _, err := store.Create("s1", "+15551234567", "hello", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := msgr.last(t); got != technicalDifficulties {
		t.Errorf("sent %q, want the fixed giveup message", got)
	}
	if n := client.CallCount(); n != 5 {
		t.Errorf("model called %d times, want 5", n)
	}
}

func TestTurnUnauthorizedSender(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{Content: `{"should_retry": false, "error_message": "You are not authorized to use this service."}`},
	)
	msgr := &captureMessenger{}
	eng, store := newTestEngine(client, testRegistry(nil), staticAuth{allow: false}, msgr)

	if _, err := store.Create("s1", "+15550000000", "hello", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := msgr.last(t); got != "You are not authorized to use this service." {
		t.Errorf("sent %q", got)
	}
}

func TestTurnRecoveryCallFailureFallsBack(t *testing.T) {
	// Both the analysis and the recovery call fail; the default non-retry
	// recovery still produces a user-visible apology.
	client := llm.NewMockClient(llm.MockResponse{Error: errors.New("model down")})
	msgr := &captureMessenger{}
	eng, store := newTestEngine(client, testRegistry(nil), staticAuth{allow: true}, msgr)

	if _, err := store.Create("s1", "+15551234567", "hello", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := msgr.last(t); got != DefaultRecovery().ErrorMessage {
		t.Errorf("sent %q, want default recovery apology", got)
	}
}

func TestExecuteActionWaitForInputSuspends(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "unused"})
	eng, store := newTestEngine(client, testRegistry(nil), staticAuth{allow: true}, nil)

	if _, err := store.Create("s1", "+15551234567", "hold on", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !store.Transition("s1", state.LifecycleProcessing) {
		t.Fatal("transition to processing rejected")
	}
	if err := store.EnqueueAction("s1", state.Action{Type: state.ActionWaitForInput}); err != nil {
		t.Fatalf("EnqueueAction: %v", err)
	}

	if err := eng.stepExecuteAction(context.Background(), "s1"); err != nil {
		t.Fatalf("stepExecuteAction: %v", err)
	}

	conv, _ := store.Get("s1")
	if conv.Lifecycle != state.LifecycleWaitingForInput {
		t.Fatalf("lifecycle = %s, want waiting_for_input", conv.Lifecycle)
	}
	if next := Route(NodeExecuteAction, conv); next != NodeTerminate {
		t.Errorf("Route after suspension = %s, want terminate", next)
	}
}

func TestTurnToolHookCountsUsage(t *testing.T) {
	counts := map[string]int{}
	reg := testRegistry(nil)
	client := llm.NewMockClient(
		llm.MockResponse{Content: `{"intent": "lookup", "requires_action": true}`},
		llm.MockResponse{ToolCalls: []llm.ToolCall{{
			ID: "tc-1", Name: "lookup_record",
			Arguments: map[string]interface{}{"id": "r-1"},
		}}},
		llm.MockResponse{Content: "done"},
	)

	store := state.NewStore(nil)
	eng := NewEngine("test-model", client, reg, store, staticAuth{allow: true, perms: []string{"grid:read"}}, nil,
		WithToolHook(func(name string) { counts[name]++ }))

	if _, err := store.Create("s1", "+15551234567", "find it", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if counts["lookup_record"] != 1 {
		t.Errorf("tool hook counts = %v", counts)
	}
}

func TestRunUnknownSession(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "unused"})
	eng, _ := newTestEngine(client, testRegistry(nil), staticAuth{allow: true}, nil)

	if err := eng.Run(context.Background(), "missing"); err == nil {
		t.Fatal("Run on unknown session should fail")
	} else if want := fmt.Sprintf("%v", err); want == "" {
		t.Fatal("empty error message")
	}
}
