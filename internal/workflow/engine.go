package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tablerelay/tablerelay/internal/auth"
	"github.com/tablerelay/tablerelay/internal/llm"
	"github.com/tablerelay/tablerelay/internal/state"
	"github.com/tablerelay/tablerelay/internal/tools"
)

// technicalDifficulties is sent once the retry budget is exhausted. No
// further model calls are spent on the turn at that point.
const technicalDifficulties = "We're experiencing technical difficulties. Please try again in a few minutes."

// responseFallback is sent when response generation itself fails.
const responseFallback = "I'm sorry, I wasn't able to put together a reply. Please try again."

// maxSteps caps a single turn. The graph cannot loop more than the retry
// budget allows, so hitting this indicates a routing bug.
const maxSteps = 32

// Messenger delivers the final response text to the user.
type Messenger interface {
	Send(ctx context.Context, to, text string) error
}

// Engine executes the workflow graph for one session at a time. It is
// immutable after construction and safe to share across sessions.
type Engine struct {
	model     string
	client    llm.Client
	registry  *tools.Registry
	store     *state.Store
	authn     auth.Authenticator
	messenger Messenger
	onTool    func(name string)
	onError   func()
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMessenger sets the collaborator that delivers responses to the user.
func WithMessenger(m Messenger) Option {
	return func(e *Engine) { e.messenger = m }
}

// WithToolHook registers a callback invoked after every tool execution,
// used for usage accounting.
func WithToolHook(fn func(name string)) Option {
	return func(e *Engine) { e.onTool = fn }
}

// WithErrorHook registers a callback invoked whenever a step failure is
// recorded into a session.
func WithErrorHook(fn func()) Option {
	return func(e *Engine) { e.onError = fn }
}

// NewEngine creates a workflow engine over the given collaborators.
func NewEngine(model string, client llm.Client, registry *tools.Registry, store *state.Store, authn auth.Authenticator, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		model:    model,
		client:   client,
		registry: registry,
		store:    store,
		authn:    authn,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one turn for the session, starting at the Authenticate node
// and following Route until the turn terminates or suspends. Step failures
// are absorbed into session state; the returned error is non-nil only when
// the session itself disappears mid-turn.
func (e *Engine) Run(ctx context.Context, sessionID string) error {
	node := NodeAuthenticate

	for steps := 0; node != NodeTerminate; steps++ {
		if steps >= maxSteps {
			e.logger.Error("workflow exceeded step limit", "session_id", sessionID, "node", node.String())
			e.fail(sessionID, "workflow step limit exceeded")
			return nil
		}

		if err := e.step(ctx, node, sessionID); err != nil {
			return fmt.Errorf("step %s: %w", node, err)
		}

		conv, err := e.store.Get(sessionID)
		if err != nil {
			return fmt.Errorf("route after %s: %w", node, err)
		}

		next := Route(node, conv)
		e.logger.Debug("workflow step complete",
			"session_id", sessionID,
			"node", node.String(),
			"next", next.String(),
			"lifecycle", conv.Lifecycle)
		node = next
	}

	return nil
}

func (e *Engine) step(ctx context.Context, node Node, sessionID string) error {
	switch node {
	case NodeAuthenticate:
		return e.stepAuthenticate(ctx, sessionID)
	case NodeAnalyzeInput:
		return e.stepAnalyzeInput(ctx, sessionID)
	case NodeMakeDecision:
		return e.stepMakeDecision(ctx, sessionID)
	case NodeExecuteAction:
		return e.stepExecuteAction(ctx, sessionID)
	case NodeHandleError:
		return e.stepHandleError(ctx, sessionID)
	case NodeGenerateResponse:
		return e.stepGenerateResponse(ctx, sessionID)
	}
	return fmt.Errorf("unknown node %d", node)
}

// stepAuthenticate verifies the sender and resolves their tool set. On a
// resume the session is already Processing and the Authenticating transition
// is skipped by the lifecycle table.
func (e *Engine) stepAuthenticate(ctx context.Context, sessionID string) error {
	conv, err := e.store.Get(sessionID)
	if err != nil {
		return err
	}

	e.store.Transition(sessionID, state.LifecycleAuthenticating)

	ok, err := e.authn.Authenticate(ctx, auth.NewContext(conv.User, conv.CurrentMessage))
	if err != nil {
		e.fail(sessionID, fmt.Sprintf("authentication: %v", err))
		return nil
	}
	if !ok {
		e.fail(sessionID, fmt.Sprintf("sender %s is not authorized", conv.User))
		return nil
	}

	perms, err := e.authn.Permissions(ctx, conv.User)
	if err != nil {
		e.fail(sessionID, fmt.Sprintf("resolve permissions: %v", err))
		return nil
	}

	defs := e.registry.Available(perms)
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}

	if err := e.store.Update(sessionID, map[string]interface{}{"available_tools": names}); err != nil {
		return err
	}
	if err := e.store.SetMetadata(sessionID, MetaPermissions, perms); err != nil {
		return err
	}

	e.store.Transition(sessionID, state.LifecycleProcessing)
	return nil
}

// stepAnalyzeInput reads the current message into a structured analysis.
// Malformed model output degrades to DefaultAnalysis rather than failing.
func (e *Engine) stepAnalyzeInput(ctx context.Context, sessionID string) error {
	conv, err := e.store.Get(sessionID)
	if err != nil {
		return err
	}

	if conv.CurrentMessage == "" {
		e.fail(sessionID, "no message to analyze")
		return nil
	}

	msgType := conv.MessageType
	if msgType == "" {
		msgType = "text"
	}
	if err := e.store.AppendHistory(sessionID, conv.User, conv.CurrentMessage, msgType, nil); err != nil {
		return err
	}

	resp, err := e.client.Chat(ctx, buildAnalysisRequest(e.model, conv))
	if err != nil {
		e.fail(sessionID, fmt.Sprintf("analyze input: %v", err))
		return nil
	}

	analysis, perr := ParseAnalysis(resp.Content)
	if perr != nil {
		e.logger.Warn("analysis output unparseable, using default",
			"session_id", sessionID, "error", perr)
		analysis = DefaultAnalysis()
	}

	if err := e.store.SetMetadata(sessionID, metaAnalysis, analysis); err != nil {
		return err
	}
	return e.store.SetMetadata(sessionID, metaRequiresAction, analysis.RequiresAction)
}

// stepMakeDecision asks the model what to do, with the sender's tool schemas
// attached. A tool call maps to a tool_call action; plain text maps to a
// send_message action. The decision always carries exactly one action.
func (e *Engine) stepMakeDecision(ctx context.Context, sessionID string) error {
	conv, err := e.store.Get(sessionID)
	if err != nil {
		return err
	}

	analysis := analysisFromMeta(conv)
	schemas := e.registry.Schemas(permissionsFromMeta(conv))

	resp, err := e.client.Chat(ctx, buildDecisionRequest(e.model, conv, analysis, schemas))
	if err != nil {
		e.fail(sessionID, fmt.Sprintf("make decision: %v", err))
		return nil
	}

	var action state.Action
	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0]
		action = state.Action{
			Type:       state.ActionToolCall,
			ToolName:   tc.Name,
			Parameters: tc.Arguments,
			Reasoning:  resp.Content,
		}
	} else {
		text := resp.Content
		if text == "" {
			text = responseFallback
		}
		action = state.Action{
			Type:       state.ActionSendMessage,
			Parameters: map[string]interface{}{"message": text},
			Reasoning:  resp.Content,
		}
	}

	decision := state.Decision{
		Reasoning:  resp.Content,
		Confidence: 1,
		Actions:    []state.Action{action},
	}
	if err := e.store.RecordDecision(sessionID, decision); err != nil {
		return err
	}
	return e.store.EnqueueAction(sessionID, action)
}

// stepExecuteAction pops one pending action and performs it. Tool failures
// move the session to Error; wait_for_input suspends the turn.
func (e *Engine) stepExecuteAction(ctx context.Context, sessionID string) error {
	conv, err := e.store.Get(sessionID)
	if err != nil {
		return err
	}

	e.store.Transition(sessionID, state.LifecycleExecutingTask)

	action, err := e.store.DequeueAction(sessionID)
	if err != nil {
		return err
	}
	if action == nil {
		e.store.Transition(sessionID, state.LifecycleProcessing)
		return nil
	}

	switch action.Type {
	case state.ActionToolCall:
		result, err := e.registry.Invoke(ctx, action.ToolName, action.Parameters, permissionsFromMeta(conv))
		if err != nil {
			if rerr := e.store.RecordToolResult(sessionID, action.ToolName, err.Error(), false); rerr != nil {
				return rerr
			}
			e.fail(sessionID, fmt.Sprintf("tool %s: %v", action.ToolName, err))
			return nil
		}

		if e.onTool != nil {
			e.onTool(action.ToolName)
		}

		if rerr := e.store.RecordToolResult(sessionID, action.ToolName, result.Value, result.Success); rerr != nil {
			return rerr
		}
		if !result.Success {
			e.fail(sessionID, fmt.Sprintf("tool %s: %s", action.ToolName, result.Error))
			return nil
		}
		e.store.Transition(sessionID, state.LifecycleProcessing)

	case state.ActionSendMessage:
		text, _ := action.Parameters["message"].(string)
		if err := e.store.SetMetadata(sessionID, MetaResponseMessage, text); err != nil {
			return err
		}
		e.store.Transition(sessionID, state.LifecycleProcessing)

	case state.ActionWaitForInput:
		e.store.Transition(sessionID, state.LifecycleWaitingForInput)

	default:
		e.fail(sessionID, fmt.Sprintf("unknown action type %q", action.Type))
	}

	return nil
}

// stepHandleError decides between retrying the turn and apologizing. Once
// the retry budget is spent the fixed message goes out without consulting
// the model again.
func (e *Engine) stepHandleError(ctx context.Context, sessionID string) error {
	conv, err := e.store.Get(sessionID)
	if err != nil {
		return err
	}

	if err := e.store.DeleteMetadata(sessionID, metaRecoveryRetry); err != nil {
		return err
	}

	if conv.ErrorCount >= errorRetryLimit {
		e.logger.Warn("retry budget exhausted, giving up",
			"session_id", sessionID, "error_count", conv.ErrorCount)
		return e.store.SetMetadata(sessionID, MetaResponseMessage, technicalDifficulties)
	}

	recovery := DefaultRecovery()
	resp, err := e.client.Chat(ctx, buildRecoveryRequest(e.model, conv))
	if err != nil {
		e.logger.Warn("recovery call failed, using default",
			"session_id", sessionID, "error", err)
	} else if parsed, perr := ParseRecovery(resp.Content); perr != nil {
		e.logger.Warn("recovery output unparseable, using default",
			"session_id", sessionID, "error", perr)
	} else {
		recovery = parsed
	}

	if err := e.store.SetMetadata(sessionID, metaRecovery, recovery); err != nil {
		return err
	}

	if recovery.ShouldRetry && e.store.Transition(sessionID, state.LifecycleProcessing) {
		return e.store.SetMetadata(sessionID, metaRecoveryRetry, true)
	}

	return e.store.SetMetadata(sessionID, MetaResponseMessage, recovery.ErrorMessage)
}

// stepGenerateResponse produces the turn's outbound text, delivers it, and
// returns the session to Idle. Reaching Idle here resets the error budget,
// so each turn gets a fresh set of retries.
func (e *Engine) stepGenerateResponse(ctx context.Context, sessionID string) error {
	conv, err := e.store.Get(sessionID)
	if err != nil {
		return err
	}

	text, _ := conv.Metadata[MetaResponseMessage].(string)
	if text == "" {
		resp, err := e.client.Chat(ctx, buildResponseRequest(e.model, conv))
		switch {
		case err != nil:
			e.logger.Error("response generation failed, using fallback",
				"session_id", sessionID, "error", err)
			text = responseFallback
		case resp.Content == "":
			text = responseFallback
		default:
			text = resp.Content
		}
	}

	if err := e.store.AppendHistory(sessionID, "assistant", text, "text", nil); err != nil {
		return err
	}
	if err := e.store.SetMetadata(sessionID, MetaFinalResponse, text); err != nil {
		return err
	}
	for _, key := range []string{MetaResponseMessage, metaRequiresAction, metaRecoveryRetry} {
		if err := e.store.DeleteMetadata(sessionID, key); err != nil {
			return err
		}
	}
	if err := e.store.Update(sessionID, map[string]interface{}{"current_message": ""}); err != nil {
		return err
	}

	if e.messenger != nil {
		if err := e.messenger.Send(ctx, conv.User, text); err != nil {
			e.logger.Error("response delivery failed",
				"session_id", sessionID, "user", conv.User, "error", err)
		}
	}

	if !e.store.Transition(sessionID, state.LifecycleIdle) {
		if err := e.store.SetLifecycle(sessionID, state.LifecycleIdle); err != nil {
			return err
		}
	}
	return e.store.ClearErrors(sessionID)
}

// fail records the error and moves the session to Error so routing enters
// recovery.
func (e *Engine) fail(sessionID, message string) {
	if e.onError != nil {
		e.onError()
	}
	if err := e.store.RecordError(sessionID, message); err != nil {
		e.logger.Error("record error failed", "session_id", sessionID, "error", err)
		return
	}
	if !e.store.Transition(sessionID, state.LifecycleError) {
		if err := e.store.SetLifecycle(sessionID, state.LifecycleError); err != nil {
			e.logger.Error("force error lifecycle failed", "session_id", sessionID, "error", err)
		}
	}
}

func analysisFromMeta(conv *state.Conversation) Analysis {
	if a, ok := conv.Metadata[metaAnalysis].(Analysis); ok {
		return a
	}
	return DefaultAnalysis()
}

func permissionsFromMeta(conv *state.Conversation) []string {
	if perms, ok := conv.Metadata[MetaPermissions].([]string); ok {
		return perms
	}
	return nil
}
