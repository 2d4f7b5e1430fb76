// Package workflow drives a single conversation turn through the agent's
// processing graph: authenticate, analyze, decide, execute, recover, respond.
// Routing between nodes is a pure function of the state each step leaves
// behind, so the graph shape is testable without running any step body.
package workflow

import (
	"github.com/tablerelay/tablerelay/internal/state"
)

// Node identifies one processing step in the workflow graph.
type Node int

const (
	// NodeTerminate ends the current turn.
	NodeTerminate Node = iota
	NodeAuthenticate
	NodeAnalyzeInput
	NodeMakeDecision
	NodeExecuteAction
	NodeHandleError
	NodeGenerateResponse
)

func (n Node) String() string {
	switch n {
	case NodeTerminate:
		return "terminate"
	case NodeAuthenticate:
		return "authenticate"
	case NodeAnalyzeInput:
		return "analyze_input"
	case NodeMakeDecision:
		return "make_decision"
	case NodeExecuteAction:
		return "execute_action"
	case NodeHandleError:
		return "handle_error"
	case NodeGenerateResponse:
		return "generate_response"
	}
	return "unknown"
}

// Metadata keys used by the graph for cross-step signaling.
const (
	// MetaResponseMessage holds response text prepared by an earlier step;
	// GenerateResponse uses it verbatim instead of calling the model.
	MetaResponseMessage = "response_message"
	// MetaFinalResponse holds the text sent to the user this turn.
	MetaFinalResponse = "final_response"
	// MetaPermissions holds the sender's resolved permission set.
	MetaPermissions = "permissions"

	metaAnalysis       = "analysis"
	metaRequiresAction = "requires_action"
	metaRecovery       = "recovery"
	metaRecoveryRetry  = "recovery_retry"
)

// errorRetryLimit is the number of recorded errors after which recovery
// stops consulting the model and gives up with a fixed message.
const errorRetryLimit = 3

// Route decides the next node from the state a step left behind. It is pure:
// it inspects the conversation snapshot and nothing else.
func Route(after Node, conv *state.Conversation) Node {
	switch after {
	case NodeAuthenticate:
		if conv.Lifecycle == state.LifecycleError {
			return NodeHandleError
		}
		if conv.CurrentMessage != "" {
			return NodeAnalyzeInput
		}
		return NodeTerminate

	case NodeAnalyzeInput:
		if conv.Lifecycle == state.LifecycleError {
			return NodeHandleError
		}
		if truthy(conv.Metadata[metaRequiresAction]) {
			return NodeMakeDecision
		}
		return NodeGenerateResponse

	case NodeMakeDecision:
		if conv.Lifecycle == state.LifecycleError {
			return NodeHandleError
		}
		if len(conv.PendingActions) > 0 {
			return NodeExecuteAction
		}
		return NodeGenerateResponse

	case NodeExecuteAction:
		if conv.Lifecycle == state.LifecycleError {
			return NodeHandleError
		}
		if len(conv.PendingActions) > 0 {
			return NodeExecuteAction
		}
		if conv.Lifecycle == state.LifecycleWaitingForInput {
			return NodeTerminate
		}
		return NodeGenerateResponse

	case NodeHandleError:
		if conv.ErrorCount < errorRetryLimit && truthy(conv.Metadata[metaRecoveryRetry]) {
			return NodeAnalyzeInput
		}
		if msg, ok := conv.Metadata[MetaResponseMessage].(string); ok && msg != "" {
			return NodeGenerateResponse
		}
		return NodeTerminate

	case NodeGenerateResponse:
		return NodeTerminate
	}

	return NodeTerminate
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}
