package workflow

import (
	"testing"

	"github.com/tablerelay/tablerelay/internal/state"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name  string
		after Node
		conv  state.Conversation
		want  Node
	}{
		{
			name:  "authenticate error goes to recovery",
			after: NodeAuthenticate,
			conv:  state.Conversation{Lifecycle: state.LifecycleError},
			want:  NodeHandleError,
		},
		{
			name:  "authenticate with message goes to analysis",
			after: NodeAuthenticate,
			conv:  state.Conversation{Lifecycle: state.LifecycleProcessing, CurrentMessage: "hi"},
			want:  NodeAnalyzeInput,
		},
		{
			name:  "authenticate without message terminates",
			after: NodeAuthenticate,
			conv:  state.Conversation{Lifecycle: state.LifecycleProcessing},
			want:  NodeTerminate,
		},
		{
			name:  "analysis requiring action goes to decision",
			after: NodeAnalyzeInput,
			conv: state.Conversation{
				Lifecycle: state.LifecycleProcessing,
				Metadata:  map[string]interface{}{metaRequiresAction: true},
			},
			want: NodeMakeDecision,
		},
		{
			name:  "analysis without action goes straight to response",
			after: NodeAnalyzeInput,
			conv: state.Conversation{
				Lifecycle: state.LifecycleProcessing,
				Metadata:  map[string]interface{}{metaRequiresAction: false},
			},
			want: NodeGenerateResponse,
		},
		{
			name:  "analysis error goes to recovery",
			after: NodeAnalyzeInput,
			conv:  state.Conversation{Lifecycle: state.LifecycleError},
			want:  NodeHandleError,
		},
		{
			name:  "decision with pending actions executes",
			after: NodeMakeDecision,
			conv: state.Conversation{
				Lifecycle:      state.LifecycleProcessing,
				PendingActions: []state.Action{{Type: state.ActionToolCall}},
			},
			want: NodeExecuteAction,
		},
		{
			name:  "decision without actions responds",
			after: NodeMakeDecision,
			conv:  state.Conversation{Lifecycle: state.LifecycleProcessing},
			want:  NodeGenerateResponse,
		},
		{
			name:  "execute loops while actions remain",
			after: NodeExecuteAction,
			conv: state.Conversation{
				Lifecycle:      state.LifecycleProcessing,
				PendingActions: []state.Action{{Type: state.ActionSendMessage}},
			},
			want: NodeExecuteAction,
		},
		{
			name:  "execute suspends on waiting for input",
			after: NodeExecuteAction,
			conv:  state.Conversation{Lifecycle: state.LifecycleWaitingForInput},
			want:  NodeTerminate,
		},
		{
			name:  "execute drained goes to response",
			after: NodeExecuteAction,
			conv:  state.Conversation{Lifecycle: state.LifecycleProcessing},
			want:  NodeGenerateResponse,
		},
		{
			name:  "execute error goes to recovery",
			after: NodeExecuteAction,
			conv:  state.Conversation{Lifecycle: state.LifecycleError},
			want:  NodeHandleError,
		},
		{
			name:  "recovery retry re-enters analysis",
			after: NodeHandleError,
			conv: state.Conversation{
				Lifecycle:  state.LifecycleProcessing,
				ErrorCount: 1,
				Metadata:   map[string]interface{}{metaRecoveryRetry: true},
			},
			want: NodeAnalyzeInput,
		},
		{
			name:  "recovery retry denied once budget spent",
			after: NodeHandleError,
			conv: state.Conversation{
				Lifecycle:  state.LifecycleError,
				ErrorCount: 3,
				Metadata: map[string]interface{}{
					metaRecoveryRetry:   true,
					MetaResponseMessage: technicalDifficulties,
				},
			},
			want: NodeGenerateResponse,
		},
		{
			name:  "recovery with message responds",
			after: NodeHandleError,
			conv: state.Conversation{
				Lifecycle:  state.LifecycleError,
				ErrorCount: 1,
				Metadata:   map[string]interface{}{MetaResponseMessage: "sorry"},
			},
			want: NodeGenerateResponse,
		},
		{
			name:  "recovery with nothing to say terminates",
			after: NodeHandleError,
			conv:  state.Conversation{Lifecycle: state.LifecycleError, ErrorCount: 1},
			want:  NodeTerminate,
		},
		{
			name:  "response is terminal",
			after: NodeGenerateResponse,
			conv:  state.Conversation{Lifecycle: state.LifecycleIdle},
			want:  NodeTerminate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Route(tt.after, &tt.conv); got != tt.want {
				t.Errorf("Route(%s) = %s, want %s", tt.after, got, tt.want)
			}
		})
	}
}

func TestNodeString(t *testing.T) {
	nodes := []Node{
		NodeTerminate, NodeAuthenticate, NodeAnalyzeInput,
		NodeMakeDecision, NodeExecuteAction, NodeHandleError,
		NodeGenerateResponse,
	}
	seen := make(map[string]bool)
	for _, n := range nodes {
		s := n.String()
		if s == "unknown" || s == "" {
			t.Errorf("node %d has no name", n)
		}
		if seen[s] {
			t.Errorf("duplicate node name %q", s)
		}
		seen[s] = true
	}
	if Node(99).String() != "unknown" {
		t.Error("out-of-range node should stringify as unknown")
	}
}
