package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tablerelay/tablerelay/internal/llm"
	"github.com/tablerelay/tablerelay/internal/state"
)

// historyWindow bounds how much transcript is replayed into prompts.
const historyWindow = 5

const analysisSystem = `You analyze inbound messages for a conversational assistant that manages tabular data and messaging on the user's behalf.
Reply with a single JSON object: {"intent": string, "entities": object, "requires_action": boolean, "urgency": "low"|"medium"|"high", "context": string}.
Set requires_action to true only when the message asks for a concrete operation such as reading or changing data, sending a message, or scheduling a task.`

const decisionSystem = `You decide what a conversational assistant should do next.
When a tool fits the user's request, call it. Otherwise answer with the text to send back to the user.`

const recoverySystem = `An assistant step failed. Decide whether to retry.
Reply with a single JSON object: {"should_retry": boolean, "error_message": string, "suggested_action": string}.
error_message is shown to the end user, so keep it short and apologetic.`

const responseSystem = `You write the final reply the assistant sends to the user.
Be concise and conversational. When tool results are present, base the reply on them.`

func buildAnalysisRequest(model string, conv *state.Conversation) llm.ChatRequest {
	var b strings.Builder
	writeHistory(&b, conv)

	fmt.Fprintf(&b, "Current message: %s\n", conv.CurrentMessage)
	if len(conv.AvailableTools) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(conv.AvailableTools, ", "))
	}

	return llm.ChatRequest{
		Model:  model,
		System: analysisSystem,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: b.String()},
		},
	}
}

func buildDecisionRequest(model string, conv *state.Conversation, analysis Analysis, schemas []llm.ToolDefinition) llm.ChatRequest {
	var b strings.Builder
	writeHistory(&b, conv)

	fmt.Fprintf(&b, "Current message: %s\n", conv.CurrentMessage)
	fmt.Fprintf(&b, "Detected intent: %s (urgency %s)\n", analysis.Intent, analysis.Urgency)
	if len(analysis.Entities) > 0 {
		if raw, err := json.Marshal(analysis.Entities); err == nil {
			fmt.Fprintf(&b, "Entities: %s\n", raw)
		}
	}
	if analysis.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", analysis.Context)
	}

	return llm.ChatRequest{
		Model:  model,
		System: decisionSystem,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: b.String()},
		},
		Tools: schemas,
	}
}

func buildRecoveryRequest(model string, conv *state.Conversation) llm.ChatRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "The step failed with: %s\n", conv.LastError)
	fmt.Fprintf(&b, "This is failure %d for the session.\n", conv.ErrorCount)
	if conv.CurrentMessage != "" {
		fmt.Fprintf(&b, "The user asked: %s\n", conv.CurrentMessage)
	}

	return llm.ChatRequest{
		Model:  model,
		System: recoverySystem,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: b.String()},
		},
	}
}

func buildResponseRequest(model string, conv *state.Conversation) llm.ChatRequest {
	var b strings.Builder
	writeHistory(&b, conv)

	if conv.LastDecision != nil && conv.LastDecision.Reasoning != "" {
		fmt.Fprintf(&b, "Decision reasoning: %s\n", conv.LastDecision.Reasoning)
	}
	for name, result := range conv.ToolResults {
		raw, err := json.Marshal(result.Result)
		if err != nil {
			continue
		}
		status := "ok"
		if !result.Success {
			status = "failed"
		}
		fmt.Fprintf(&b, "Tool %s (%s): %s\n", name, status, raw)
	}
	fmt.Fprintf(&b, "Write the reply to the user's latest message: %s\n", conv.CurrentMessage)

	return llm.ChatRequest{
		Model:  model,
		System: responseSystem,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: b.String()},
		},
	}
}

func writeHistory(b *strings.Builder, conv *state.Conversation) {
	recent := conv.RecentHistory(historyWindow)
	if len(recent) == 0 {
		return
	}
	b.WriteString("Recent conversation:\n")
	for _, entry := range recent {
		fmt.Fprintf(b, "  %s: %s\n", entry.Sender, entry.Text)
	}
	b.WriteString("\n")
}
