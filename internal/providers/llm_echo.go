package providers

import (
	"context"
	"encoding/json"
	"strings"

	"ciris/internal/clock"
	"ciris/internal/types"
)

// EchoLLM is a deterministic offline model. It answers every schema with a
// safe, well-formed response, which keeps the full pipeline runnable with no
// API key and gives tests reproducible behavior.
type EchoLLM struct {
	base
}

func NewEchoLLM(clk clock.Clock) *EchoLLM {
	return &EchoLLM{base: newBase("echo_llm", clk)}
}

func (e *EchoLLM) GenerateStructured(_ context.Context, req types.LLMRequest) (types.LLMResponse, error) {
	var content string
	switch req.SchemaName {
	case "dma_result":
		content = `{"alignment":0.85,"plausibility":0.85,"domain_fit":0.85,"notes":"echo evaluation"}`
	case "faculty_score":
		// Coherence scores high-is-good; every other faculty scores
		// high-is-bad. Answer each on its safe side.
		if strings.Contains(strings.ToLower(req.System), "coheren") {
			content = `{"score":0.9,"feedback":"echo sees a coherent action"}`
		} else {
			content = `{"score":0.1,"feedback":"echo faculty sees no concern"}`
		}
	case "action_selection":
		content = e.selectAction(req.Prompt)
	default:
		raw, _ := json.Marshal(map[string]string{"echo": req.Prompt})
		content = string(raw)
	}
	e.track(nil)
	return types.LLMResponse{
		Content:      content,
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(content) / 4,
		Model:        "echo",
	}, nil
}

// selectAction answers SPEAK on the first pass and TASK_COMPLETE once the
// prompt shows the agent has already spoken, so every echo-driven task
// terminates in two rounds.
func (e *EchoLLM) selectAction(prompt string) string {
	if strings.Contains(prompt, "Spoke on") {
		return `{"selected_action":"TASK_COMPLETE","rationale":"reply delivered"}`
	}
	params, _ := json.Marshal(types.SpeakParams{Content: "Acknowledged."})
	selection, _ := json.Marshal(map[string]json.RawMessage{
		"selected_action":   json.RawMessage(`"SPEAK"`),
		"action_parameters": params,
		"rationale":         json.RawMessage(`"echo default reply"`),
	})
	return string(selection)
}
