package providers

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// GeminiLLM generates structured output through Google's Gemini API.
type GeminiLLM struct {
	base
	client *genai.Client
	model  string
}

func NewGeminiLLM(apiKey, model string, clk clock.Clock) (*GeminiLLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiLLM{base: newBase("gemini_llm", clk), client: client, model: model}, nil
}

func (g *GeminiLLM) GenerateStructured(ctx context.Context, req types.LLMRequest) (types.LLMResponse, error) {
	timer := logging.StartTimer(logging.CategoryLLM, "gemini "+req.SchemaName)
	defer timer.Stop()

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return types.LLMResponse{}, g.track(fmt.Errorf("gemini generate: %w", err))
	}

	resp := types.LLMResponse{
		Content: result.Text(),
		Model:   g.model,
	}
	if result.UsageMetadata != nil {
		resp.InputTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	g.track(nil)
	return resp, nil
}
