package translator

import (
	"encoding/json"
	"fmt"

	"github.com/nullstream/gemini-gateway/internal/domain"
)

// OpenAIRequestToInternal decodes and translates an OpenAI
// chat/completions request body into the surface-agnostic ChatRequest.
func OpenAIRequestToInternal(body []byte, modelMapping map[string]string, defaultUpstream string) (domain.ChatRequest, error) {
	var req OpenAIChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return domain.ChatRequest{}, domain.NewError(domain.KindValidationError, "invalid JSON body", err)
	}
	if req.Model == "" {
		return domain.ChatRequest{}, domain.NewError(domain.KindValidationError, "model is required", nil)
	}
	if len(req.Messages) == 0 {
		return domain.ChatRequest{}, domain.NewError(domain.KindValidationError, "messages must not be empty", nil)
	}

	messages := make([]domain.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role, err := validRole(m.Role)
		if err != nil {
			return domain.ChatRequest{}, err
		}
		msg := domain.Message{
			Role:       role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: domain.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	out := domain.ChatRequest{
		Model:    ResolveModel(req.Model, modelMapping, defaultUpstream),
		Messages: messages,
		Stream:   req.Stream,
		Generation: domain.GenerationParams{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			Stop:            req.Stop,
		},
	}

	if req.ResponseFormat != nil {
		out.Generation.ResponseFormat = req.ResponseFormat.Type
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, domain.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	if choice := parseToolChoice(req.ToolChoice); choice != nil {
		out.ToolChoice = choice
	}

	return out, nil
}

func validRole(role string) (domain.Role, error) {
	switch domain.Role(role) {
	case domain.RoleSystem, domain.RoleUser, domain.RoleAssistant, domain.RoleTool:
		return domain.Role(role), nil
	default:
		return "", domain.NewError(domain.KindValidationError, fmt.Sprintf("invalid message role %q", role), nil)
	}
}

func parseToolChoice(raw any) *domain.ToolChoice {
	switch v := raw.(type) {
	case string:
		switch v {
		case "none":
			return &domain.ToolChoice{Mode: "none"}
		case "required":
			return &domain.ToolChoice{Mode: "required"}
		case "auto":
			return &domain.ToolChoice{Mode: "auto"}
		}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				return &domain.ToolChoice{Mode: "name", Name: name}
			}
		}
	}
	return nil
}

// InternalToOpenAIResponse translates a CompletionArtifact into the
// OpenAI chat/completions response body. created is the emit timestamp
// (unix seconds), supplied by the caller since translation is pure.
func InternalToOpenAIResponse(artifact domain.CompletionArtifact, created int64) OpenAIChatResponse {
	resp := OpenAIChatResponse{
		ID:      artifact.ID,
		Object:  "chat.completion",
		Created: created,
		Model:   artifact.Model,
		Usage: OpenAIUsage{
			PromptTokens:     artifact.Usage.PromptTokens,
			CompletionTokens: artifact.Usage.CompletionTokens,
			TotalTokens:      artifact.Usage.TotalTokens,
		},
	}

	for _, c := range artifact.Choices {
		msg := OpenAIMessage{
			Role:    string(c.Message.Role),
			Content: c.Message.Content,
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, OpenAIToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: OpenAIFunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		resp.Choices = append(resp.Choices, OpenAIChoice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: string(c.FinishReason),
		})
	}

	return resp
}

// Eligible reports whether req qualifies for response caching, per
// spec §4.5: non-streaming, temperature 0 (or unset), no tools.
func Eligible(req domain.ChatRequest) bool {
	if req.Stream {
		return false
	}
	if len(req.Tools) > 0 {
		return false
	}
	if req.Generation.Temperature != nil && *req.Generation.Temperature != 0 {
		return false
	}
	return true
}
