package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nullstream/gemini-gateway/internal/domain"
)

// ResolveModel maps an OpenAI-style model name to an upstream model
// name via mapping, falling back to the configured default for unknown
// OpenAI-style names and passing native (non-mapped) names through
// unchanged.
func ResolveModel(requested string, mapping map[string]string, defaultUpstream string) string {
	if upstream, ok := mapping[requested]; ok {
		return upstream
	}
	for _, upstream := range mapping {
		if requested == upstream {
			return requested
		}
	}
	if strings.HasPrefix(requested, "gpt-") {
		return defaultUpstream
	}
	return requested
}

// InternalToGemini builds the upstream wire request from the
// surface-agnostic ChatRequest. System messages are concatenated in
// original order, joined by newlines, into systemInstruction (spec
// §4.4, overriding the original adapter's "keep only the last system
// message" behavior).
func InternalToGemini(req domain.ChatRequest) (*GeminiRequest, error) {
	out := &GeminiRequest{}

	var systemParts []string
	var folded []GeminiContent

	for _, msg := range req.Messages {
		switch msg.Role {
		case domain.RoleSystem:
			systemParts = append(systemParts, msg.Content)
			continue
		case domain.RoleTool:
			parts, err := toolResultParts(msg)
			if err != nil {
				return nil, err
			}
			folded = appendFolded(folded, "user", parts)
			continue
		}

		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}

		parts, err := messageParts(msg)
		if err != nil {
			return nil, err
		}
		folded = appendFolded(folded, role, parts)
	}

	out.Contents = folded

	if len(systemParts) > 0 {
		out.SystemInstruction = &GeminiContent{
			Parts: []GeminiPart{{Text: strings.Join(systemParts, "\n")}},
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]GeminiFunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, GeminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		out.Tools = []GeminiTool{{FunctionDeclarations: decls}}
	}

	if req.ToolChoice != nil {
		out.ToolConfig = toolConfigFor(*req.ToolChoice)
	}

	out.GenerationConfig = generationConfigFor(req.Generation)

	return out, nil
}

// GeminiRequestToInternal translates a raw upstream-shaped request (as
// received on the native passthrough surface) into the surface-agnostic
// ChatRequest, the inverse of InternalToGemini. requestedModel is the
// model name taken from the native route's path segment.
func GeminiRequestToInternal(req *GeminiRequest, requestedModel string) (domain.ChatRequest, error) {
	out := domain.ChatRequest{Model: requestedModel}

	if req.SystemInstruction != nil {
		var sys strings.Builder
		for _, p := range req.SystemInstruction.Parts {
			sys.WriteString(p.Text)
		}
		if sys.Len() > 0 {
			out.Messages = append(out.Messages, domain.Message{Role: domain.RoleSystem, Content: sys.String()})
		}
	}

	for _, content := range req.Contents {
		role := domain.RoleUser
		if content.Role == "model" {
			role = domain.RoleAssistant
		}

		var text strings.Builder
		var toolCalls []domain.ToolCall
		for _, part := range content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				argsJSON, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					return domain.ChatRequest{}, domain.NewError(domain.KindValidationError, "invalid functionCall args", err)
				}
				toolCalls = append(toolCalls, domain.ToolCall{
					ID:   "call_" + uuid.NewString(),
					Type: "function",
					Function: domain.FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			if part.FunctionResponse != nil {
				respJSON, err := json.Marshal(part.FunctionResponse.Response)
				if err != nil {
					return domain.ChatRequest{}, domain.NewError(domain.KindValidationError, "invalid functionResponse", err)
				}
				out.Messages = append(out.Messages, domain.Message{
					Role:    domain.RoleTool,
					Content: string(respJSON),
					Name:    part.FunctionResponse.Name,
				})
			}
		}

		if text.Len() > 0 || len(toolCalls) > 0 {
			out.Messages = append(out.Messages, domain.Message{
				Role:      role,
				Content:   text.String(),
				ToolCalls: toolCalls,
			})
		}
	}

	for _, t := range req.Tools {
		for _, decl := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, domain.Tool{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  decl.Parameters,
			})
		}
	}

	if req.ToolConfig != nil && req.ToolConfig.FunctionCallingConfig != nil {
		fc := req.ToolConfig.FunctionCallingConfig
		switch fc.Mode {
		case "NONE":
			out.ToolChoice = &domain.ToolChoiceNone
		case "ANY":
			if len(fc.AllowedFunctionNames) == 1 {
				choice := domain.ToolChoice{Mode: "name", Name: fc.AllowedFunctionNames[0]}
				out.ToolChoice = &choice
			} else {
				out.ToolChoice = &domain.ToolChoiceRequired
			}
		default:
			out.ToolChoice = &domain.ToolChoiceAuto
		}
	}

	if req.GenerationConfig != nil {
		gc := req.GenerationConfig
		out.Generation = domain.GenerationParams{
			Temperature:     gc.Temperature,
			TopP:            gc.TopP,
			TopK:            gc.TopK,
			MaxOutputTokens: gc.MaxOutputTokens,
			Stop:            gc.StopSequences,
		}
		if gc.ResponseMIMEType == "application/json" {
			out.Generation.ResponseFormat = "json_object"
		}
	}

	return out, nil
}

func appendFolded(folded []GeminiContent, role string, parts []GeminiPart) []GeminiContent {
	if len(folded) > 0 && folded[len(folded)-1].Role == role {
		folded[len(folded)-1].Parts = append(folded[len(folded)-1].Parts, parts...)
		return folded
	}
	return append(folded, GeminiContent{Role: role, Parts: parts})
}

func messageParts(msg domain.Message) ([]GeminiPart, error) {
	var parts []GeminiPart
	if msg.Content != "" {
		parts = append(parts, GeminiPart{Text: msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		args, err := parseArgs(tc.Function.Arguments)
		if err != nil {
			// Best-effort: pass through as a single string field rather
			// than failing the whole request.
			args = map[string]any{"_raw": tc.Function.Arguments}
		}
		parts = append(parts, GeminiPart{
			FunctionCall: &GeminiFunctionCall{Name: tc.Function.Name, Args: args},
		})
	}
	return parts, nil
}

func toolResultParts(msg domain.Message) ([]GeminiPart, error) {
	var response any
	if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
		response = msg.Content
	}
	name := msg.Name
	if name == "" {
		name = msg.ToolCallID
	}
	return []GeminiPart{{
		FunctionResponse: &GeminiFuncResponse{Name: name, Response: response},
	}}, nil
}

func parseArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toolConfigFor(choice domain.ToolChoice) *GeminiToolConfig {
	switch choice.Mode {
	case "none":
		return &GeminiToolConfig{FunctionCallingConfig: &GeminiFunctionCallingConfig{Mode: "NONE"}}
	case "required":
		return &GeminiToolConfig{FunctionCallingConfig: &GeminiFunctionCallingConfig{Mode: "ANY"}}
	case "name":
		return &GeminiToolConfig{FunctionCallingConfig: &GeminiFunctionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{choice.Name},
		}}
	default:
		return &GeminiToolConfig{FunctionCallingConfig: &GeminiFunctionCallingConfig{Mode: "AUTO"}}
	}
}

func generationConfigFor(gen domain.GenerationParams) *GeminiGenerationConfig {
	cfg := &GeminiGenerationConfig{
		Temperature:     gen.Temperature,
		TopP:            gen.TopP,
		TopK:            gen.TopK,
		MaxOutputTokens: gen.MaxOutputTokens,
		StopSequences:   gen.Stop,
	}
	if gen.ResponseFormat == "json_object" {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

// mapFinishReason maps an upstream finishReason string to the
// normalized taxonomy, per spec §4.4.
func mapFinishReason(upstream string, hasFunctionCall bool) domain.FinishReason {
	if hasFunctionCall {
		return domain.FinishToolCalls
	}
	switch upstream {
	case "STOP":
		return domain.FinishStop
	case "MAX_TOKENS":
		return domain.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST":
		return domain.FinishContentFilter
	default:
		return domain.FinishStop
	}
}

// GeminiResponseToInternal translates a non-streaming upstream response
// into the surface-agnostic CompletionArtifact.
func GeminiResponseToInternal(resp *GeminiResponse, requestedModel string) domain.CompletionArtifact {
	artifact := domain.CompletionArtifact{
		ID:    "chatcmpl-" + uuid.NewString(),
		Model: requestedModel,
	}

	if resp.UsageMetadata != nil {
		artifact.Usage = domain.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	for _, cand := range resp.Candidates {
		var textBuilder strings.Builder
		var toolCalls []domain.ToolCall
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				textBuilder.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				argsJSON, _ := json.Marshal(part.FunctionCall.Args)
				toolCalls = append(toolCalls, domain.ToolCall{
					ID:   "call_" + uuid.NewString(),
					Type: "function",
					Function: domain.FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: string(argsJSON),
					},
				})
			}
		}

		artifact.Choices = append(artifact.Choices, domain.Choice{
			Index: cand.Index,
			Message: domain.Message{
				Role:      domain.RoleAssistant,
				Content:   textBuilder.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: mapFinishReason(cand.FinishReason, len(toolCalls) > 0),
		})
	}

	if len(artifact.Choices) == 0 && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		artifact.Choices = []domain.Choice{{
			Index:        0,
			Message:      domain.Message{Role: domain.RoleAssistant},
			FinishReason: domain.FinishContentFilter,
		}}
	}

	return artifact
}

// internalFinishToGemini is the inverse of mapFinishReason, used when
// re-emitting a dispatched internal artifact back onto the native
// surface.
func internalFinishToGemini(reason domain.FinishReason) string {
	switch reason {
	case domain.FinishStop, domain.FinishToolCalls:
		return "STOP"
	case domain.FinishLength:
		return "MAX_TOKENS"
	case domain.FinishContentFilter:
		return "SAFETY"
	default:
		return "STOP"
	}
}

// InternalToGeminiResponse translates a CompletionArtifact back into
// the native response schema, for the native generateContent handler
// (which dispatches through the same surface-agnostic pipeline as the
// OpenAI handler before re-expressing the result natively).
func InternalToGeminiResponse(artifact domain.CompletionArtifact) *GeminiResponse {
	resp := &GeminiResponse{
		UsageMetadata: &GeminiUsageMetadata{
			PromptTokenCount:     artifact.Usage.PromptTokens,
			CandidatesTokenCount: artifact.Usage.CompletionTokens,
			TotalTokenCount:      artifact.Usage.TotalTokens,
		},
	}

	for _, c := range artifact.Choices {
		var parts []GeminiPart
		if c.Message.Content != "" {
			parts = append(parts, GeminiPart{Text: c.Message.Content})
		}
		for _, tc := range c.Message.ToolCalls {
			args, err := parseArgs(tc.Function.Arguments)
			if err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
			parts = append(parts, GeminiPart{
				FunctionCall: &GeminiFunctionCall{Name: tc.Function.Name, Args: args},
			})
		}
		resp.Candidates = append(resp.Candidates, GeminiCandidate{
			Content:      GeminiContent{Role: "model", Parts: parts},
			FinishReason: internalFinishToGemini(c.FinishReason),
			Index:        c.Index,
		})
	}

	return resp
}

// ClassifyGeminiStatus maps an upstream HTTP status and parsed error
// body to the internal ErrorKind taxonomy, per spec §4.1's failure
// classification table.
func ClassifyGeminiStatus(status int, body []byte) *domain.GatewayError {
	var parsed GeminiErrorBody
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("upstream returned status %d", status)
	}

	var kind domain.ErrorKind
	switch {
	case status == 400:
		kind = domain.KindValidationError
	case status == 401 || status == 403:
		kind = domain.KindAuthRejected
	case status == 404:
		kind = domain.KindModelNotFound
	case status == 429:
		kind = domain.KindQuotaExceeded
	case status >= 500:
		kind = domain.KindTransientUpstream
	default:
		kind = domain.KindTransientUpstream
	}

	return domain.NewError(kind, msg, nil).WithUpstreamStatus(status)
}
