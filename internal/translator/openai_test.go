package translator

import (
	"encoding/json"
	"testing"

	"github.com/nullstream/gemini-gateway/internal/domain"
)

// TestOpenAIRoundTrip_RequestContent verifies that translating an
// OpenAI request into the internal representation and then into the
// upstream wire request preserves message roles, content, and a tool
// call's name/arguments.
func TestOpenAIRoundTrip_RequestContent(t *testing.T) {
	body, _ := json.Marshal(OpenAIChatRequest{
		Model: "gpt-4o",
		Messages: []OpenAIMessage{
			{Role: "system", Content: "be concise"},
			{Role: "user", Content: "what's the weather in Paris?"},
			{Role: "assistant", ToolCalls: []OpenAIToolCall{
				{ID: "call_1", Type: "function", Function: OpenAIFunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`}},
			}},
			{Role: "tool", ToolCallID: "call_1", Content: `{"temp_c":21}`},
		},
	})

	internal, err := OpenAIRequestToInternal(body, map[string]string{"gpt-4o": "gemini-1.5-pro"}, "gemini-1.5-pro")
	if err != nil {
		t.Fatalf("OpenAIRequestToInternal: %v", err)
	}
	if internal.Model != "gemini-1.5-pro" {
		t.Errorf("Model = %q, want mapped upstream model", internal.Model)
	}

	gReq, err := InternalToGemini(internal)
	if err != nil {
		t.Fatalf("InternalToGemini: %v", err)
	}

	if gReq.SystemInstruction == nil || gReq.SystemInstruction.Parts[0].Text != "be concise" {
		t.Errorf("system instruction = %+v, want %q", gReq.SystemInstruction, "be concise")
	}

	var sawUserText, sawFunctionCall, sawFunctionResponse bool
	for _, content := range gReq.Contents {
		for _, part := range content.Parts {
			if part.Text == "what's the weather in Paris?" {
				sawUserText = true
			}
			if part.FunctionCall != nil && part.FunctionCall.Name == "get_weather" {
				sawFunctionCall = true
				if part.FunctionCall.Args["city"] != "Paris" {
					t.Errorf("function call args = %+v, want city=Paris", part.FunctionCall.Args)
				}
			}
			if part.FunctionResponse != nil {
				sawFunctionResponse = true
			}
		}
	}
	if !sawUserText {
		t.Error("user message text not preserved through translation")
	}
	if !sawFunctionCall {
		t.Error("assistant tool call not preserved through translation")
	}
	if !sawFunctionResponse {
		t.Error("tool result not preserved through translation")
	}
}

// TestCompletionRoundTrip_NativeThenOpenAI verifies that a
// non-streaming native response translated into the internal artifact
// and then into the OpenAI response shape preserves content, a tool
// call's name/arguments, usage, and finish reason.
func TestCompletionRoundTrip_NativeThenOpenAI(t *testing.T) {
	gResp := &GeminiResponse{
		Candidates: []GeminiCandidate{{
			Index: 0,
			Content: GeminiContent{Role: "model", Parts: []GeminiPart{
				{FunctionCall: &GeminiFunctionCall{Name: "get_weather", Args: map[string]any{"city": "Paris"}}},
			}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &GeminiUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5, TotalTokenCount: 15},
	}

	artifact := GeminiResponseToInternal(gResp, "gpt-4o")
	if len(artifact.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(artifact.Choices))
	}
	if artifact.Choices[0].FinishReason != domain.FinishToolCalls {
		t.Errorf("FinishReason = %q, want tool_calls (a function call is present)", artifact.Choices[0].FinishReason)
	}

	resp := InternalToOpenAIResponse(artifact, 1234)
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
	if len(resp.Choices) != 1 || len(resp.Choices[0].Message.ToolCalls) != 1 {
		t.Fatalf("unexpected choices: %+v", resp.Choices)
	}
	tc := resp.Choices[0].Message.ToolCalls[0]
	if tc.Function.Name != "get_weather" {
		t.Errorf("tool call name = %q, want get_weather", tc.Function.Name)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["city"] != "Paris" {
		t.Errorf("arguments = %v, want city=Paris", args)
	}
}

func TestEligible(t *testing.T) {
	temp0 := 0.0
	temp5 := 0.5

	cases := []struct {
		name string
		req  domain.ChatRequest
		want bool
	}{
		{"plain request", domain.ChatRequest{}, true},
		{"streaming excluded", domain.ChatRequest{Stream: true}, false},
		{"tools excluded", domain.ChatRequest{Tools: []domain.Tool{{Name: "x"}}}, false},
		{"temperature zero allowed", domain.ChatRequest{Generation: domain.GenerationParams{Temperature: &temp0}}, true},
		{"nonzero temperature excluded", domain.ChatRequest{Generation: domain.GenerationParams{Temperature: &temp5}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Eligible(tc.req); got != tc.want {
				t.Errorf("Eligible() = %v, want %v", got, tc.want)
			}
		})
	}
}
