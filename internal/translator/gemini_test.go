package translator

import (
	"encoding/json"
	"testing"

	"github.com/nullstream/gemini-gateway/internal/domain"
)

// TestNativeRequestRoundTrip_ContentPreserved verifies that a native
// passthrough request translated into the internal representation and
// back carries its text content and tool declarations unchanged.
func TestNativeRequestRoundTrip_ContentPreserved(t *testing.T) {
	original := &GeminiRequest{
		Contents: []GeminiContent{
			{Role: "user", Parts: []GeminiPart{{Text: "hello there"}}},
			{Role: "model", Parts: []GeminiPart{{Text: "hi, how can I help?"}}},
		},
		Tools: []GeminiTool{{FunctionDeclarations: []GeminiFunctionDeclaration{
			{Name: "get_weather", Description: "looks up weather", Parameters: map[string]any{"type": "object"}},
		}}},
	}

	internal, err := GeminiRequestToInternal(original, "gemini-1.5-pro")
	if err != nil {
		t.Fatalf("GeminiRequestToInternal: %v", err)
	}
	if len(internal.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(internal.Messages))
	}
	if internal.Messages[0].Content != "hello there" || internal.Messages[0].Role != domain.RoleUser {
		t.Errorf("message[0] = %+v, want user/\"hello there\"", internal.Messages[0])
	}
	if internal.Messages[1].Content != "hi, how can I help?" || internal.Messages[1].Role != domain.RoleAssistant {
		t.Errorf("message[1] = %+v, want assistant/\"hi, how can I help?\"", internal.Messages[1])
	}
	if len(internal.Tools) != 1 || internal.Tools[0].Name != "get_weather" {
		t.Fatalf("tools not preserved: %+v", internal.Tools)
	}

	back, err := InternalToGemini(internal)
	if err != nil {
		t.Fatalf("InternalToGemini: %v", err)
	}
	if len(back.Contents) != 2 {
		t.Fatalf("expected 2 contents after round trip, got %d", len(back.Contents))
	}
	if back.Contents[0].Parts[0].Text != "hello there" {
		t.Errorf("round-tripped content = %q, want %q", back.Contents[0].Parts[0].Text, "hello there")
	}
	if len(back.Tools) != 1 || len(back.Tools[0].FunctionDeclarations) != 1 || back.Tools[0].FunctionDeclarations[0].Name != "get_weather" {
		t.Fatalf("round-tripped tools: %+v", back.Tools)
	}
}

// TestInternalToGemini_FoldsConsecutiveSameRoleMessages verifies the
// system-message concatenation and same-role folding invariant that
// GeminiRequestToInternal's inverse depends on.
func TestInternalToGemini_FoldsConsecutiveSameRoleMessages(t *testing.T) {
	req := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "first directive"},
			{Role: domain.RoleSystem, Content: "second directive"},
			{Role: domain.RoleUser, Content: "hi"},
		},
	}

	out, err := InternalToGemini(req)
	if err != nil {
		t.Fatalf("InternalToGemini: %v", err)
	}
	want := "first directive\nsecond directive"
	if out.SystemInstruction == nil || out.SystemInstruction.Parts[0].Text != want {
		t.Errorf("system instruction = %+v, want %q", out.SystemInstruction, want)
	}
	if len(out.Contents) != 1 {
		t.Fatalf("expected a single folded user content, got %d", len(out.Contents))
	}
}

func TestClassifyGeminiStatus(t *testing.T) {
	cases := []struct {
		status int
		want   domain.ErrorKind
	}{
		{400, domain.KindValidationError},
		{401, domain.KindAuthRejected},
		{403, domain.KindAuthRejected},
		{404, domain.KindModelNotFound},
		{429, domain.KindQuotaExceeded},
		{500, domain.KindTransientUpstream},
		{503, domain.KindTransientUpstream},
	}
	for _, tc := range cases {
		body, _ := json.Marshal(GeminiErrorBody{})
		ge := ClassifyGeminiStatus(tc.status, body)
		if ge.Kind != tc.want {
			t.Errorf("status %d -> kind %q, want %q", tc.status, ge.Kind, tc.want)
		}
	}
}

func TestResolveModel(t *testing.T) {
	mapping := map[string]string{"gpt-4o": "gemini-1.5-pro"}

	if got := ResolveModel("gpt-4o", mapping, "gemini-1.5-flash"); got != "gemini-1.5-pro" {
		t.Errorf("mapped model = %q, want gemini-1.5-pro", got)
	}
	if got := ResolveModel("gemini-1.5-pro", mapping, "gemini-1.5-flash"); got != "gemini-1.5-pro" {
		t.Errorf("native passthrough model = %q, want gemini-1.5-pro", got)
	}
	if got := ResolveModel("gpt-9000", mapping, "gemini-1.5-flash"); got != "gemini-1.5-flash" {
		t.Errorf("unknown gpt-* model = %q, want default %q", got, "gemini-1.5-flash")
	}
	if got := ResolveModel("some-other-native-model", mapping, "gemini-1.5-flash"); got != "some-other-native-model" {
		t.Errorf("unmapped non-gpt model = %q, want passthrough", got)
	}
}
