package translator

import (
	"strings"
	"testing"

	"github.com/nullstream/gemini-gateway/internal/domain"
)

// TestStreamRoundTrip_ContentConcatenation verifies that concatenating
// every content delta a multi-chunk stream emits reproduces the text a
// single non-streaming response would have carried.
func TestStreamRoundTrip_ContentConcatenation(t *testing.T) {
	upstreamChunks := []*GeminiResponse{
		{Candidates: []GeminiCandidate{{Index: 0, Content: GeminiContent{Parts: []GeminiPart{{Text: "The "}}}}}},
		{Candidates: []GeminiCandidate{{Index: 0, Content: GeminiContent{Parts: []GeminiPart{{Text: "quick "}}}}}},
		{Candidates: []GeminiCandidate{{Index: 0, Content: GeminiContent{Parts: []GeminiPart{{Text: "fox"}}}, FinishReason: "STOP"}}},
	}

	var internal []domain.StreamChunk
	for _, c := range upstreamChunks {
		internal = append(internal, GeminiChunkToInternal(c)...)
	}

	st := NewOpenAIStreamTranslator("gemini-1.5-pro", 1000)
	var got strings.Builder
	var sawFinish bool
	for _, chunk := range internal {
		for _, out := range st.Translate(chunk) {
			got.WriteString(out.Choices[0].Delta.Content)
			if out.Choices[0].FinishReason != nil {
				sawFinish = true
				if *out.Choices[0].FinishReason != string(domain.FinishStop) {
					t.Errorf("finish reason = %q, want %q", *out.Choices[0].FinishReason, domain.FinishStop)
				}
			}
		}
	}

	if !sawFinish {
		t.Fatal("expected a finish chunk to be emitted")
	}
	if got.String() != "The quick fox" {
		t.Errorf("concatenated content = %q, want %q", got.String(), "The quick fox")
	}
}

// TestStreamRoundTrip_ToolCallArgumentFragments verifies that
// concatenating a streamed tool call's argument fragments across
// multiple chunks reproduces the same arguments a non-streaming
// response would carry for an equivalent call, and that id/name are
// only emitted once per logical call.
func TestStreamRoundTrip_ToolCallArgumentFragments(t *testing.T) {
	upstreamChunks := []*GeminiResponse{
		{Candidates: []GeminiCandidate{{Index: 0, Content: GeminiContent{Parts: []GeminiPart{
			{FunctionCall: &GeminiFunctionCall{Name: "get_weather", Args: map[string]any{"city": "Paris"}}},
		}}}}},
		{Candidates: []GeminiCandidate{{Index: 0, Content: GeminiContent{Parts: []GeminiPart{
			{FunctionCall: &GeminiFunctionCall{Name: "get_weather", Args: map[string]any{"city": "Paris", "unit": "celsius"}}},
		}}, FinishReason: "STOP"}}},
	}

	var internal []domain.StreamChunk
	for _, c := range upstreamChunks {
		internal = append(internal, GeminiChunkToInternal(c)...)
	}

	st := NewOpenAIStreamTranslator("gemini-1.5-pro", 1000)

	var seenIndex int
	indexSet := false
	var ids, names []string
	var argFragments []string

	for _, chunk := range internal {
		for _, out := range st.Translate(chunk) {
			for _, tc := range out.Choices[0].Delta.ToolCalls {
				if tc.Index == nil {
					t.Fatal("tool call delta missing index")
				}
				if !indexSet {
					seenIndex = *tc.Index
					indexSet = true
				} else if *tc.Index != seenIndex {
					t.Errorf("tool call index changed mid-call: got %d, want %d", *tc.Index, seenIndex)
				}
				if tc.ID != "" {
					ids = append(ids, tc.ID)
				}
				if tc.Function.Name != "" {
					names = append(names, tc.Function.Name)
				}
				argFragments = append(argFragments, tc.Function.Arguments)
			}
		}
	}

	if len(ids) != 1 {
		t.Errorf("id emitted %d times, want exactly 1 (on first occurrence only)", len(ids))
	}
	if len(names) != 1 {
		t.Errorf("name emitted %d times, want exactly 1 (on first occurrence only)", len(names))
	}

	concatenated := strings.Join(argFragments, "")
	if !strings.Contains(concatenated, `"city":"Paris"`) && !strings.Contains(concatenated, `"city": "Paris"`) {
		t.Errorf("concatenated arguments missing first fragment: %q", concatenated)
	}
}

// TestStreamRoundTrip_MultipleCandidatesDoNotShareToolCallIdentity
// guards against the defect where identity was tracked by a random
// per-chunk id: two distinct candidates emitting a function call at the
// same part offset must never be folded into one tool call.
func TestStreamRoundTrip_MultipleCandidatesDoNotShareToolCallIdentity(t *testing.T) {
	chunk := &GeminiResponse{Candidates: []GeminiCandidate{
		{Index: 0, Content: GeminiContent{Parts: []GeminiPart{
			{FunctionCall: &GeminiFunctionCall{Name: "fn_a", Args: map[string]any{}}},
		}}},
		{Index: 1, Content: GeminiContent{Parts: []GeminiPart{
			{FunctionCall: &GeminiFunctionCall{Name: "fn_b", Args: map[string]any{}}},
		}}},
	}}

	internal := GeminiChunkToInternal(chunk)
	if len(internal) != 2 {
		t.Fatalf("expected 2 internal chunks (one per candidate), got %d", len(internal))
	}

	st := NewOpenAIStreamTranslator("gemini-1.5-pro", 1000)
	indices := map[int]bool{}
	for _, ic := range internal {
		for _, out := range st.Translate(ic) {
			for _, tc := range out.Choices[0].Delta.ToolCalls {
				indices[*tc.Index] = true
			}
		}
	}
	if len(indices) != 2 {
		t.Errorf("expected 2 distinct tool-call indices across candidates, got %d", len(indices))
	}
}

// TestGeminiChunkToInternal_PartIndexTracksPosition confirms each
// function-call part's PartIndex matches its offset among that
// candidate's parts, the identity the streaming translator relies on.
func TestGeminiChunkToInternal_PartIndexTracksPosition(t *testing.T) {
	chunk := &GeminiResponse{Candidates: []GeminiCandidate{{Index: 0, Content: GeminiContent{Parts: []GeminiPart{
		{Text: "preface"},
		{FunctionCall: &GeminiFunctionCall{Name: "first", Args: map[string]any{}}},
		{FunctionCall: &GeminiFunctionCall{Name: "second", Args: map[string]any{}}},
	}}}}}

	internal := GeminiChunkToInternal(chunk)
	if len(internal) != 1 {
		t.Fatalf("expected 1 internal chunk, got %d", len(internal))
	}
	tcs := internal[0].Delta.ToolCalls
	if len(tcs) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(tcs))
	}
	if tcs[0].PartIndex != 1 || tcs[1].PartIndex != 2 {
		t.Errorf("PartIndex = [%d, %d], want [1, 2]", tcs[0].PartIndex, tcs[1].PartIndex)
	}
}

// TestInternalChunkToGeminiResponse_RoundTrip verifies the native
// streaming re-expression carries content and tool-call arguments
// through unchanged.
func TestInternalChunkToGeminiResponse_RoundTrip(t *testing.T) {
	chunk := domain.StreamChunk{
		Index: 0,
		Delta: &domain.StreamDelta{
			Content: "hello",
			ToolCalls: []domain.ToolCall{
				{ID: "call_1", Type: "function", Function: domain.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`}},
			},
		},
		Done:         true,
		FinishReason: domain.FinishToolCalls,
	}

	resp := InternalChunkToGeminiResponse(chunk)
	if len(resp.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(resp.Candidates))
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "STOP" {
		t.Errorf("FinishReason = %q, want STOP", cand.FinishReason)
	}
	var gotText string
	var gotCall *GeminiFunctionCall
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			gotText = p.Text
		}
		if p.FunctionCall != nil {
			gotCall = p.FunctionCall
		}
	}
	if gotText != "hello" {
		t.Errorf("text = %q, want hello", gotText)
	}
	if gotCall == nil || gotCall.Name != "lookup" || gotCall.Args["q"] != "x" {
		t.Errorf("function call = %+v, want name=lookup args.q=x", gotCall)
	}
}
