package translator

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/nullstream/gemini-gateway/internal/domain"
)

// GeminiChunkToInternal translates one upstream streamGenerateContent
// chunk into zero or more internal StreamChunks. The upstream typically
// emits one candidate per chunk; a chunk carrying a finishReason closes
// the stream.
func GeminiChunkToInternal(chunk *GeminiResponse) []domain.StreamChunk {
	if len(chunk.Candidates) == 0 {
		return nil
	}

	var out []domain.StreamChunk
	for _, cand := range chunk.Candidates {
		var text strings.Builder
		var toolCalls []domain.ToolCall
		for partIdx, part := range cand.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
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
					PartIndex: partIdx,
				})
			}
		}

		sc := domain.StreamChunk{Index: cand.Index}
		if text.Len() > 0 || len(toolCalls) > 0 {
			sc.Delta = &domain.StreamDelta{Content: text.String(), ToolCalls: toolCalls}
		}
		if cand.FinishReason != "" {
			sc.Done = true
			sc.FinishReason = mapFinishReason(cand.FinishReason, len(toolCalls) > 0)
		}
		out = append(out, sc)
	}
	return out
}

// OpenAIStreamTranslator maintains the per-stream state required to
// emit OpenAI-compatible SSE deltas: whether the role marker has been
// sent, and the running tool-call index assignment, per spec §4.4.
type OpenAIStreamTranslator struct {
	id          string
	model       string
	created     int64
	roleEmitted bool
	toolIndex   map[toolCallKey]int // (candidate index, part index) -> emitted index
	nextIndex   int
}

// toolCallKey identifies a logical tool call across chunks by the
// position it occupies in the upstream response, since the upstream
// assigns no stable id to a tool call while streaming its arguments.
type toolCallKey struct {
	candidate int
	part      int
}

// NewOpenAIStreamTranslator starts a new streaming translation session
// for one completion.
func NewOpenAIStreamTranslator(model string, created int64) *OpenAIStreamTranslator {
	return &OpenAIStreamTranslator{
		id:        "chatcmpl-" + uuid.NewString(),
		model:     model,
		created:   created,
		toolIndex: make(map[toolCallKey]int),
	}
}

// Translate converts one internal StreamChunk into the sequence of
// OpenAI SSE chunks it produces (at most two: a role-marker chunk on
// first call folded with the delta, and/or a finish chunk).
func (st *OpenAIStreamTranslator) Translate(chunk domain.StreamChunk) []OpenAIStreamChunk {
	var out []OpenAIStreamChunk

	delta := OpenAIDelta{}
	emitDelta := false

	if !st.roleEmitted {
		delta.Role = "assistant"
		st.roleEmitted = true
		emitDelta = true
	}

	if chunk.Delta != nil {
		if chunk.Delta.Content != "" {
			delta.Content = chunk.Delta.Content
			emitDelta = true
		}
		if len(chunk.Delta.ToolCalls) > 0 {
			delta.ToolCalls = st.translateToolCalls(chunk.Index, chunk.Delta.ToolCalls)
			emitDelta = true
		}
	}

	if emitDelta {
		out = append(out, st.chunkWith(delta, nil))
	}

	if chunk.Done {
		reason := string(chunk.FinishReason)
		out = append(out, st.chunkWith(OpenAIDelta{}, &reason))
	}

	return out
}

func (st *OpenAIStreamTranslator) translateToolCalls(candIndex int, calls []domain.ToolCall) []OpenAIToolCall {
	out := make([]OpenAIToolCall, 0, len(calls))
	for _, tc := range calls {
		key := toolCallKey{candidate: candIndex, part: tc.PartIndex}
		idx, seen := st.toolIndex[key]
		if !seen {
			idx = st.nextIndex
			st.nextIndex++
			st.toolIndex[key] = idx
		}
		i := idx
		entry := OpenAIToolCall{
			Index: &i,
			Function: OpenAIFunctionCall{
				Arguments: tc.Function.Arguments,
			},
		}
		if !seen {
			entry.ID = tc.ID
			entry.Type = "function"
			entry.Function.Name = tc.Function.Name
		}
		out = append(out, entry)
	}
	return out
}

// InternalChunkToGeminiResponse re-expresses one internal StreamChunk
// as a single-candidate native response chunk, for the native
// streamGenerateContent handler forwarding dispatched chunks back onto
// the native surface.
func InternalChunkToGeminiResponse(chunk domain.StreamChunk) *GeminiResponse {
	cand := GeminiCandidate{Index: chunk.Index}
	if chunk.Delta != nil {
		var parts []GeminiPart
		if chunk.Delta.Content != "" {
			parts = append(parts, GeminiPart{Text: chunk.Delta.Content})
		}
		for _, tc := range chunk.Delta.ToolCalls {
			args, err := parseArgs(tc.Function.Arguments)
			if err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
			parts = append(parts, GeminiPart{
				FunctionCall: &GeminiFunctionCall{Name: tc.Function.Name, Args: args},
			})
		}
		cand.Content = GeminiContent{Role: "model", Parts: parts}
	}
	if chunk.Done {
		cand.FinishReason = internalFinishToGemini(chunk.FinishReason)
	}
	return &GeminiResponse{Candidates: []GeminiCandidate{cand}}
}

func (st *OpenAIStreamTranslator) chunkWith(delta OpenAIDelta, finishReason *string) OpenAIStreamChunk {
	return OpenAIStreamChunk{
		ID:      st.id,
		Object:  "chat.completion.chunk",
		Created: st.created,
		Model:   st.model,
		Choices: []OpenAIStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}
