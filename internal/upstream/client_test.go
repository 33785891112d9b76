package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nullstream/gemini-gateway/internal/domain"
	"github.com/nullstream/gemini-gateway/internal/translator"
)

func simpleRequest() domain.ChatRequest {
	return domain.ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "hello"},
		},
	}
}

func TestInvoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-goog-api-key"); got != "test-secret" {
			t.Errorf("x-goog-api-key = %q, want test-secret", got)
		}
		resp := translator.GeminiResponse{
			Candidates: []translator.GeminiCandidate{{
				Content:      translator.GeminiContent{Role: "model", Parts: []translator.GeminiPart{{Text: "hi there"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &translator.GeminiUsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 2, TotalTokenCount: 5},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := New(srv.URL, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	artifact, err := client.Invoke(context.Background(), simpleRequest(), "test-secret")
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if len(artifact.Choices) != 1 || artifact.Choices[0].Message.Content != "hi there" {
		t.Fatalf("unexpected artifact: %+v", artifact)
	}
	if artifact.Usage.TotalTokens != 5 {
		t.Errorf("TotalTokens = %d, want 5", artifact.Usage.TotalTokens)
	}
}

func TestInvoke_UpstreamErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(translator.GeminiErrorBody{})
	}))
	defer srv.Close()

	client, err := New(srv.URL, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = client.Invoke(context.Background(), simpleRequest(), "secret")
	ge, ok := domain.AsGatewayError(err)
	if !ok {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if ge.Kind != domain.KindQuotaExceeded {
		t.Errorf("Kind = %v, want %v", ge.Kind, domain.KindQuotaExceeded)
	}
}

func TestInvokeStream_ForwardsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		chunks := []translator.GeminiResponse{
			{Candidates: []translator.GeminiCandidate{{Content: translator.GeminiContent{Parts: []translator.GeminiPart{{Text: "he"}}}}}},
			{Candidates: []translator.GeminiCandidate{{Content: translator.GeminiContent{Parts: []translator.GeminiPart{{Text: "llo"}}}, FinishReason: "STOP"}}},
		}
		for _, c := range chunks {
			data, _ := json.Marshal(c)
			fmt.Fprintf(w, "data: %s\n\n", data)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	client, err := New(srv.URL, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	chunkCh, errCh := client.InvokeStream(context.Background(), simpleRequest(), "secret")

	var got []domain.StreamChunk
	for chunkCh != nil || errCh != nil {
		select {
		case c, ok := <-chunkCh:
			if !ok {
				chunkCh = nil
				continue
			}
			got = append(got, c)
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			t.Fatalf("unexpected error: %v", e)
		}
	}

	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if !got[1].Done || got[1].FinishReason != domain.FinishStop {
		t.Errorf("final chunk = %+v, want Done with finish_reason stop", got[1])
	}
}
