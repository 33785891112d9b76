package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nullstream/gemini-gateway/internal/auth"
	"github.com/nullstream/gemini-gateway/internal/cache"
	"github.com/nullstream/gemini-gateway/internal/credential"
	"github.com/nullstream/gemini-gateway/internal/dispatcher"
	"github.com/nullstream/gemini-gateway/internal/domain"
	"github.com/nullstream/gemini-gateway/internal/metrics"
	"github.com/nullstream/gemini-gateway/internal/ratelimit"
	"github.com/nullstream/gemini-gateway/internal/telemetry"
	"github.com/nullstream/gemini-gateway/internal/translator"
)

// HandlerConfig wires the core subsystems into the HTTP surface.
type HandlerConfig struct {
	Auth            *auth.Authenticator
	RateLimiter     ratelimit.RateLimiter
	RateLimitRPM    int
	Pool            *credential.Pool
	Dispatcher      *dispatcher.Dispatcher
	Cache           *cache.CoalescingCache // nil disables response caching
	ModelMapping    map[string]string
	DefaultUpstream string
}

// Handler serves the client-facing OpenAI and native surfaces.
type Handler struct {
	auth            *auth.Authenticator
	rateLimiter     ratelimit.RateLimiter
	rateLimitRPM    int
	pool            *credential.Pool
	dispatcher      *dispatcher.Dispatcher
	cache           *cache.CoalescingCache
	modelMapping    map[string]string
	defaultUpstream string
	mux             *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		auth:            cfg.Auth,
		rateLimiter:     cfg.RateLimiter,
		rateLimitRPM:    cfg.RateLimitRPM,
		pool:            cfg.Pool,
		dispatcher:      cfg.Dispatcher,
		cache:           cfg.Cache,
		modelMapping:    cfg.ModelMapping,
		defaultUpstream: cfg.DefaultUpstream,
		mux:             http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /gemini/health", h.handleHealth)
	h.mux.Handle("GET /v1/models", h.requireClientAndLimit(http.HandlerFunc(h.handleListModels)))
	h.mux.Handle("POST /v1/chat/completions", h.requireClientAndLimit(http.HandlerFunc(h.handleChatCompletions)))
	h.mux.Handle("GET /gemini/v1beta/models", h.requireClientAndLimit(http.HandlerFunc(h.handleListModels)))
	h.mux.Handle("POST /gemini/v1beta/models/", h.requireClientAndLimit(http.HandlerFunc(h.handleNative)))
	h.mux.Handle("GET /stats", h.requireClientAndLimit(http.HandlerFunc(h.handleStats)))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// requireClientAndLimit enforces client-key auth, then per-key rate
// limiting, ahead of any handler that spends credential pool capacity.
func (h *Handler) requireClientAndLimit(next http.Handler) http.Handler {
	return h.auth.RequireClientKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		clientKey := auth.ExtractClientKey(r)

		allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, clientKey, h.rateLimitRPM)
		if err != nil {
			slog.Error("rate limiter error", "error", err)
			writeGatewayError(w, domain.NewError(domain.KindTransientUpstream, "rate limiter unavailable", err))
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

		if !allowed {
			metrics.RecordRateLimitHit(clientKeyLabel(clientKey))
			writeGatewayError(w, domain.NewError(domain.KindQuotaExceeded, "client rate limit exceeded", nil).WithRetryAfter(time.Until(resetAt)))
			return
		}

		next.ServeHTTP(w, r)
	}))
}

// clientKeyLabel truncates a client key to a safe metric label so the
// raw secret never ends up in Prometheus.
func clientKeyLabel(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	requestID := requestIDFor(r)

	ctx, span := telemetry.StartSpan(ctx, "openai.chat_completions")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "failed to read request body", err))
		return
	}

	req, err := translator.OpenAIRequestToInternal(body, h.modelMapping, h.defaultUpstream)
	if err != nil {
		metrics.RecordRequest("openai", "", "validation_error", time.Since(start).Seconds())
		writeGatewayError(w, err)
		return
	}

	telemetry.AddRequestAttributes(span, "", req.Model, requestID)

	if req.Stream {
		h.streamOpenAI(ctx, w, req, requestID, start)
		return
	}

	artifact, credID, err := h.dispatch(ctx, "openai", req)
	if err != nil {
		h.recordFailure(ge(err), "openai", req.Model, start)
		writeGatewayError(w, err)
		return
	}

	telemetry.AddRequestAttributes(span, credID, req.Model, requestID)
	telemetry.AddTokenAttributes(span, artifact.Usage.PromptTokens, artifact.Usage.CompletionTokens)

	resp := translator.InternalToOpenAIResponse(*artifact, start.Unix())
	metrics.RecordRequest("openai", req.Model, "success", time.Since(start).Seconds())
	metrics.RecordTokens(req.Model, artifact.Usage.PromptTokens, artifact.Usage.CompletionTokens)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(resp)
}

// dispatch runs req through the cache (when eligible) and the
// dispatcher, sharing the cache-or-compute path between the OpenAI and
// native non-streaming handlers.
func (h *Handler) dispatch(ctx context.Context, surface string, req domain.ChatRequest) (*domain.CompletionArtifact, string, error) {
	if h.cache == nil || !translator.Eligible(req) {
		artifact, credID, err := h.dispatcher.Execute(ctx, req)
		return artifact, credID, err
	}

	var credID string
	fp := cache.Fingerprint(req)
	artifact, hit, err := h.cache.GetOrLoad(ctx, fp, func() (*domain.CompletionArtifact, error) {
		a, id, err := h.dispatcher.Execute(ctx, req)
		credID = id
		return a, err
	})
	if err != nil {
		return nil, credID, err
	}
	if hit {
		metrics.RecordCacheHit(surface)
	} else {
		metrics.RecordCacheMiss(surface)
	}
	return artifact, credID, nil
}

func (h *Handler) streamOpenAI(ctx context.Context, w http.ResponseWriter, req domain.ChatRequest, requestID string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeGatewayError(w, domain.NewError(domain.KindTransientUpstream, "streaming not supported by response writer", nil))
		return
	}

	chunks, credID, err := h.dispatcher.ExecuteStream(ctx, req)
	if err != nil {
		h.recordFailure(ge(err), "openai", req.Model, start)
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	st := translator.NewOpenAIStreamTranslator(req.Model, start.Unix())
	for chunk := range chunks {
		if chunk.Err != nil {
			writeSSEError(w, chunk.Err)
			flusher.Flush()
			h.recordFailure(ge(chunk.Err), "openai", req.Model, start)
			return
		}
		for _, out := range st.Translate(chunk) {
			writeSSE(w, out)
			flusher.Flush()
		}
	}
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	slog.Info("openai stream completed",
		"request_id", requestID, "credential_id", credID, "model", req.Model,
		"duration_ms", time.Since(start).Milliseconds())
	metrics.RecordRequest("openai", req.Model, "success", time.Since(start).Seconds())
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	resp := domain.ModelsResponse{Object: "list"}
	seen := make(map[string]bool)
	for openaiName := range h.modelMapping {
		if seen[openaiName] {
			continue
		}
		seen[openaiName] = true
		resp.Data = append(resp.Data, domain.ModelInfo{ID: openaiName, Object: "model", OwnedBy: "gemini-gateway"})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleNative dispatches the two native POST routes, distinguished by
// the ":action" suffix of the last path segment, per spec §6's
// "{model}:generateContent" / "{model}:streamGenerateContent" routes.
// net/http's ServeMux wildcards match whole segments only, so the
// model/action split happens here rather than in the route pattern.
func (h *Handler) handleNative(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/gemini/v1beta/models/")
	model, action, ok := strings.Cut(rest, ":")
	if !ok || model == "" {
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "expected /gemini/v1beta/models/{model}:action", nil))
		return
	}

	switch action {
	case "generateContent":
		h.handleNativeGenerate(w, r, model)
	case "streamGenerateContent":
		h.handleNativeStream(w, r, model)
	default:
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "unknown native action "+action, nil))
	}
}

func (h *Handler) handleNativeGenerate(w http.ResponseWriter, r *http.Request, model string) {
	ctx := r.Context()
	start := time.Now()
	requestID := requestIDFor(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "failed to read request body", err))
		return
	}

	var geminiReq translator.GeminiRequest
	if err := json.Unmarshal(body, &geminiReq); err != nil {
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "invalid JSON body", err))
		return
	}

	req, err := translator.GeminiRequestToInternal(&geminiReq, model)
	if err != nil {
		metrics.RecordRequest("native", model, "validation_error", time.Since(start).Seconds())
		writeGatewayError(w, err)
		return
	}

	artifact, _, err := h.dispatch(ctx, "native", req)
	if err != nil {
		h.recordFailure(ge(err), "native", model, start)
		writeGatewayError(w, err)
		return
	}

	resp := translator.InternalToGeminiResponse(*artifact)
	metrics.RecordRequest("native", model, "success", time.Since(start).Seconds())
	metrics.RecordTokens(model, artifact.Usage.PromptTokens, artifact.Usage.CompletionTokens)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleNativeStream(w http.ResponseWriter, r *http.Request, model string) {
	ctx := r.Context()
	start := time.Now()
	requestID := requestIDFor(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeGatewayError(w, domain.NewError(domain.KindTransientUpstream, "streaming not supported by response writer", nil))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "failed to read request body", err))
		return
	}

	var geminiReq translator.GeminiRequest
	if err := json.Unmarshal(body, &geminiReq); err != nil {
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "invalid JSON body", err))
		return
	}

	req, err := translator.GeminiRequestToInternal(&geminiReq, model)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	chunks, credID, err := h.dispatcher.ExecuteStream(ctx, req)
	if err != nil {
		h.recordFailure(ge(err), "native", model, start)
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	for chunk := range chunks {
		if chunk.Err != nil {
			writeSSEError(w, chunk.Err)
			flusher.Flush()
			h.recordFailure(ge(chunk.Err), "native", model, start)
			return
		}
		geminiChunk := translator.InternalChunkToGeminiResponse(chunk)
		data, _ := json.Marshal(geminiChunk)
		w.Write([]byte("data: " + string(data) + "\n\n"))
		flusher.Flush()
	}

	slog.Info("native stream completed",
		"request_id", requestID, "credential_id", credID, "model", model,
		"duration_ms", time.Since(start).Milliseconds())
	metrics.RecordRequest("native", model, "success", time.Since(start).Seconds())
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot := h.pool.Snapshot()
	resp := map[string]any{
		"credentials": snapshot,
	}
	if h.cache != nil {
		if ic, ok := h.cache.Backend().(*cache.InMemoryCache); ok {
			resp["cache"] = ic.Stats()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// recordFailure classifies err and emits the request-level metric; the
// credential pool's own state was already updated inside the
// dispatcher, this only covers handler-visible observability.
func (h *Handler) recordFailure(gerr *domain.GatewayError, surface, model string, start time.Time) {
	status := "error"
	if gerr != nil {
		status = string(gerr.Kind)
		if gerr.Kind == domain.KindNoHealthyCredential || gerr.Kind == domain.KindAllCredentialsExhaust {
			metrics.RecordPoolExhausted(string(gerr.Kind))
		}
	}
	metrics.RecordRequest(surface, model, status, time.Since(start).Seconds())
}

func ge(err error) *domain.GatewayError {
	gerr, _ := domain.AsGatewayError(err)
	return gerr
}

func requestIDFor(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

func writeSSE(w http.ResponseWriter, chunk translator.OpenAIStreamChunk) {
	data, _ := json.Marshal(chunk)
	w.Write([]byte("data: " + string(data) + "\n\n"))
}

// writeSSEError emits a mid-stream terminal failure as a final SSE data
// payload carrying an error object, per spec, instead of folding it
// into a normal completion-shaped chunk with a fabricated finish
// reason. Used by both the OpenAI and native streaming surfaces once a
// stream has already committed and can no longer be retried.
func writeSSEError(w http.ResponseWriter, err error) {
	data, _ := json.Marshal(gatewayErrorBody(err))
	w.Write([]byte("data: " + string(data) + "\n\n"))
}

// gatewayErrorBody renders err as the JSON error body spec §6 requires.
func gatewayErrorBody(err error) map[string]any {
	gerr, ok := domain.AsGatewayError(err)
	if !ok {
		gerr = domain.NewError(domain.KindTransientUpstream, err.Error(), err)
	}
	return map[string]any{
		"error": map[string]any{
			"message": gerr.Message,
			"type":    string(gerr.Kind),
			"code":    gerr.StatusCode,
		},
	}
}

// writeGatewayError renders err as the JSON error body spec §6
// requires, deriving the HTTP status from the error's classified kind.
func writeGatewayError(w http.ResponseWriter, err error) {
	gerr, ok := domain.AsGatewayError(err)
	if !ok {
		gerr = domain.NewError(domain.KindTransientUpstream, err.Error(), err)
	}

	if gerr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(gerr.RetryAfter.Seconds())))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gerr.StatusCode)
	json.NewEncoder(w).Encode(gatewayErrorBody(err))
}
