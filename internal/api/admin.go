package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nullstream/gemini-gateway/internal/auth"
	"github.com/nullstream/gemini-gateway/internal/cache"
	"github.com/nullstream/gemini-gateway/internal/credential"
	"github.com/nullstream/gemini-gateway/internal/domain"
	"github.com/nullstream/gemini-gateway/internal/repository"
)

// AdminHandlerConfig wires the credential administration surface.
type AdminHandlerConfig struct {
	Auth  *auth.Authenticator
	Pool  *credential.Pool
	Cache *cache.CoalescingCache     // nil disables the cache invalidation route
	Audit repository.AuditRepository // nil falls back to an in-memory trail
}

// AdminHandler serves /admin/keys…, /admin/cache/invalidate, and
// /admin/audit, gated by a valid admin API key.
type AdminHandler struct {
	pool  *credential.Pool
	cache *cache.CoalescingCache
	audit repository.AuditRepository
	mux   *http.ServeMux
}

// NewAdminHandler builds the admin surface and wraps it in admin-key
// auth. The returned http.Handler is what callers mount.
func NewAdminHandler(cfg AdminHandlerConfig) http.Handler {
	audit := cfg.Audit
	if audit == nil {
		audit = repository.NewInMemoryAuditRepository()
	}

	h := &AdminHandler{pool: cfg.Pool, cache: cfg.Cache, audit: audit, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /admin/keys", h.handleList)
	h.mux.HandleFunc("POST /admin/keys", h.handleAdd)
	h.mux.HandleFunc("DELETE /admin/keys/{id}", h.handleRemove)
	h.mux.HandleFunc("POST /admin/keys/{id}/enable", h.handleEnable)
	h.mux.HandleFunc("POST /admin/keys/{id}/disable", h.handleDisable)
	h.mux.HandleFunc("POST /admin/keys/{id}/reset", h.handleReset)
	h.mux.HandleFunc("POST /admin/cache/invalidate", h.handleCacheInvalidate)
	h.mux.HandleFunc("GET /admin/audit", h.handleAuditLog)

	return cfg.Auth.RequireAdminKey(h)
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"credentials": h.pool.Snapshot()})
}

type addKeyRequest struct {
	Secret string `json:"secret"`
}

func (h *AdminHandler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Secret) == "" {
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "secret is required", err))
		return
	}

	id := h.pool.AdminAdd(req.Secret)
	h.record(r, "add", id, "")
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *AdminHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.pool.AdminRemove(id) {
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "unknown credential id", nil))
		return
	}
	h.record(r, "remove", id, "")
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) handleEnable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.pool.AdminEnable(id) {
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "unknown credential id", nil))
		return
	}
	h.record(r, "enable", id, "")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": "active"})
}

func (h *AdminHandler) handleDisable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.pool.AdminDisable(id) {
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "unknown credential id", nil))
		return
	}
	h.record(r, "disable", id, "")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": "disabled"})
}

func (h *AdminHandler) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.pool.AdminReset(id) {
		writeGatewayError(w, domain.NewError(domain.KindValidationError, "unknown credential id", nil))
		return
	}
	h.record(r, "reset", id, "")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": "active"})
}

// handleCacheInvalidate discards every entry in the response cache as a
// whole, per the admin reset operation. A disabled cache (no Cache
// configured) is a no-op success rather than an error, since resetting
// nothing already satisfies the request.
func (h *AdminHandler) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "cache disabled"})
		return
	}

	if err := h.cache.InvalidateAll(r.Context()); err != nil {
		slog.Error("cache invalidate_all failed", "error", err)
		writeGatewayError(w, domain.NewError(domain.KindTransientUpstream, "cache invalidation failed", err))
		return
	}

	h.record(r, "cache_invalidate", "", "")
	writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated"})
}

func (h *AdminHandler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), 200)
	if err != nil {
		slog.Error("audit log read failed", "error", err)
		writeGatewayError(w, domain.NewError(domain.KindTransientUpstream, "audit log unavailable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// record appends one audit entry for an admin action. A persistence
// failure is logged, not surfaced: the pool mutation already
// succeeded, and that is the operation of record for the caller.
func (h *AdminHandler) record(r *http.Request, action, credentialID, detail string) {
	entry := repository.AuditEntry{
		ID:           uuid.New().String(),
		Action:       action,
		CredentialID: credentialID,
		Actor:        adminActor(r),
		Detail:       detail,
		CreatedAt:    time.Now(),
	}
	if err := h.audit.Record(r.Context(), entry); err != nil {
		slog.Warn("failed to record audit entry", "error", err, "action", action, "credential_id", credentialID)
	}
}

// adminActor identifies the caller for the audit trail without ever
// logging the admin secret itself.
func adminActor(r *http.Request) string {
	key := auth.ExtractAdminKey(r)
	if len(key) <= 8 {
		return key
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
