package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nullstream/gemini-gateway/internal/auth"
	"github.com/nullstream/gemini-gateway/internal/cache"
	"github.com/nullstream/gemini-gateway/internal/credential"
	"github.com/nullstream/gemini-gateway/internal/domain"
	"github.com/nullstream/gemini-gateway/internal/repository"
)

func newTestAdminHandler(t *testing.T) (http.Handler, *credential.Pool, repository.AuditRepository) {
	t.Helper()

	pool := credential.New([]string{"secret-one"}, 3, credential.CoolingPeriods{
		Auth: time.Minute, Quota: time.Minute, Transient: time.Second,
	})
	audit := repository.NewInMemoryAuditRepository()
	authenticator := auth.NewAuthenticator(nil, []string{"admin-key"}, nil)

	return NewAdminHandler(AdminHandlerConfig{Auth: authenticator, Pool: pool, Audit: audit}), pool, audit
}

func TestAdminHandler_RequiresAdminKey(t *testing.T) {
	h, _, _ := newTestAdminHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestAdminHandler_ListKeys(t *testing.T) {
	h, _, _ := newTestAdminHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	creds, _ := resp["credentials"].([]any)
	if len(creds) != 1 {
		t.Errorf("credentials = %v, want 1 entry", resp["credentials"])
	}
}

func TestAdminHandler_AddAndRemoveKey(t *testing.T) {
	h, pool, audit := newTestAdminHandler(t)

	body, _ := json.Marshal(map[string]string{"secret": "new-secret"})
	req := httptest.NewRequest(http.MethodPost, "/admin/keys", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "admin-key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("add status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	var addResp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &addResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := addResp["id"]
	if id == "" {
		t.Fatal("expected a non-empty credential id")
	}
	if pool.Len() != 2 {
		t.Errorf("pool.Len() = %d, want 2", pool.Len())
	}

	req = httptest.NewRequest(http.MethodDelete, "/admin/keys/"+id, nil)
	req.Header.Set("X-API-Key", "admin-key")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("remove status = %d, want 204: %s", rr.Code, rr.Body.String())
	}
	if pool.Len() != 1 {
		t.Errorf("pool.Len() after remove = %d, want 1", pool.Len())
	}

	entries, err := audit.List(req.Context(), 10)
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2 (add, remove)", len(entries))
	}
	if entries[0].Action != "remove" || entries[1].Action != "add" {
		t.Errorf("audit actions = [%s, %s], want [remove, add]", entries[0].Action, entries[1].Action)
	}
}

func TestAdminHandler_DisableUnknownID(t *testing.T) {
	h, _, _ := newTestAdminHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/keys/does-not-exist/disable", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", rr.Code, rr.Body.String())
	}
}

func TestAdminHandler_CacheInvalidate(t *testing.T) {
	pool := credential.New([]string{"secret-one"}, 3, credential.CoolingPeriods{
		Auth: time.Minute, Quota: time.Minute, Transient: time.Second,
	})
	audit := repository.NewInMemoryAuditRepository()
	authenticator := auth.NewAuthenticator(nil, []string{"admin-key"}, nil)
	coalescing := cache.NewCoalescingCache(cache.NewInMemoryCache(10, time.Minute), time.Minute)

	h := NewAdminHandler(AdminHandlerConfig{Auth: authenticator, Pool: pool, Cache: coalescing, Audit: audit})

	ctx := context.Background()
	key := cache.Fingerprint(domain.ChatRequest{Model: "gemini-pro", Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}})
	if err := coalescing.Backend().Set(ctx, key, &domain.CompletionArtifact{ID: "cached"}, time.Minute); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/cache/invalidate", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	if _, ok := coalescing.Backend().Get(ctx, key); ok {
		t.Error("expected cache to be empty after invalidate")
	}

	entries, err := audit.List(ctx, 10)
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "cache_invalidate" {
		t.Errorf("audit entries = %+v, want one cache_invalidate entry", entries)
	}
}

func TestAdminHandler_CacheInvalidate_DisabledIsNoop(t *testing.T) {
	h, _, _ := newTestAdminHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/cache/invalidate", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
}

func TestAdminHandler_AuditLog(t *testing.T) {
	h, _, _ := newTestAdminHandler(t)

	body, _ := json.Marshal(map[string]string{"secret": "another-secret"})
	req := httptest.NewRequest(http.MethodPost, "/admin/keys", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "admin-key")
	h.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/admin/audit", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	entries, _ := resp["entries"].([]any)
	if len(entries) != 1 {
		t.Errorf("entries = %v, want 1", resp["entries"])
	}
}
