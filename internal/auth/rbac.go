// Package auth authenticates the gateway's client and admin HTTP
// surfaces per spec §6: client endpoints accept either
// "Authorization: Bearer <key>" or "X-API-Key: <key>"; admin endpoints
// require "X-API-Key: <admin-key>". Configured keys are compared in
// constant time so a partial match can't be timed out of the server.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrKeyNotFound = errors.New("key not found")

// KeySet holds one configured set of accepted keys (client or admin)
// and answers constant-time membership queries.
type KeySet struct {
	keys []string
}

// NewKeySet builds a KeySet from a raw list, trimming blanks.
func NewKeySet(keys []string) KeySet {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			out = append(out, k)
		}
	}
	return KeySet{keys: out}
}

// Contains reports whether candidate matches any configured key. Keys
// whose length differs from candidate's are skipped; every key of the
// same length is compared in constant time, regardless of an early
// match, so timing does not reveal which of those keys matched.
func (s KeySet) Contains(candidate string) bool {
	if candidate == "" {
		return false
	}
	var found int
	for _, k := range s.keys {
		if len(k) != len(candidate) {
			continue
		}
		found |= subtle.ConstantTimeCompare([]byte(k), []byte(candidate))
	}
	return found == 1
}

// IssuedAdminKey is an admin key minted at runtime (e.g. handed to an
// on-call operator) rather than supplied at startup via config. Only
// its bcrypt hash is ever stored.
type IssuedAdminKey struct {
	ID         string
	Label      string
	SecretHash string
}

// IssuedKeyRepository persists runtime-minted admin keys.
type IssuedKeyRepository interface {
	List(ctx context.Context) ([]IssuedAdminKey, error)
	Add(ctx context.Context, key IssuedAdminKey) error
	Revoke(ctx context.Context, id string) error
}

// InMemoryIssuedKeyRepository is the default IssuedKeyRepository; state
// does not survive a restart, consistent with the gateway's no
// cross-restart persistence non-goal.
type InMemoryIssuedKeyRepository struct {
	mu   sync.Mutex
	keys map[string]IssuedAdminKey
}

func NewInMemoryIssuedKeyRepository() *InMemoryIssuedKeyRepository {
	return &InMemoryIssuedKeyRepository{keys: make(map[string]IssuedAdminKey)}
}

func (r *InMemoryIssuedKeyRepository) List(ctx context.Context) ([]IssuedAdminKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]IssuedAdminKey, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, k)
	}
	return out, nil
}

func (r *InMemoryIssuedKeyRepository) Add(ctx context.Context, key IssuedAdminKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key.ID] = key
	return nil
}

func (r *InMemoryIssuedKeyRepository) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[id]; !ok {
		return ErrKeyNotFound
	}
	delete(r.keys, id)
	return nil
}

// HashAdminKey bcrypt-hashes a freshly minted admin key for storage via
// IssuedKeyRepository.Add.
func HashAdminKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authenticator validates client and admin credentials. Configured
// keys (from startup config) are checked in constant time; admin keys
// minted later at runtime are checked against their bcrypt hash.
type Authenticator struct {
	clientKeys KeySet
	adminKeys  KeySet
	issued     IssuedKeyRepository
}

// NewAuthenticator builds an Authenticator. issued may be nil, in which
// case an InMemoryIssuedKeyRepository is used.
func NewAuthenticator(clientKeys, adminKeys []string, issued IssuedKeyRepository) *Authenticator {
	if issued == nil {
		issued = NewInMemoryIssuedKeyRepository()
	}
	return &Authenticator{
		clientKeys: NewKeySet(clientKeys),
		adminKeys:  NewKeySet(adminKeys),
		issued:     issued,
	}
}

// ExtractClientKey reads the client credential from a request, per
// spec §6: "Authorization: Bearer <key>" takes precedence over
// "X-API-Key: <key>".
func ExtractClientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// ExtractAdminKey reads the admin credential from a request.
func ExtractAdminKey(r *http.Request) string {
	return r.Header.Get("X-API-Key")
}

// IsClientKey reports whether key is in the configured client-key set.
func (a *Authenticator) IsClientKey(key string) bool {
	return a.clientKeys.Contains(key)
}

// IsAdminKey reports whether key is a configured admin key or a
// non-revoked issued admin key.
func (a *Authenticator) IsAdminKey(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	if a.adminKeys.Contains(key) {
		return true
	}
	issued, err := a.issued.List(ctx)
	if err != nil {
		return false
	}
	for _, k := range issued {
		if bcrypt.CompareHashAndPassword([]byte(k.SecretHash), []byte(key)) == nil {
			return true
		}
	}
	return false
}

// IssueAdminKey registers secret as a new admin key under id, storing
// only its bcrypt hash via the configured IssuedKeyRepository. The
// plaintext secret is supplied by the caller and is never recoverable
// from storage.
func (a *Authenticator) IssueAdminKey(ctx context.Context, id, label, secret string) error {
	hash, err := HashAdminKey(secret)
	if err != nil {
		return err
	}
	return a.issued.Add(ctx, IssuedAdminKey{ID: id, Label: label, SecretHash: hash})
}

// RevokeAdminKey removes a previously issued admin key.
func (a *Authenticator) RevokeAdminKey(ctx context.Context, id string) error {
	return a.issued.Revoke(ctx, id)
}

// RequireClientKey is HTTP middleware enforcing a valid client key on
// the wrapped handler.
func (a *Authenticator) RequireClientKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.IsClientKey(ExtractClientKey(r)) {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdminKey is HTTP middleware enforcing a valid admin key on the
// wrapped handler.
func (a *Authenticator) RequireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.IsAdminKey(r.Context(), ExtractAdminKey(r)) {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"message":"invalid or missing API key","type":"unauthorized","code":401}}`))
}
