package repository

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/nullstream/gemini-gateway/internal/crypto"
)

// PostgresAuditRepository is the optional durable backend for
// AuditRepository; InMemoryAuditRepository is the default.
type PostgresAuditRepository struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// PostgresAuditOption configures optional PostgresAuditRepository behavior.
type PostgresAuditOption func(*PostgresAuditRepository)

// WithDetailEncryption encrypts the free-form Detail column at rest,
// using the gateway's configured encryption key.
func WithDetailEncryption(enc *crypto.Encryptor) PostgresAuditOption {
	return func(r *PostgresAuditRepository) { r.enc = enc }
}

func NewPostgresAuditRepository(db *sql.DB, opts ...PostgresAuditOption) *PostgresAuditRepository {
	r := &PostgresAuditRepository{db: db}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *PostgresAuditRepository) Record(ctx context.Context, entry AuditEntry) error {
	detail := entry.Detail
	if r.enc != nil && detail != "" {
		encrypted, err := r.enc.Encrypt(detail)
		if err != nil {
			return fmt.Errorf("encrypt audit detail: %w", err)
		}
		detail = encrypted
	}

	query := `
		INSERT INTO credential_audit_log (id, action, credential_id, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.Action,
		entry.CredentialID,
		entry.Actor,
		detail,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepository) List(ctx context.Context, limit int) ([]AuditEntry, error) {
	query := `
		SELECT id, action, credential_id, actor, detail, created_at
		FROM credential_audit_log
		ORDER BY created_at DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.CredentialID, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if r.enc != nil && e.Detail != "" {
			decrypted, err := r.enc.Decrypt(e.Detail)
			if err != nil {
				return nil, fmt.Errorf("decrypt audit detail: %w", err)
			}
			e.Detail = decrypted
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
