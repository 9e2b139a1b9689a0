package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/irc-web-terminal/backend/internal/model"
)

const tokenBytes = 32

// TokenRepository stores bearer tokens issued to identities.
type TokenRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db, now: time.Now}
}

// Issue creates a token for identity. A zero ttl never expires.
func (r *TokenRepository) Issue(ctx context.Context, identity string, isAdmin bool, ttl time.Duration) (string, error) {
	if err := model.ValidateIdentity(identity); err != nil {
		return "", err
	}

	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(b)

	var expiresAt *time.Time
	if ttl > 0 {
		t := r.now().Add(ttl)
		expiresAt = &t
	}

	query := `
		INSERT INTO tokens (token, identity, is_admin, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := r.db.ExecContext(ctx, query, token, identity, isAdmin, expiresAt, r.now()); err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}

	return token, nil
}

// Lookup resolves a token. Unknown and expired tokens return model.ErrUnauthorized.
func (r *TokenRepository) Lookup(ctx context.Context, token string) (model.Identity, error) {
	query := `
		SELECT identity, is_admin, expires_at
		FROM tokens
		WHERE token = ?
	`

	var id model.Identity
	var expiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, token).Scan(&id.Name, &id.IsAdmin, &expiresAt)
	if err == sql.ErrNoRows {
		return model.Identity{}, model.ErrUnauthorized
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("failed to look up token: %w", err)
	}

	if expiresAt.Valid && !r.now().Before(expiresAt.Time) {
		return model.Identity{}, fmt.Errorf("%w: token expired", model.ErrUnauthorized)
	}

	return id, nil
}

// RevokeIdentity deletes every token of identity and returns how many were removed.
func (r *TokenRepository) RevokeIdentity(ctx context.Context, identity string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tokens WHERE identity = ?`, identity)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return result.RowsAffected()
}
