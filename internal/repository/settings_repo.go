package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

const (
	keyMaxUsers     = "max_users"
	defaultMaxUsers = 10
)

// SettingsRepository reads the key/value settings table.
type SettingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository creates a new SettingsRepository.
func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the value for key and whether it was set.
func (r *SettingsRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// MaxUsers returns the configured account limit, 10 when unset.
func (r *SettingsRepository) MaxUsers(ctx context.Context) (int, error) {
	value, ok, err := r.Get(ctx, keyMaxUsers)
	if err != nil {
		return 0, err
	}
	if !ok {
		return defaultMaxUsers, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s setting %q: %w", keyMaxUsers, value, err)
	}
	return n, nil
}
