package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AddEntry stores value under (namespace, key) unless a live entry exists.
// Expired entries are replaced. ttl <= 0 means the entry never expires.
func (s *SQLiteStore) AddEntry(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now()

	var expiresAt *string
	if ttl > 0 {
		formatted := formatTime(now.Add(ttl))
		expiresAt = &formatted
	}

	query := `
		INSERT INTO cache_entries (namespace, key, value, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
		WHERE cache_entries.expires_at IS NOT NULL AND cache_entries.expires_at <= ?
	`

	result, err := s.q.ExecContext(ctx, query, namespace, key, value, expiresAt, formatTime(now), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to add cache entry: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// GetEntry retrieves a live cache entry.
func (s *SQLiteStore) GetEntry(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	query := `
		SELECT value FROM cache_entries
		WHERE namespace = ? AND key = ?
		  AND (expires_at IS NULL OR expires_at > ?)
	`

	var value []byte
	err := s.q.QueryRowContext(ctx, query, namespace, key, formatTime(s.now())).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return value, true, nil
}

// DeleteExpiredEntries deletes all expired cache entries
func (s *SQLiteStore) DeleteExpiredEntries(ctx context.Context) (int64, error) {
	query := `DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`

	result, err := s.q.ExecContext(ctx, query, formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}

	return result.RowsAffected()
}
