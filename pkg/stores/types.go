package stores

import (
	"context"
	"time"

	"github.com/passportd/passportd/pkg/engine"
)

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02 15:04:05.000000"

// Store defines the interface for the persistence layer
type Store interface {
	engine.Storage

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Cache entry operations backing the identity cache
	AddEntry(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) (bool, error)
	GetEntry(ctx context.Context, namespace, key string) ([]byte, bool, error)
	DeleteExpiredEntries(ctx context.Context) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
