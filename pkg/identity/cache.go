// Package identity caches employee records under their content hash so
// that badge scans can be resolved back to a person.
package identity

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/passportd/passportd/pkg/engine"
)

const (
	// DefaultNamespace is the key namespace of employee records.
	DefaultNamespace = "employees"

	// DefaultTTL keeps records for two weeks.
	DefaultTTL = 14 * 24 * time.Hour
)

// KV is the key-value store behind the cache. Errors returned by a KV are
// connectivity faults; a missing key is reported through the bool result.
type KV interface {
	// AddEntry stores value unless a live entry exists and reports whether it did.
	AddEntry(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) (bool, error)

	// GetEntry returns the live value stored under key.
	GetEntry(ctx context.Context, namespace, key string) ([]byte, bool, error)
}

// Config holds identity cache settings.
type Config struct {
	Namespace string
	TTL       time.Duration
}

// Cache maps content hashes to employee records.
type Cache struct {
	kv        KV
	namespace string
	ttl       time.Duration
	validate  *validator.Validate
	obs       engine.Observer
	logger    zerolog.Logger
}

// NewCache creates a new identity cache over kv.
func NewCache(kv KV, cfg Config, obs engine.Observer, logger zerolog.Logger) *Cache {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if obs == nil {
		obs = engine.NopObserver{}
	}
	return &Cache{
		kv:        kv,
		namespace: cfg.Namespace,
		ttl:       cfg.TTL,
		validate:  validator.New(),
		obs:       obs,
		logger:    logger.With().Str("component", "identity").Logger(),
	}
}

// Put stores every record under its content hash unless already present.
// It returns the number of records newly stored. Records failing validation
// are rejected before anything is written.
func (c *Cache) Put(ctx context.Context, employees []engine.Employee) (int, error) {
	for i := range employees {
		if err := c.validate.Struct(employees[i]); err != nil {
			c.obs.RecordFailure(engine.KindInvalidInput)
			return 0, engine.NewInvalidInputError(fmt.Sprintf("invalid employee record %d", i), err).
				WithOperation("put")
		}
	}

	added := 0
	for _, e := range employees {
		value, err := json.Marshal(e)
		if err != nil {
			return added, fmt.Errorf("failed to encode employee: %w", err)
		}
		ok, err := c.kv.AddEntry(ctx, c.namespace, e.ContentHash(), value, c.ttl)
		if err != nil {
			return added, c.unavailable("put", err)
		}
		if ok {
			added++
		}
	}

	c.logger.Debug().
		Int("records", len(employees)).
		Int("added", added).
		Msg("Employee records cached")
	return added, nil
}

// Get returns the employee cached under hash, or nil if there is none.
// Malformed hashes and payloads that do not decode, validate and re-hash to
// the key are treated as absent.
func (c *Cache) Get(ctx context.Context, hash string) (*engine.Employee, error) {
	if !validHash(hash) {
		return nil, nil
	}

	value, ok, err := c.kv.GetEntry(ctx, c.namespace, hash)
	if err != nil {
		return nil, c.unavailable("get", err)
	}
	if !ok {
		return nil, nil
	}

	employee, err := c.decode(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("hash", hash).Msg("Discarding malformed cache entry")
		return nil, nil
	}
	if employee.ContentHash() != hash {
		c.logger.Warn().Str("hash", hash).Msg("Discarding cache entry with mismatched hash")
		return nil, nil
	}
	return employee, nil
}

func (c *Cache) decode(value []byte) (*engine.Employee, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.DisallowUnknownFields()

	var e engine.Employee
	if err := dec.Decode(&e); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trailing data after employee record")
	}
	if err := c.validate.Struct(e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Cache) unavailable(op string, err error) error {
	c.obs.RecordFailure(engine.KindCacheUnavailable)
	c.logger.Error().Err(err).Str("operation", op).Msg("Identity cache unavailable")
	return engine.NewCacheUnavailableError("identity cache unavailable", err).WithOperation(op)
}

func validHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}
