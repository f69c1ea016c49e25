package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/passportd/passportd/pkg/engine"
)

// Catalog loads production schemas from YAML files and syncs them into storage.
type Catalog struct {
	store    engine.SchemaStore
	registry *SchemaRegistry
	validate *validator.Validate
	logger   zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewCatalog creates a catalog writing to store. registry may be nil, in
// which case a registry with the built-in definitions is used.
func NewCatalog(store engine.SchemaStore, registry *SchemaRegistry, logger zerolog.Logger) *Catalog {
	if registry == nil {
		registry = NewSchemaRegistry()
	}
	return &Catalog{
		store:    store,
		registry: registry,
		validate: validator.New(),
		logger:   logger.With().Str("component", "schema-catalog").Logger(),
	}
}

// ParseSchemas decodes every YAML document in r and validates each one.
func (c *Catalog) ParseSchemas(r io.Reader) ([]*engine.Schema, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var schemas []*engine.Schema
	for {
		var schema engine.Schema
		err := dec.Decode(&schema)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode schema: %w", err)
		}
		if err := c.Check(&schema); err != nil {
			return nil, err
		}
		schemas = append(schemas, &schema)
	}
	return schemas, nil
}

// Check validates one schema against its struct tags, the CUE definition
// and the uniqueness of stage and row identifiers.
func (c *Catalog) Check(schema *engine.Schema) error {
	if err := c.validate.Struct(schema); err != nil {
		return fmt.Errorf("schema %q: %w", schema.SchemaID, err)
	}
	if err := c.registry.Validate(ProductionSchemaDef, schema); err != nil {
		return fmt.Errorf("schema %q: %w", schema.SchemaID, err)
	}

	stages := make(map[string]bool, len(schema.ProductionStages))
	for _, st := range schema.ProductionStages {
		if stages[st.ID] {
			return fmt.Errorf("schema %q: duplicate stage id %q", schema.SchemaID, st.ID)
		}
		stages[st.ID] = true
	}
	if schema.Protocol != nil {
		rows := make(map[string]bool, len(schema.Protocol.Rows))
		for _, row := range schema.Protocol.Rows {
			if rows[row.Name] {
				return fmt.Errorf("schema %q: duplicate protocol row %q", schema.SchemaID, row.Name)
			}
			rows[row.Name] = true
		}
	}
	return nil
}

// LoadDir parses every .yaml and .yml file under dir. Schema IDs must be
// unique across files.
func (c *Catalog) LoadDir(dir string) ([]*engine.Schema, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isSchemaFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk schema directory: %w", err)
	}
	sort.Strings(files)

	seen := make(map[string]string)
	var all []*engine.Schema
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		schemas, err := c.ParseSchemas(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, s := range schemas {
			if prev, ok := seen[s.SchemaID]; ok {
				return nil, fmt.Errorf("schema %q defined in both %s and %s", s.SchemaID, prev, path)
			}
			seen[s.SchemaID] = path
		}
		all = append(all, schemas...)
	}
	return all, nil
}

// Sync loads dir and writes every schema to storage. Nothing is written if
// any file is invalid.
func (c *Catalog) Sync(ctx context.Context, dir string) (int, error) {
	schemas, err := c.LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, s := range schemas {
		if err := c.store.PutSchema(ctx, s); err != nil {
			return 0, fmt.Errorf("store schema %q: %w", s.SchemaID, err)
		}
	}

	c.logger.Info().
		Str("directory", dir).
		Int("count", len(schemas)).
		Msg("Production schemas synced")

	return len(schemas), nil
}

// Watch re-syncs dir whenever a schema file changes until ctx is done.
func (c *Catalog) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()

	go c.processEvents(ctx, watcher, dir)

	c.logger.Info().Str("directory", dir).Msg("Started watching production schemas")
	return nil
}

func (c *Catalog) processEvents(ctx context.Context, watcher *fsnotify.Watcher, dir string) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !isSchemaFile(event.Name) {
				continue
			}
			c.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Schema file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if _, err := c.Sync(ctx, dir); err != nil {
					c.logger.Error().Err(err).Msg("Failed to reload production schemas")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching stops watching for file changes.
func (c *Catalog) StopWatching() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher == nil {
		return nil
	}
	err := c.watcher.Close()
	c.watcher = nil
	return err
}

func isSchemaFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
