// Package stores provides persistence layer implementations for passportd.
// It includes SQLite-based storage with WAL mode, embedded migrations and
// transactional CRUD for units, stages, protocols, schemas, audit entries,
// the anchoring job queue and TTL cache entries.
package stores
