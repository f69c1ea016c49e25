package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/passportd/passportd/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	q    querier
	cfg  Config
	inTx bool
	now  func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" env:"PATH" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: sees its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	s.q = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil && !s.inTx {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// InTx runs fn inside a transaction. Nested calls reuse the outer transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx engine.Storage) error) error {
	if s.inTx {
		return fn(s)
	}
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &SQLiteStore{db: s.db, q: tx, cfg: s.cfg, inTx: true, now: s.now}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	var result int
	if err := s.q.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// CreateUnit creates a new unit record
func (s *SQLiteStore) CreateUnit(ctx context.Context, unit *engine.Unit) error {
	components, err := json.Marshal(nonNilStrings(unit.ComponentsInternalIDs))
	if err != nil {
		return fmt.Errorf("failed to encode components: %w", err)
	}

	query := `
		INSERT INTO units (
			uuid, internal_id, schema_id, status, model, serial_number, parential_unit,
			components_internal_ids, ipfs_cid, txn_hash, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.q.ExecContext(ctx, query,
		unit.UUID,
		unit.InternalID,
		unit.SchemaID,
		string(unit.Status),
		unit.Model,
		unit.SerialNumber,
		unit.ParentialUnit,
		string(components),
		unit.IPFSCID,
		unit.TxnHash,
		formatTime(unit.CreatedAt),
		formatTime(unit.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create unit: %w", err)
	}
	return nil
}

const unitColumns = `uuid, internal_id, schema_id, status, model, serial_number, parential_unit,
	components_internal_ids, ipfs_cid, txn_hash, created_at, updated_at`

// GetUnit retrieves a unit by internal ID
func (s *SQLiteStore) GetUnit(ctx context.Context, internalID string) (*engine.Unit, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE internal_id = ?`, internalID)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("unit not found: %s", internalID)).WithResource(internalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return unit, nil
}

// GetUnitByUUID retrieves a unit by its storage identity
func (s *SQLiteStore) GetUnitByUUID(ctx context.Context, uuid string) (*engine.Unit, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE uuid = ?`, uuid)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("unit not found: %s", uuid)).WithResource(uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return unit, nil
}

func scanUnit(row scanner) (*engine.Unit, error) {
	var (
		unit                 engine.Unit
		status               string
		components           string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&unit.UUID,
		&unit.InternalID,
		&unit.SchemaID,
		&status,
		&unit.Model,
		&unit.SerialNumber,
		&unit.ParentialUnit,
		&components,
		&unit.IPFSCID,
		&unit.TxnHash,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	unit.Status = engine.UnitStatus(status)
	if err := json.Unmarshal([]byte(components), &unit.ComponentsInternalIDs); err != nil {
		return nil, fmt.Errorf("failed to decode components: %w", err)
	}
	if unit.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if unit.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &unit, nil
}

// UpdateUnitStatus updates the status of a unit
func (s *SQLiteStore) UpdateUnitStatus(ctx context.Context, internalID string, status engine.UnitStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}

	query := `UPDATE units SET status = ?, updated_at = ? WHERE internal_id = ?`
	result, err := s.q.ExecContext(ctx, query, string(status), formatTime(s.now()), internalID)
	if err != nil {
		return fmt.Errorf("failed to update unit status: %w", err)
	}
	return expectOne(result, "unit", internalID)
}

// UpdateUnitAnchor records the passport content ID and ledger transaction.
// Empty arguments leave the stored value unchanged.
func (s *SQLiteStore) UpdateUnitAnchor(ctx context.Context, internalID, contentID, txnHash string) error {
	query := `
		UPDATE units SET
			ipfs_cid = CASE WHEN ? <> '' THEN ? ELSE ipfs_cid END,
			txn_hash = CASE WHEN ? <> '' THEN ? ELSE txn_hash END,
			updated_at = ?
		WHERE internal_id = ?
	`
	result, err := s.q.ExecContext(ctx, query, contentID, contentID, txnHash, txnHash, formatTime(s.now()), internalID)
	if err != nil {
		return fmt.Errorf("failed to update unit anchor: %w", err)
	}
	return expectOne(result, "unit", internalID)
}

// UpdateUnitSerial sets the serial number of a unit
func (s *SQLiteStore) UpdateUnitSerial(ctx context.Context, internalID, serialNumber string) error {
	query := `UPDATE units SET serial_number = ?, updated_at = ? WHERE internal_id = ?`
	result, err := s.q.ExecContext(ctx, query, serialNumber, formatTime(s.now()), internalID)
	if err != nil {
		return fmt.Errorf("failed to update serial number: %w", err)
	}
	return expectOne(result, "unit", internalID)
}

// DeleteUnit deletes a unit. Its stages go with it through the foreign key.
func (s *SQLiteStore) DeleteUnit(ctx context.Context, internalID string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM units WHERE internal_id = ?`, internalID)
	if err != nil {
		return fmt.Errorf("failed to delete unit: %w", err)
	}
	return expectOne(result, "unit", internalID)
}

// AppendStage appends a stage to a unit's history
func (s *SQLiteStore) AppendStage(ctx context.Context, stage *engine.Stage) error {
	info, err := json.Marshal(stage.AdditionalInfo)
	if err != nil {
		return fmt.Errorf("failed to encode additional info: %w", err)
	}
	if stage.AdditionalInfo == nil {
		info = []byte("{}")
	}

	query := `
		INSERT INTO stages (
			id, parent_unit_uuid, name, number, schema_stage_id, employee_name, completed,
			ended_prematurely, session_start_time, session_end_time, additional_info,
			rework_of, revision_cancelled, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.q.ExecContext(ctx, query,
		stage.ID,
		stage.ParentUnitUUID,
		stage.Name,
		stage.Number,
		stage.SchemaStageID,
		stage.EmployeeName,
		stage.Completed,
		stage.EndedPrematurely,
		formatTimePtr(stage.SessionStartTime),
		formatTimePtr(stage.SessionEndTime),
		string(info),
		stage.ReworkOf,
		stage.RevisionCancelled,
		formatTime(stage.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append stage: %w", err)
	}
	return nil
}

const stageColumns = `id, parent_unit_uuid, name, number, schema_stage_id, employee_name, completed,
	ended_prematurely, session_start_time, session_end_time, additional_info,
	rework_of, revision_cancelled, created_at`

// GetStage retrieves a stage by ID
func (s *SQLiteStore) GetStage(ctx context.Context, id string) (*engine.Stage, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id = ?`, id)
	stage, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("stage not found: %s", id)).WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage: %w", err)
	}
	return stage, nil
}

// ListStages lists a unit's stages in creation order
func (s *SQLiteStore) ListStages(ctx context.Context, unitUUID string) ([]*engine.Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM stages WHERE parent_unit_uuid = ? ORDER BY created_at ASC, rowid ASC`

	rows, err := s.q.QueryContext(ctx, query, unitUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stages := make([]*engine.Stage, 0)
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		stages = append(stages, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stages: %w", err)
	}
	return stages, nil
}

func scanStage(row scanner) (*engine.Stage, error) {
	var (
		stage           engine.Stage
		sessionStart    *string
		sessionEnd      *string
		info, createdAt string
	)
	err := row.Scan(
		&stage.ID,
		&stage.ParentUnitUUID,
		&stage.Name,
		&stage.Number,
		&stage.SchemaStageID,
		&stage.EmployeeName,
		&stage.Completed,
		&stage.EndedPrematurely,
		&sessionStart,
		&sessionEnd,
		&info,
		&stage.ReworkOf,
		&stage.RevisionCancelled,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(info), &stage.AdditionalInfo); err != nil {
		return nil, fmt.Errorf("failed to decode additional info: %w", err)
	}
	if stage.SessionStartTime, err = parseTimePtr(sessionStart); err != nil {
		return nil, err
	}
	if stage.SessionEndTime, err = parseTimePtr(sessionEnd); err != nil {
		return nil, err
	}
	if stage.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &stage, nil
}

// MarkRevisionCancelled flags a rework stage as withdrawn
func (s *SQLiteStore) MarkRevisionCancelled(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `UPDATE stages SET revision_cancelled = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel revision: %w", err)
	}
	return expectOne(result, "stage", id)
}

// CompleteStage overwrites the recorded work of a stage
func (s *SQLiteStore) CompleteStage(ctx context.Context, stage *engine.Stage) error {
	info, err := json.Marshal(stage.AdditionalInfo)
	if err != nil {
		return fmt.Errorf("failed to encode additional info: %w", err)
	}
	if stage.AdditionalInfo == nil {
		info = []byte("{}")
	}

	query := `
		UPDATE stages SET
			employee_name = ?, completed = ?, ended_prematurely = ?,
			session_start_time = ?, session_end_time = ?, additional_info = ?
		WHERE id = ?
	`
	result, err := s.q.ExecContext(ctx, query,
		stage.EmployeeName,
		stage.Completed,
		stage.EndedPrematurely,
		formatTimePtr(stage.SessionStartTime),
		formatTimePtr(stage.SessionEndTime),
		string(info),
		stage.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete stage: %w", err)
	}
	return expectOne(result, "stage", stage.ID)
}

// PutProtocol inserts or replaces the protocol of its associated unit
func (s *SQLiteStore) PutProtocol(ctx context.Context, p *engine.Protocol) error {
	rows, err := json.Marshal(p.Rows)
	if err != nil {
		return fmt.Errorf("failed to encode rows: %w", err)
	}

	query := `
		INSERT INTO protocols (
			protocol_id, associated_unit_id, protocol_name, protocol_schema_id,
			associated_with_schema_id, default_serial_number, status, rows,
			creation_time, approved_at, ipfs_cid, txn_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(associated_unit_id) DO UPDATE SET
			protocol_id = excluded.protocol_id,
			protocol_name = excluded.protocol_name,
			protocol_schema_id = excluded.protocol_schema_id,
			associated_with_schema_id = excluded.associated_with_schema_id,
			default_serial_number = excluded.default_serial_number,
			status = excluded.status,
			rows = excluded.rows,
			approved_at = excluded.approved_at,
			ipfs_cid = excluded.ipfs_cid,
			txn_hash = excluded.txn_hash
	`

	_, err = s.q.ExecContext(ctx, query,
		p.ProtocolID,
		p.AssociatedUnitID,
		p.ProtocolName,
		p.ProtocolSchemaID,
		p.AssociatedWithSchemaID,
		p.DefaultSerialNumber,
		string(p.Status),
		string(rows),
		formatTime(p.CreationTime),
		formatTimePtr(p.ApprovedAt),
		p.IPFSCID,
		p.TxnHash,
	)
	if err != nil {
		return fmt.Errorf("failed to put protocol: %w", err)
	}
	return nil
}

const protocolColumns = `protocol_id, associated_unit_id, protocol_name, protocol_schema_id,
	associated_with_schema_id, default_serial_number, status, rows,
	creation_time, approved_at, ipfs_cid, txn_hash`

// GetProtocol retrieves the protocol attached to a unit
func (s *SQLiteStore) GetProtocol(ctx context.Context, unitID string) (*engine.Protocol, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+protocolColumns+` FROM protocols WHERE associated_unit_id = ?`, unitID)
	p, err := scanProtocol(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("protocol not found for unit: %s", unitID)).WithResource(unitID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get protocol: %w", err)
	}
	return p, nil
}

// ListProtocols lists protocols with an optional status filter
func (s *SQLiteStore) ListProtocols(ctx context.Context, status *engine.ProtocolStatus) ([]*engine.Protocol, error) {
	query := `
		SELECT ` + protocolColumns + `
		FROM protocols
		WHERE (? IS NULL OR status = ?)
		ORDER BY creation_time ASC, associated_unit_id ASC
	`

	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}

	rows, err := s.q.QueryContext(ctx, query, statusArg, statusArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list protocols: %w", err)
	}
	defer func() { _ = rows.Close() }()

	protocols := make([]*engine.Protocol, 0)
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan protocol: %w", err)
		}
		protocols = append(protocols, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate protocols: %w", err)
	}
	return protocols, nil
}

func scanProtocol(row scanner) (*engine.Protocol, error) {
	var (
		p                      engine.Protocol
		status, rows, creation string
		approvedAt             *string
	)
	err := row.Scan(
		&p.ProtocolID,
		&p.AssociatedUnitID,
		&p.ProtocolName,
		&p.ProtocolSchemaID,
		&p.AssociatedWithSchemaID,
		&p.DefaultSerialNumber,
		&status,
		&rows,
		&creation,
		&approvedAt,
		&p.IPFSCID,
		&p.TxnHash,
	)
	if err != nil {
		return nil, err
	}

	p.Status = engine.ProtocolStatus(status)
	if err := json.Unmarshal([]byte(rows), &p.Rows); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	if p.CreationTime, err = parseTime(creation); err != nil {
		return nil, err
	}
	if p.ApprovedAt, err = parseTimePtr(approvedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetProtocolAnchor records anchoring outputs. Empty arguments leave the
// stored value unchanged.
func (s *SQLiteStore) SetProtocolAnchor(ctx context.Context, protocolID, contentID, txnHash string) error {
	query := `
		UPDATE protocols SET
			ipfs_cid = CASE WHEN ? <> '' THEN ? ELSE ipfs_cid END,
			txn_hash = CASE WHEN ? <> '' THEN ? ELSE txn_hash END
		WHERE protocol_id = ?
	`
	result, err := s.q.ExecContext(ctx, query, contentID, contentID, txnHash, txnHash, protocolID)
	if err != nil {
		return fmt.Errorf("failed to set protocol anchor: %w", err)
	}
	return expectOne(result, "protocol", protocolID)
}

// DeleteProtocol deletes the protocol attached to a unit
func (s *SQLiteStore) DeleteProtocol(ctx context.Context, unitID string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM protocols WHERE associated_unit_id = ?`, unitID)
	if err != nil {
		return fmt.Errorf("failed to delete protocol: %w", err)
	}
	return expectOne(result, "protocol", unitID)
}

// PutSchema inserts or replaces a production schema
func (s *SQLiteStore) PutSchema(ctx context.Context, schema *engine.Schema) error {
	doc, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	query := `
		INSERT INTO schemas (schema_id, unit_name, document, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(schema_id) DO UPDATE SET
			unit_name = excluded.unit_name,
			document = excluded.document,
			updated_at = excluded.updated_at
	`
	if _, err := s.q.ExecContext(ctx, query, schema.SchemaID, schema.UnitName, string(doc), formatTime(s.now())); err != nil {
		return fmt.Errorf("failed to put schema: %w", err)
	}
	return nil
}

// GetSchema retrieves a production schema by ID
func (s *SQLiteStore) GetSchema(ctx context.Context, schemaID string) (*engine.Schema, error) {
	var doc string
	err := s.q.QueryRowContext(ctx, `SELECT document FROM schemas WHERE schema_id = ?`, schemaID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("schema not found: %s", schemaID)).WithResource(schemaID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}

	schema := &engine.Schema{}
	if err := json.Unmarshal([]byte(doc), schema); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	return schema, nil
}

// ListSchemas lists all production schemas
func (s *SQLiteStore) ListSchemas(ctx context.Context) ([]*engine.Schema, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT document FROM schemas ORDER BY schema_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	schemas := make([]*engine.Schema, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan schema: %w", err)
		}
		schema := &engine.Schema{}
		if err := json.Unmarshal([]byte(doc), schema); err != nil {
			return nil, fmt.Errorf("failed to decode schema: %w", err)
		}
		schemas = append(schemas, schema)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schemas: %w", err)
	}
	return schemas, nil
}

// AppendAudit creates a new audit entry
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *engine.AuditEntry) error {
	details := []byte("{}")
	if entry.Details != nil {
		var err error
		if details, err = json.Marshal(entry.Details); err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_log (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.q.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		string(details),
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAudit lists audit entries for a target, oldest first. An empty
// target lists every entry; limit <= 0 means no limit.
func (s *SQLiteStore) ListAudit(ctx context.Context, targetID string, limit int) ([]*engine.AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit_log
		WHERE (? = '' OR target_id = ?)
		ORDER BY id ASC
		LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.q.QueryContext(ctx, query, targetID, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*engine.AuditEntry, 0)
	for rows.Next() {
		var (
			entry     engine.AuditEntry
			details   string
			timestamp string
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.TargetID, &details, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
		if entry.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}

func expectOne(result sql.Result, entity, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("%s not found: %s", entity, id)).WithResource(id)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
