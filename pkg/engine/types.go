package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Unit is a manufactured item with a digital passport.
type Unit struct {
	// UUID is the immutable storage identity of the unit.
	UUID string `json:"uuid"`

	// InternalID is the human-facing identifier used by operators.
	InternalID string `json:"internal_id" validate:"required"`

	// SchemaID references the production schema the unit follows.
	SchemaID string `json:"schema_id" validate:"required"`

	// Status is the lifecycle position of the unit.
	Status UnitStatus `json:"status"`

	// Model is the product model name.
	Model string `json:"model,omitempty"`

	// SerialNumber is assigned once the unit is built.
	SerialNumber string `json:"serial_number,omitempty"`

	// ParentialUnit is the internal ID of the assembly this unit belongs to.
	ParentialUnit string `json:"parential_unit,omitempty"`

	// ComponentsInternalIDs lists the internal IDs of installed components.
	ComponentsInternalIDs []string `json:"components_internal_ids,omitempty"`

	// Biography holds the production stages, ordered by creation time.
	Biography []*Stage `json:"biography,omitempty"`

	// IPFSCID is the content ID of the anchored passport, if any.
	IPFSCID string `json:"passport_ipfs_cid,omitempty"`

	// TxnHash is the ledger transaction that recorded the content ID.
	TxnHash string `json:"txn_hash,omitempty"`

	// CreatedAt is when the unit entered production.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the unit was last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Stage is one recorded step in a unit's production history.
type Stage struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	ParentUnitUUID   string                 `json:"parent_unit_uuid"`
	Number           int                    `json:"number"`
	SchemaStageID    string                 `json:"schema_stage_id"`
	EmployeeName     string                 `json:"employee_name,omitempty"`
	Completed        bool                   `json:"completed"`
	EndedPrematurely bool                   `json:"ended_prematurely"`
	SessionStartTime *time.Time             `json:"session_start_time,omitempty"`
	SessionEndTime   *time.Time             `json:"session_end_time,omitempty"`
	AdditionalInfo   map[string]interface{} `json:"additional_info,omitempty"`
	CreatedAt        time.Time              `json:"creation_time"`

	// ReworkOf is the stage this one reworks. Empty for original stages.
	ReworkOf string `json:"rework_of,omitempty"`

	// RevisionCancelled marks a rework stage whose revision was withdrawn.
	RevisionCancelled bool `json:"revision_cancelled,omitempty"`
}

// IsReworked returns true if the stage was created by a revision.
func (s *Stage) IsReworked() bool {
	if s.ReworkOf != "" {
		return true
	}
	v, ok := s.AdditionalInfo["reworked"].(bool)
	return ok && v
}

// InActiveRevision returns true if the stage is a rework still awaiting completion.
func (s *Stage) InActiveRevision() bool {
	return s.ReworkOf != "" && !s.Completed && !s.RevisionCancelled
}

// Protocol is a quality-test record attached to one unit.
type Protocol struct {
	ProtocolID             string         `json:"protocol_id"`
	ProtocolName           string         `json:"protocol_name"`
	ProtocolSchemaID       string         `json:"protocol_schema_id"`
	AssociatedWithSchemaID string         `json:"associated_with_schema_id"`
	AssociatedUnitID       string         `json:"associated_unit_id"`
	DefaultSerialNumber    string         `json:"default_serial_number,omitempty"`
	Status                 ProtocolStatus `json:"status"`
	Rows                   []ProtocolRow  `json:"rows"`
	CreationTime           time.Time      `json:"creation_time"`
	ApprovedAt             *time.Time     `json:"approved_at,omitempty"`
	IPFSCID                string         `json:"ipfs_cid,omitempty"`
	TxnHash                string         `json:"txn_hash,omitempty"`
}

// Row returns the row with the given name, or nil.
func (p *Protocol) Row(name string) *ProtocolRow {
	for i := range p.Rows {
		if p.Rows[i].Name == name {
			return &p.Rows[i]
		}
	}
	return nil
}

// AnchorPayload returns the canonical document uploaded to the content
// store. Anchoring outputs are never part of the anchored content.
func (p *Protocol) AnchorPayload() ([]byte, error) {
	doc := *p
	doc.IPFSCID = ""
	doc.TxnHash = ""
	return json.Marshal(doc)
}

// ProtocolRow is a single measured parameter in a protocol.
type ProtocolRow struct {
	Name      string  `json:"name" yaml:"name" validate:"required"`
	Value     string  `json:"value" yaml:"value"`
	Deviation *string `json:"deviation,omitempty" yaml:"deviation,omitempty"`
	Test1     *string `json:"test1,omitempty" yaml:"test1,omitempty"`
	Test2     *string `json:"test2,omitempty" yaml:"test2,omitempty"`
	Checked   bool    `json:"checked" yaml:"checked"`
}

// RowEdit changes one protocol row, addressed by name. Nil fields are left alone.
type RowEdit struct {
	Name      string  `json:"name" validate:"required"`
	Value     *string `json:"value,omitempty"`
	Deviation *string `json:"deviation,omitempty"`
	Test1     *string `json:"test1,omitempty"`
	Test2     *string `json:"test2,omitempty"`
	Checked   *bool   `json:"checked,omitempty"`
}

func (e RowEdit) apply(row *ProtocolRow) {
	if e.Value != nil {
		row.Value = *e.Value
	}
	if e.Deviation != nil {
		row.Deviation = e.Deviation
	}
	if e.Test1 != nil {
		row.Test1 = e.Test1
	}
	if e.Test2 != nil {
		row.Test2 = e.Test2
	}
	if e.Checked != nil {
		row.Checked = *e.Checked
	}
}

// Schema is a production schema: the stages a unit goes through and the
// protocol template it is tested against.
type Schema struct {
	SchemaID         string            `json:"schema_id" yaml:"schema_id" validate:"required"`
	UnitName         string            `json:"unit_name" yaml:"unit_name" validate:"required"`
	SchemaType       string            `json:"schema_type,omitempty" yaml:"schema_type,omitempty"`
	ParentSchemaID   string            `json:"parent_schema_id,omitempty" yaml:"parent_schema_id,omitempty"`
	ProductionStages []StageTemplate   `json:"production_stages" yaml:"production_stages" validate:"dive"`
	Protocol         *ProtocolTemplate `json:"schema_protocol,omitempty" yaml:"schema_protocol,omitempty"`
}

// StageTemplate describes one stage of a production schema.
type StageTemplate struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	Name        string `json:"name" yaml:"name" validate:"required"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ProtocolTemplate seeds new protocols for units of a schema.
type ProtocolTemplate struct {
	ProtocolName        string        `json:"protocol_name" yaml:"protocol_name" validate:"required"`
	ProtocolSchemaID    string        `json:"protocol_schema_id" yaml:"protocol_schema_id" validate:"required"`
	DefaultSerialNumber string        `json:"default_serial_number,omitempty" yaml:"default_serial_number,omitempty"`
	Rows                []ProtocolRow `json:"rows" yaml:"rows" validate:"dive"`
}

// Employee is an identity record resolved from an RFID card.
type Employee struct {
	RFIDCardID   string `json:"rfid_card_id" validate:"required"`
	Name         string `json:"name" validate:"required"`
	Position     string `json:"position" validate:"required"`
	PassportCode string `json:"passport_code,omitempty"`
}

// ContentHash returns the hex SHA-256 of the card ID, name and position
// joined by single spaces.
func (e Employee) ContentHash() string {
	sum := sha256.Sum256([]byte(strings.Join([]string{e.RFIDCardID, e.Name, e.Position}, " ")))
	return hex.EncodeToString(sum[:])
}

// User is an authenticated caller.
type User struct {
	Username           string   `json:"username"`
	RuleSet            []string `json:"rule_set"`
	AssociatedEmployee string   `json:"associated_employee,omitempty"`
}

// HasRule returns true if the user carries the named rule.
func (u *User) HasRule(rule string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.RuleSet {
		if r == rule {
			return true
		}
	}
	return false
}

// AnchorJob is a durable request to publish an approved protocol.
type AnchorJob struct {
	// ID is protocol_id + "/" + edge; one job per approval edge.
	ID            string          `json:"id"`
	ProtocolID    string          `json:"protocol_id"`
	UnitID        string          `json:"unit_id"`
	Edge          string          `json:"edge"`
	Actor         string          `json:"actor,omitempty"`
	Status        AnchorJobStatus `json:"status"`
	Attempts      int             `json:"attempts"`
	ContentID     string          `json:"content_id,omitempty"`
	TxnHash       string          `json:"txn_hash,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AnchorJobID returns the deduplication key for an approval edge.
func AnchorJobID(protocolID, edge string) string {
	return protocolID + "/" + edge
}

// AuditEntry records a state-changing action.
type AuditEntry struct {
	ID        int64                  `json:"id"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	TargetID  string                 `json:"target_id"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ContentRef identifies uploaded content.
type ContentRef struct {
	ContentID string `json:"content_id"`
	Link      string `json:"link,omitempty"`
}
