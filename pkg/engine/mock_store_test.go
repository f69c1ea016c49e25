package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memData is the state held by memStore. Transactions work on a clone and
// swap it in on commit.
type memData struct {
	units     map[string]Unit
	stages    map[string]Stage
	protocols map[string]Protocol
	schemas   map[string]Schema
	audit     []AuditEntry
	jobs      map[string]AnchorJob
}

func newMemData() *memData {
	return &memData{
		units:     make(map[string]Unit),
		stages:    make(map[string]Stage),
		protocols: make(map[string]Protocol),
		schemas:   make(map[string]Schema),
		jobs:      make(map[string]AnchorJob),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.units {
		c.units[k] = v
	}
	for k, v := range d.stages {
		c.stages[k] = v
	}
	for k, v := range d.protocols {
		v.Rows = append([]ProtocolRow(nil), v.Rows...)
		c.protocols[k] = v
	}
	for k, v := range d.schemas {
		c.schemas[k] = v
	}
	c.audit = append(c.audit, d.audit...)
	for k, v := range d.jobs {
		c.jobs[k] = v
	}
	return c
}

// memStore is an in-memory Storage for tests.
type memStore struct {
	mu     *sync.Mutex
	root   *memStore
	data   *memData
	inTx   bool
	failOn map[string]error
	seq    int
}

func newMemStore() *memStore {
	s := &memStore{
		mu:     &sync.Mutex{},
		data:   newMemData(),
		failOn: make(map[string]error),
	}
	s.root = s
	return s
}

var errDiskFull = errors.New("disk I/O error")

func (m *memStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *memStore) fail(op string) error {
	return m.root.failOn[op]
}

func (m *memStore) InTx(ctx context.Context, fn func(tx Storage) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := m.fail("InTx"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memStore{mu: m.mu, root: m, data: m.data.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	m.data = tx.data
	return nil
}

func (m *memStore) CreateUnit(ctx context.Context, unit *Unit) error {
	defer m.lock()()
	if err := m.fail("CreateUnit"); err != nil {
		return err
	}
	if _, ok := m.data.units[unit.InternalID]; ok {
		return errors.New("UNIQUE constraint failed: units.internal_id")
	}
	m.data.units[unit.InternalID] = *unit
	return nil
}

func (m *memStore) GetUnit(ctx context.Context, internalID string) (*Unit, error) {
	defer m.lock()()
	u, ok := m.data.units[internalID]
	if !ok {
		return nil, NewNotFoundError("unit not found").WithResource(internalID)
	}
	return &u, nil
}

func (m *memStore) GetUnitByUUID(ctx context.Context, uuid string) (*Unit, error) {
	defer m.lock()()
	for _, u := range m.data.units {
		if u.UUID == uuid {
			return &u, nil
		}
	}
	return nil, NewNotFoundError("unit not found").WithResource(uuid)
}

func (m *memStore) UpdateUnitStatus(ctx context.Context, internalID string, status UnitStatus) error {
	defer m.lock()()
	if err := m.fail("UpdateUnitStatus"); err != nil {
		return err
	}
	u, ok := m.data.units[internalID]
	if !ok {
		return NewNotFoundError("unit not found").WithResource(internalID)
	}
	u.Status = status
	m.data.units[internalID] = u
	return nil
}

func (m *memStore) UpdateUnitAnchor(ctx context.Context, internalID, contentID, txnHash string) error {
	defer m.lock()()
	u, ok := m.data.units[internalID]
	if !ok {
		return NewNotFoundError("unit not found").WithResource(internalID)
	}
	u.IPFSCID = contentID
	u.TxnHash = txnHash
	m.data.units[internalID] = u
	return nil
}

func (m *memStore) UpdateUnitSerial(ctx context.Context, internalID, serialNumber string) error {
	defer m.lock()()
	if err := m.fail("UpdateUnitSerial"); err != nil {
		return err
	}
	u, ok := m.data.units[internalID]
	if !ok {
		return NewNotFoundError("unit not found").WithResource(internalID)
	}
	u.SerialNumber = serialNumber
	m.data.units[internalID] = u
	return nil
}

func (m *memStore) DeleteUnit(ctx context.Context, internalID string) error {
	defer m.lock()()
	if err := m.fail("DeleteUnit"); err != nil {
		return err
	}
	u, ok := m.data.units[internalID]
	if !ok {
		return NewNotFoundError("unit not found").WithResource(internalID)
	}
	delete(m.data.units, internalID)
	for id, s := range m.data.stages {
		if s.ParentUnitUUID == u.UUID {
			delete(m.data.stages, id)
		}
	}
	return nil
}

func (m *memStore) AppendStage(ctx context.Context, stage *Stage) error {
	defer m.lock()()
	if err := m.fail("AppendStage"); err != nil {
		return err
	}
	m.root.seq++
	s := *stage
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Unix(int64(m.root.seq), 0)
	}
	m.data.stages[s.ID] = s
	return nil
}

func (m *memStore) GetStage(ctx context.Context, id string) (*Stage, error) {
	defer m.lock()()
	s, ok := m.data.stages[id]
	if !ok {
		return nil, NewNotFoundError("stage not found").WithResource(id)
	}
	return &s, nil
}

func (m *memStore) ListStages(ctx context.Context, unitUUID string) ([]*Stage, error) {
	defer m.lock()()
	stages := make([]*Stage, 0)
	for _, s := range m.data.stages {
		if s.ParentUnitUUID == unitUUID {
			s := s
			stages = append(stages, &s)
		}
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].CreatedAt.Before(stages[j].CreatedAt) })
	return stages, nil
}

func (m *memStore) MarkRevisionCancelled(ctx context.Context, id string) error {
	defer m.lock()()
	s, ok := m.data.stages[id]
	if !ok {
		return NewNotFoundError("stage not found").WithResource(id)
	}
	s.RevisionCancelled = true
	m.data.stages[id] = s
	return nil
}

func (m *memStore) CompleteStage(ctx context.Context, stage *Stage) error {
	defer m.lock()()
	if err := m.fail("CompleteStage"); err != nil {
		return err
	}
	s, ok := m.data.stages[stage.ID]
	if !ok {
		return NewNotFoundError("stage not found").WithResource(stage.ID)
	}
	s.EmployeeName = stage.EmployeeName
	s.Completed = stage.Completed
	s.EndedPrematurely = stage.EndedPrematurely
	s.SessionStartTime = stage.SessionStartTime
	s.SessionEndTime = stage.SessionEndTime
	s.AdditionalInfo = stage.AdditionalInfo
	m.data.stages[stage.ID] = s
	return nil
}

func (m *memStore) GetProtocol(ctx context.Context, unitID string) (*Protocol, error) {
	defer m.lock()()
	p, ok := m.data.protocols[unitID]
	if !ok {
		return nil, NewNotFoundError("protocol not found").WithResource(unitID)
	}
	p.Rows = append([]ProtocolRow(nil), p.Rows...)
	return &p, nil
}

func (m *memStore) PutProtocol(ctx context.Context, protocol *Protocol) error {
	defer m.lock()()
	if err := m.fail("PutProtocol"); err != nil {
		return err
	}
	p := *protocol
	p.Rows = append([]ProtocolRow(nil), p.Rows...)
	m.data.protocols[p.AssociatedUnitID] = p
	return nil
}

func (m *memStore) SetProtocolAnchor(ctx context.Context, protocolID, contentID, txnHash string) error {
	defer m.lock()()
	for k, p := range m.data.protocols {
		if p.ProtocolID != protocolID {
			continue
		}
		if contentID != "" {
			p.IPFSCID = contentID
		}
		if txnHash != "" {
			p.TxnHash = txnHash
		}
		m.data.protocols[k] = p
		return nil
	}
	return NewNotFoundError("protocol not found").WithResource(protocolID)
}

func (m *memStore) DeleteProtocol(ctx context.Context, unitID string) error {
	defer m.lock()()
	delete(m.data.protocols, unitID)
	return nil
}

func (m *memStore) ListProtocols(ctx context.Context, status *ProtocolStatus) ([]*Protocol, error) {
	defer m.lock()()
	out := make([]*Protocol, 0)
	for _, p := range m.data.protocols {
		if status != nil && p.Status != *status {
			continue
		}
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssociatedUnitID < out[j].AssociatedUnitID })
	return out, nil
}

func (m *memStore) GetSchema(ctx context.Context, schemaID string) (*Schema, error) {
	defer m.lock()()
	s, ok := m.data.schemas[schemaID]
	if !ok {
		return nil, NewNotFoundError("schema not found").WithResource(schemaID)
	}
	return &s, nil
}

func (m *memStore) PutSchema(ctx context.Context, schema *Schema) error {
	defer m.lock()()
	m.data.schemas[schema.SchemaID] = *schema
	return nil
}

func (m *memStore) ListSchemas(ctx context.Context) ([]*Schema, error) {
	defer m.lock()()
	out := make([]*Schema, 0, len(m.data.schemas))
	for _, s := range m.data.schemas {
		s := s
		out = append(out, &s)
	}
	return out, nil
}

func (m *memStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	defer m.lock()()
	e := *entry
	e.ID = int64(len(m.data.audit) + 1)
	m.data.audit = append(m.data.audit, e)
	return nil
}

func (m *memStore) ListAudit(ctx context.Context, targetID string, limit int) ([]*AuditEntry, error) {
	defer m.lock()()
	out := make([]*AuditEntry, 0)
	for _, e := range m.data.audit {
		if targetID == "" || e.TargetID == targetID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

func (m *memStore) EnqueueAnchorJob(ctx context.Context, job *AnchorJob) (*AnchorJob, bool, error) {
	defer m.lock()()
	if existing, ok := m.data.jobs[job.ID]; ok {
		return &existing, false, nil
	}
	m.data.jobs[job.ID] = *job
	j := *job
	return &j, true, nil
}

func (m *memStore) GetAnchorJob(ctx context.Context, id string) (*AnchorJob, error) {
	defer m.lock()()
	j, ok := m.data.jobs[id]
	if !ok {
		return nil, NewNotFoundError("anchor job not found").WithResource(id)
	}
	return &j, nil
}

func (m *memStore) ClaimAnchorJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*AnchorJob, error) {
	defer m.lock()()
	out := make([]*AnchorJob, 0)
	for id, j := range m.data.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status != AnchorJobPending || j.NextAttemptAt.After(now) {
			continue
		}
		j.NextAttemptAt = now.Add(lease)
		m.data.jobs[id] = j
		claimed := j
		out = append(out, &claimed)
	}
	return out, nil
}

func (m *memStore) UpdateAnchorJob(ctx context.Context, job *AnchorJob) error {
	defer m.lock()()
	m.data.jobs[job.ID] = *job
	return nil
}

func (m *memStore) ListAnchorJobs(ctx context.Context, status *AnchorJobStatus) ([]*AnchorJob, error) {
	defer m.lock()()
	out := make([]*AnchorJob, 0)
	for _, j := range m.data.jobs {
		if status != nil && j.Status != *status {
			continue
		}
		j := j
		out = append(out, &j)
	}
	return out, nil
}

// countingObserver records observer calls.
type countingObserver struct {
	mu          sync.Mutex
	failures    map[ErrorKind]int
	transitions []string
	anchorJobs  map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		failures:   make(map[ErrorKind]int),
		anchorJobs: make(map[string]int),
	}
}

func (o *countingObserver) RecordFailure(kind ErrorKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[kind]++
}

func (o *countingObserver) RecordTransition(entity, from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, entity+":"+from+"->"+to)
}

func (o *countingObserver) RecordAnchorJob(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.anchorJobs[outcome]++
}
