package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// RevisionManager creates rework stages and decides when a unit may leave
// revision. Original stages are never modified.
type RevisionManager struct {
	store  Storage
	obs    Observer
	logger zerolog.Logger
	now    func() time.Time
}

// NewRevisionManager creates a new revision manager.
func NewRevisionManager(store Storage, obs Observer, logger zerolog.Logger) *RevisionManager {
	if obs == nil {
		obs = NopObserver{}
	}
	return &RevisionManager{
		store:  store,
		obs:    obs,
		logger: logger.With().Str("component", "revisions").Logger(),
		now:    time.Now,
	}
}

// Rework appends a fresh copy of the stage to its unit's history and
// returns it. Reworks always point at the original stage. A stage that is
// itself in revision, or whose original already has an active rework,
// yields that active rework instead.
func (m *RevisionManager) Rework(ctx context.Context, stageID string) (stage *Stage, err error) {
	ctx, span := startSpan(ctx, "revision.rework", attribute.String("stage.id", stageID))
	defer func() { finish(span, m.obs, err) }()

	err = runInTx(ctx, m.store, func(tx Storage) error {
		var txErr error
		stage, txErr = m.rework(ctx, tx, stageID)
		return txErr
	})
	return stage, err
}

// IsSoleActiveRevision reports whether the stage (or its active rework) is
// the only stage of its unit currently in revision.
func (m *RevisionManager) IsSoleActiveRevision(ctx context.Context, stageID string) (sole bool, err error) {
	ctx, span := startSpan(ctx, "revision.is_sole_active", attribute.String("stage.id", stageID))
	defer func() { finish(span, m.obs, err) }()

	target, active, err := m.activeRevision(ctx, m.store, stageID)
	if err != nil {
		return false, err
	}
	return isSole(target, active), nil
}

// CanLeaveRevision reports whether the unit has no stage left in revision.
func (m *RevisionManager) CanLeaveRevision(ctx context.Context, unitUUID string) (bool, error) {
	active, err := m.activeStages(ctx, m.store, unitUUID)
	if err != nil {
		return false, err
	}
	return len(active) == 0, nil
}

func (m *RevisionManager) rework(ctx context.Context, store Storage, stageID string) (*Stage, error) {
	original, err := store.GetStage(ctx, stageID)
	if err != nil {
		return nil, storageError("get_stage", err)
	}
	if original.ParentUnitUUID == "" {
		return nil, NewNotFoundError("stage has no parent unit").WithResource(stageID)
	}
	if _, err := store.GetUnitByUUID(ctx, original.ParentUnitUUID); err != nil {
		return nil, storageError("get_unit", err)
	}

	if original.InActiveRevision() {
		return original, nil
	}

	root, err := rootStage(ctx, store, original)
	if err != nil {
		return nil, err
	}
	active, err := m.activeStages(ctx, store, root.ParentUnitUUID)
	if err != nil {
		return nil, err
	}
	for _, s := range active {
		if s.ReworkOf == root.ID {
			return s, nil
		}
	}

	rework := &Stage{
		ID:               uuid.New().String(),
		Name:             root.Name,
		ParentUnitUUID:   root.ParentUnitUUID,
		Number:           root.Number,
		SchemaStageID:    root.SchemaStageID,
		Completed:        false,
		EndedPrematurely: false,
		AdditionalInfo:   map[string]interface{}{"reworked": true},
		CreatedAt:        m.now().UTC(),
		ReworkOf:         root.ID,
	}
	if err := store.AppendStage(ctx, rework); err != nil {
		return nil, storageError("append_stage", err)
	}

	m.logger.Info().
		Str("stage_id", original.ID).
		Str("root_id", root.ID).
		Str("rework_id", rework.ID).
		Str("unit_uuid", rework.ParentUnitUUID).
		Msg("Stage sent for rework")
	return rework, nil
}

// activeRevision resolves stageID to the rework stage in revision and
// returns it together with all active revision stages of the unit.
func (m *RevisionManager) activeRevision(ctx context.Context, store Storage, stageID string) (*Stage, []*Stage, error) {
	stage, err := store.GetStage(ctx, stageID)
	if err != nil {
		return nil, nil, storageError("get_stage", err)
	}
	active, err := m.activeStages(ctx, store, stage.ParentUnitUUID)
	if err != nil {
		return nil, nil, err
	}
	if stage.InActiveRevision() {
		return stage, active, nil
	}
	root, err := rootStage(ctx, store, stage)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range active {
		if s.ReworkOf == root.ID {
			return s, active, nil
		}
	}
	return nil, active, nil
}

// maxReworkDepth bounds the walk along rework links.
const maxReworkDepth = 32

// rootStage follows rework links back to the original stage. Reworks always
// point at the root, so the walk is short unless the history was imported.
func rootStage(ctx context.Context, store Storage, stage *Stage) (*Stage, error) {
	root := stage
	for hops := 0; root.ReworkOf != "" && hops < maxReworkDepth; hops++ {
		parent, err := store.GetStage(ctx, root.ReworkOf)
		if IsNotFound(err) {
			break
		}
		if err != nil {
			return nil, storageError("get_stage", err)
		}
		root = parent
	}
	return root, nil
}

func (m *RevisionManager) activeStages(ctx context.Context, store Storage, unitUUID string) ([]*Stage, error) {
	stages, err := store.ListStages(ctx, unitUUID)
	if err != nil {
		return nil, storageError("list_stages", err)
	}
	active := make([]*Stage, 0)
	for _, s := range stages {
		if s.InActiveRevision() {
			active = append(active, s)
		}
	}
	return active, nil
}

func isSole(target *Stage, active []*Stage) bool {
	return target != nil && len(active) == 1 && active[0].ID == target.ID
}

// cancel withdraws the revision of stageID and returns the unit UUID and
// whether the withdrawn stage was the last one in revision.
func (m *RevisionManager) cancel(ctx context.Context, store Storage, stageID string) (string, bool, error) {
	target, active, err := m.activeRevision(ctx, store, stageID)
	if err != nil {
		return "", false, err
	}
	if target == nil {
		return "", false, NewInvalidTransitionError(fmt.Sprintf("stage %s is not in revision", stageID)).
			WithResource(stageID)
	}
	sole := isSole(target, active)
	if err := store.MarkRevisionCancelled(ctx, target.ID); err != nil {
		return "", false, storageError("mark_revision_cancelled", err)
	}
	return target.ParentUnitUUID, sole, nil
}
