package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/passportd/passportd/pkg/engine"
)

type createPassportRequest struct {
	InternalID            string          `json:"internal_id" validate:"required"`
	SchemaID              string          `json:"schema_id" validate:"required"`
	Model                 string          `json:"model,omitempty"`
	SerialNumber          string          `json:"serial_number,omitempty"`
	ParentialUnit         string          `json:"parential_unit,omitempty"`
	ComponentsInternalIDs []string        `json:"components_internal_ids,omitempty"`
	Biography             []*stageRequest `json:"biography,omitempty" validate:"omitempty,dive,required"`
}

// stageRequest is a stage submitted by a workstation. ID is only set when
// the stage completes an existing rework.
type stageRequest struct {
	ID               string                 `json:"id,omitempty"`
	Name             string                 `json:"name" validate:"required"`
	Number           int                    `json:"number,omitempty" validate:"gte=0"`
	SchemaStageID    string                 `json:"schema_stage_id,omitempty"`
	EmployeeName     string                 `json:"employee_name,omitempty"`
	Completed        bool                   `json:"completed"`
	EndedPrematurely bool                   `json:"ended_prematurely"`
	SessionStartTime *time.Time             `json:"session_start_time,omitempty"`
	SessionEndTime   *time.Time             `json:"session_end_time,omitempty"`
	AdditionalInfo   map[string]interface{} `json:"additional_info,omitempty"`
}

func (r *stageRequest) stage() *engine.Stage {
	return &engine.Stage{
		ID:               r.ID,
		Name:             r.Name,
		Number:           r.Number,
		SchemaStageID:    r.SchemaStageID,
		EmployeeName:     r.EmployeeName,
		Completed:        r.Completed,
		EndedPrematurely: r.EndedPrematurely,
		SessionStartTime: r.SessionStartTime,
		SessionEndTime:   r.SessionEndTime,
		AdditionalInfo:   r.AdditionalInfo,
	}
}

func stagesFrom(reqs []*stageRequest) []*engine.Stage {
	stages := make([]*engine.Stage, 0, len(reqs))
	for _, r := range reqs {
		stages = append(stages, r.stage())
	}
	return stages
}

type recordStagesRequest struct {
	Stages []*stageRequest `json:"stages" validate:"required,min=1,dive,required"`
}

type serialNumberRequest struct {
	SerialNumber string `json:"serial_number" validate:"required"`
}

type revisionRequest struct {
	StageIDs []string `json:"stage_ids" validate:"required,min=1,dive,required"`
}

type cancelRevisionRequest struct {
	StageID string `json:"stage_id" validate:"required"`
}

func (s *server) createPassport(w http.ResponseWriter, r *http.Request) {
	var req createPassportRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	unit := &engine.Unit{
		InternalID:            req.InternalID,
		SchemaID:              req.SchemaID,
		Model:                 req.Model,
		SerialNumber:          req.SerialNumber,
		ParentialUnit:         req.ParentialUnit,
		ComponentsInternalIDs: req.ComponentsInternalIDs,
		Biography:             stagesFrom(req.Biography),
	}
	if err := s.deps.Units.Create(r.Context(), unit); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, unit)
}

func (s *server) getPassport(w http.ResponseWriter, r *http.Request) {
	unit, err := s.deps.Units.Get(r.Context(), chi.URLParam(r, "unitID"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (s *server) sendForRevision(w http.ResponseWriter, r *http.Request) {
	var req revisionRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	reworks, err := s.deps.Units.SendForRevision(r.Context(), chi.URLParam(r, "unitID"), req.StageIDs, actorName(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stages": reworks})
}

func (s *server) cancelRevision(w http.ResponseWriter, r *http.Request) {
	var req cancelRevisionRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	employee, err := s.actorEmployee(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("stage_id", req.StageID).
			Msg("Cannot resolve employee, cancelling revision without actor")
		employee = nil
	}
	if err := s.deps.Units.CancelRevision(r.Context(), req.StageID, employee); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stage_id": req.StageID, "status": "cancelled"})
}

func (s *server) recordStages(w http.ResponseWriter, r *http.Request) {
	var req recordStagesRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	recorded, err := s.deps.Units.RecordStages(r.Context(), chi.URLParam(r, "unitID"), stagesFrom(req.Stages), actorName(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stages": recorded})
}

func (s *server) setSerialNumber(w http.ResponseWriter, r *http.Request) {
	var req serialNumberRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	unitID := chi.URLParam(r, "unitID")
	changed, err := s.deps.Units.SetSerialNumber(r.Context(), unitID, req.SerialNumber, actorName(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"internal_id":   unitID,
		"serial_number": strings.TrimSpace(req.SerialNumber),
		"changed":       changed,
	})
}

func (s *server) deletePassport(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitID")
	if err := s.deps.Units.Delete(r.Context(), unitID, actorName(r.Context())); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) markBuilt(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.deps.Units.MarkBuilt)
}

func (s *server) approvePassport(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.deps.Units.Approve)
}

func (s *server) finalizePassport(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.deps.Units.Finalize)
}

// transition applies a status change and responds with the updated unit.
func (s *server) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, unitID, actor string) error) {
	unitID := chi.URLParam(r, "unitID")
	if err := apply(r.Context(), unitID, actorName(r.Context())); err != nil {
		writeError(w, s.logger, err)
		return
	}
	unit, err := s.deps.Units.Get(r.Context(), unitID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}
