package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/passportd/passportd/pkg/engine"
)

type updateProtocolRequest struct {
	Rows []engine.RowEdit `json:"rows" validate:"required,min=1,dive"`
}

type protocolResponse struct {
	Protocol  *engine.Protocol `json:"protocol"`
	Persisted bool             `json:"persisted"`
}

type statusLabel struct {
	Status engine.ProtocolStatus `json:"status"`
	Label  string                `json:"label"`
}

func (s *server) listProtocols(w http.ResponseWriter, r *http.Request) {
	var filter *engine.ProtocolStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := engine.ProtocolStatus(raw)
		if err := status.Validate(); err != nil {
			writeError(w, s.logger, badRequest("invalid status filter", err))
			return
		}
		filter = &status
	}

	protocols, err := s.deps.Protocols.List(r.Context(), filter)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if protocols == nil {
		protocols = []*engine.Protocol{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"protocols": protocols})
}

func (s *server) listPendingProtocols(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Protocols.ListPending(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unit_ids": ids})
}

func (s *server) listProtocolStatuses(w http.ResponseWriter, _ *http.Request) {
	statuses := engine.ProtocolStatuses()
	labels := make([]statusLabel, 0, len(statuses))
	for _, st := range statuses {
		labels = append(labels, statusLabel{Status: st, Label: st.Label()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"statuses": labels})
}

func (s *server) getProtocol(w http.ResponseWriter, r *http.Request) {
	p, persisted, err := s.deps.Protocols.GetOrTemplate(r.Context(), chi.URLParam(r, "unitID"), r.URL.Query().Get("schema_id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, protocolResponse{Protocol: p, Persisted: persisted})
}

func (s *server) updateProtocol(w http.ResponseWriter, r *http.Request) {
	var req updateProtocolRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	p, err := s.deps.Protocols.SubmitOrUpdate(r.Context(), chi.URLParam(r, "unitID"), req.Rows, actorName(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, protocolResponse{Protocol: p, Persisted: true})
}

func (s *server) advanceProtocol(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitID")
	status, err := s.deps.Protocols.Advance(r.Context(), unitID, actorName(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, statusLabel{Status: status, Label: status.Label()})
}

func (s *server) approveProtocol(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Protocols.Approve(r.Context(), chi.URLParam(r, "unitID"), actorName(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, protocolResponse{Protocol: p, Persisted: true})
}

func (s *server) removeProtocol(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Protocols.Remove(r.Context(), chi.URLParam(r, "unitID"), actorName(r.Context())); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
