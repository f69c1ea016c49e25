package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/passportd/passportd/pkg/engine"
)

type cacheEmployeesRequest struct {
	Employees []engine.Employee `json:"employees" validate:"required,min=1,dive"`
}

func (s *server) cacheEmployees(w http.ResponseWriter, r *http.Request) {
	var req cacheEmployeesRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	added, err := s.deps.Employees.Put(r.Context(), req.Employees)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	hashes := make([]string, 0, len(req.Employees))
	for _, e := range req.Employees {
		hashes = append(hashes, e.ContentHash())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"added":  added,
		"hashes": hashes,
	})
}

func (s *server) decodeEmployee(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	employee, err := s.deps.Employees.Get(r.Context(), hash)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if employee == nil {
		writeError(w, s.logger, engine.NewNotFoundError("no employee cached for hash").WithResource(hash))
		return
	}
	writeJSON(w, http.StatusOK, employee)
}
