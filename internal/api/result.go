package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/grburgess/cmdstanpy/internal/model"
	"github.com/grburgess/cmdstanpy/internal/store"
)

// resultVariable is one model variable's point estimate, flattened in
// column-major order for non-scalars.
type resultVariable struct {
	Name   string    `json:"name"`
	Dims   []int     `json:"dims,omitempty"`
	Values []float64 `json:"values"`
}

// resultResponse is the JSON response for GET /v1/runs/:id/result.
type resultResponse struct {
	RunID       string           `json:"run_id"`
	Method      string           `json:"method"`
	Converged   bool             `json:"converged"`
	Draws       int              `json:"draws"`
	Divergences int              `json:"divergences"`
	Columns     []string         `json:"columns"`
	Estimates   []resultVariable `json:"estimates"`
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.engine.Result(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if errors.Is(err, model.ErrRunFailed) || errors.Is(err, model.ErrNotConverged) {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	estimates := make([]resultVariable, 0, len(res.Variables()))
	for _, v := range res.Variables() {
		val, err := res.Value(v.Name)
		if err != nil {
			s.logger.Error("resolve estimate", "run_id", id, "variable", v.Name, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to resolve estimates")
			return
		}
		estimates = append(estimates, resultVariable{
			Name:   val.Name,
			Dims:   val.Dims,
			Values: val.Values,
		})
	}

	s.writeJSON(w, http.StatusOK, resultResponse{
		RunID:       id,
		Method:      res.Method(),
		Converged:   res.Converged(),
		Draws:       res.Draws(),
		Divergences: res.Divergences(),
		Columns:     res.Columns(),
		Estimates:   estimates,
	})
}
