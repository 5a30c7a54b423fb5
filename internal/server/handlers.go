package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oilcast/featurepipe/pkg/core"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

type errorBody struct {
	Error string    `json:"error"`
	Kind  core.Kind `json:"kind,omitempty"`
}

type runBody struct {
	ID          string         `json:"id"`
	Environment string         `json:"environment"`
	Status      core.RunStatus `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   core.Kind      `json:"error_kind,omitempty"`
	Stage       string         `json:"stage,omitempty"`
}

type stepRunBody struct {
	Name        string             `json:"name"`
	Order       int                `json:"order"`
	Status      core.StepRunStatus `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
	ExecutionMS int64              `json:"execution_ms"`
}

type runDetail struct {
	runBody
	Steps    []stepRunBody     `json:"steps"`
	Warnings []core.RunWarning `json:"warnings"`
}

type trainingBody struct {
	ID         string             `json:"id"`
	RunID      string             `json:"run_id,omitempty"`
	Model      string             `json:"model"`
	Horizon    string             `json:"horizon"`
	InputTable string             `json:"input_table"`
	Target     string             `json:"target"`
	Metrics    map[string]float64 `json:"metrics"`
	Status     string             `json:"status"`
	Error      string             `json:"error,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

type stepBody struct {
	Name        string              `json:"name"`
	Order       int                 `json:"order,omitempty"`
	Entrypoint  string              `json:"entrypoint,omitempty"`
	Target      string              `json:"target,omitempty"`
	Description string              `json:"description,omitempty"`
	Sources     map[string][]string `json:"sources,omitempty"`
	Configured  bool                `json:"configured"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) manifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.cfg.Manifests.LoadManifest(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) contract(w http.ResponseWriter, r *http.Request) {
	c, err := s.cfg.Contracts.Load(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) steps(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	files := s.sqlSteps
	s.mu.RUnlock()

	byName := make(map[string]int)
	out := make([]stepBody, 0, len(s.cfg.Steps)+len(files))
	for _, d := range s.cfg.Steps {
		byName[d.EntrypointName()] = len(out)
		out = append(out, stepBody{Name: d.Name, Order: d.Order, Entrypoint: d.EntrypointName(), Configured: true})
	}
	for _, f := range files {
		i, ok := byName[f.Name]
		if !ok {
			out = append(out, stepBody{Name: f.Name})
			i = len(out) - 1
		}
		out[i].Target = f.Target.String()
		out[i].Description = f.Description
		out[i].Sources = f.Sources
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) runs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := s.cfg.Store.ListRuns(limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]runBody, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunBody(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.cfg.Store.GetRun(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	stepRuns, err := s.cfg.Store.GetStepRunsForRun(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	warnings, err := s.cfg.Store.GetWarnings(id)
	if err != nil {
		s.fail(w, err)
		return
	}

	d := runDetail{runBody: toRunBody(run), Steps: make([]stepRunBody, 0, len(stepRuns)), Warnings: warnings}
	if d.Warnings == nil {
		d.Warnings = []core.RunWarning{}
	}
	for _, sr := range stepRuns {
		d.Steps = append(d.Steps, stepRunBody{
			Name:        sr.StepName,
			Order:       sr.StepOrder,
			Status:      sr.Status,
			StartedAt:   sr.StartedAt,
			CompletedAt: sr.CompletedAt,
			Error:       sr.Error,
			ExecutionMS: sr.ExecutionMS,
		})
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) training(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := s.cfg.Store.ListTrainingRuns(limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]trainingBody, 0, len(runs))
	for _, tr := range runs {
		out = append(out, trainingBody{
			ID:         tr.ID,
			RunID:      tr.RunID,
			Model:      tr.Model,
			Horizon:    tr.Horizon,
			InputTable: tr.InputTable,
			Target:     tr.Target,
			Metrics:    tr.Metrics,
			Status:     tr.Status,
			Error:      tr.Error,
			StartedAt:  tr.StartedAt,
			FinishedAt: tr.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func toRunBody(r *core.Run) runBody {
	return runBody{
		ID:          r.ID,
		Environment: r.Environment,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
		ErrorKind:   r.ErrorKind,
		Stage:       r.Stage,
	}
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrManifestMissing),
		errors.Is(err, core.ErrContractMissing),
		errors.Is(err, core.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrContractInvalid):
		status = http.StatusUnprocessableEntity
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: core.KindOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
