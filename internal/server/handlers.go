package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/domain"
)

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.ErrNotFound:
		status = http.StatusNotFound
	case domain.ErrInvalidData, domain.ErrConfig, domain.ErrUnknownSleeve, domain.ErrUnknownAction:
		status = http.StatusBadRequest
	case domain.ErrRuleViolation, domain.ErrInvariant:
		status = http.StatusConflict
	case domain.ErrBackpressure:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(code)})
}

type statusResponse struct {
	Status              string            `json:"status"`
	Posture             string            `json:"posture"`
	ConstitutionVersion string            `json:"constitution_version"`
	ActiveFeed          string            `json:"active_feed,omitempty"`
	Components          map[string]string `json:"components"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:              string(s.cfg.System.Status()),
		Posture:             string(s.cfg.System.Posture()),
		ConstitutionVersion: s.cfg.ConstitutionVersion,
		Components:          s.cfg.System.Health(),
	}
	if s.cfg.Market != nil {
		resp.ActiveFeed = s.cfg.Market.ActiveFeed()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.cfg.System.Resume()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(s.cfg.System.Status())})
}

func (s *Server) handleSafeMode(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Accounts.EnterSafeMode("operator request"); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(s.cfg.System.Status())})
}

type accountResponse struct {
	ID              string `json:"id"`
	Sleeve          string `json:"sleeve"`
	ParentID        string `json:"parent_id,omitempty"`
	State           string `json:"state"`
	InitialCapital  string `json:"initial_capital"`
	CurrentValue    string `json:"current_value"`
	ReservedCapital string `json:"reserved_capital"`
	ForkCount       int    `json:"fork_count"`
}

func accountDTO(a *domain.Account) accountResponse {
	resp := accountResponse{
		ID:              a.ID,
		Sleeve:          string(a.Sleeve),
		State:           string(a.State),
		InitialCapital:  a.InitialCapital.StringFixed(2),
		CurrentValue:    a.CurrentValue.StringFixed(2),
		ReservedCapital: a.ReservedCapital.StringFixed(2),
		ForkCount:       a.ForkCount,
	}
	if a.ParentID != nil {
		resp.ParentID = *a.ParentID
	}
	return resp
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	all, err := s.cfg.Accounts.All()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]accountResponse, 0, len(all))
	for _, a := range all {
		out = append(out, accountDTO(a))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.cfg.Accounts.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, accountDTO(a))
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	riskFree := 0.0
	if v := r.URL.Query().Get("risk_free"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, domain.Errorf(domain.ErrInvalidData, "bad risk_free %q", v))
			return
		}
		riskFree = parsed
	}
	perf, err := s.cfg.Accounts.Performance(chi.URLParam(r, "id"), riskFree)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, perf)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	open, err := s.cfg.Positions.GetOpen()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, open)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Market.AllSnapshots())
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.cfg.Orders.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Orders.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancel_requested"})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{SubjectID: q.Get("subject")}
	if kind := q.Get("kind"); kind != "" {
		filter.Kinds = []audit.Kind{audit.Kind(kind)}
	}
	if v := q.Get("since_seq"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, domain.Errorf(domain.ErrInvalidData, "bad since_seq %q", v))
			return
		}
		filter.SinceSeq = seq
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, domain.Errorf(domain.ErrInvalidData, "bad limit %q", v))
			return
		}
		filter.Limit = limit
	}

	records, err := s.cfg.Audit.Query(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleWorkTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Work.Enqueue(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"work_type": id, "status": "queued"})
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.cfg.Backups.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, backups)
}
