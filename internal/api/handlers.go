package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/store"
)

type upsertLeadRequest struct {
	Domain  string        `json:"domain" validate:"required,max=253"`
	Profile model.Profile `json:"profile"`
}

type upsertLeadResponse struct {
	LeadID  string `json:"lead_id"`
	Created bool   `json:"created"`
}

type taskStatus struct {
	Name            string `json:"name"`
	IntervalMinutes int    `json:"interval_minutes"`
	Running         bool   `json:"running"`
}

type scoreRequest struct {
	Breakdown     model.Breakdown `json:"breakdown"`
	SignalVersion int64           `json:"signal_version" validate:"gt=0"`
}

type stageRequest struct {
	Stage string `json:"stage" validate:"required"`
}

type outcomeRequest struct {
	Kind      string          `json:"kind" validate:"required"`
	Breakdown model.Breakdown `json:"breakdown,omitempty"`
}

func (s *Server) upsertLead(w http.ResponseWriter, r *http.Request) {
	var req upsertLeadRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, created, err := s.d.Leads.UpsertByDomain(r.Context(), req.Domain, req.Profile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, upsertLeadResponse{LeadID: id, Created: created})
}

func (s *Server) getLead(w http.ResponseWriter, r *http.Request) {
	lead, err := s.d.Leads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *Server) leadHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.d.Leads.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LeadHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var profile model.Profile
	if err := decode(r, &profile); err != nil {
		s.writeError(w, r, err)
		return
	}
	lead, err := s.d.Leads.UpdateProfile(r.Context(), chi.URLParam(r, "id"), profile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *Server) recordScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.d.Leads.RecordScore(r.Context(), chi.URLParam(r, "id"), req.Breakdown, req.SignalVersion)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) advanceStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := model.ParseStage(req.Stage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lead, err := s.d.Leads.AdvanceStage(r.Context(), chi.URLParam(r, "id"), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	kind, err := model.ParseOutcomeKind(req.Kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.d.Outcomes.Record(r.Context(), chi.URLParam(r, "id"), kind, req.Breakdown)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) currentSignals(w http.ResponseWriter, r *http.Request) {
	set, err := s.d.Signals.Current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) signalHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	versions, err := s.d.Signals.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []model.SignalVersionInfo{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	snap, err := s.d.Health.Latest(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if snap == nil {
		s.writeError(w, r, model.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) proposals(w http.ResponseWriter, r *http.Request) {
	pending, err := queryBool(r, "pending")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.d.Records.ListProposals(r.Context(), store.ProposalFilter{
		PendingOnly: pending,
		CycleID:     r.URL.Query().Get("cycle"),
		Limit:       limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.RefinementProposal{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) suggestions(w http.ResponseWriter, r *http.Request) {
	all, err := queryBool(r, "all")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.d.Records.ListSuggestions(r.Context(), !all, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.QuerySuggestion{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) tasks(w http.ResponseWriter, _ *http.Request) {
	out := []taskStatus{}
	if s.d.Tasks != nil {
		for _, t := range s.d.Tasks.Tasks() {
			out = append(out, taskStatus{
				Name:            t.Name,
				IntervalMinutes: int(t.Interval.Minutes()),
				Running:         s.d.Tasks.Running(t.Name),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}
