// Package api exposes the ledger write operations used by collaborators and
// read-only operator views over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/metrics"
	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/scheduler"
	"github.com/sells-group/prospect-engine/internal/scorer"
	"github.com/sells-group/prospect-engine/internal/store"
)

// LeadService is the ledger surface served over HTTP.
type LeadService interface {
	UpsertByDomain(ctx context.Context, raw string, profile model.Profile) (string, bool, error)
	RecordScore(ctx context.Context, id string, breakdown model.Breakdown, version int64) (scorer.Result, error)
	AdvanceStage(ctx context.Context, id string, target model.Stage) (*model.Lead, error)
	UpdateProfile(ctx context.Context, id string, profile model.Profile) (*model.Lead, error)
	Get(ctx context.Context, id string) (*model.Lead, error)
	History(ctx context.Context, id string) ([]model.LeadHistoryEntry, error)
}

// OutcomeRecorder records terminal outreach results.
type OutcomeRecorder interface {
	Record(ctx context.Context, leadID string, kind model.OutcomeKind, snapshot model.Breakdown) (model.OutcomeEvent, error)
}

// SignalReader serves the signal store.
type SignalReader interface {
	Current(ctx context.Context) (model.SignalSet, error)
	History(ctx context.Context, limit int) ([]model.SignalVersionInfo, error)
}

// HealthReader serves the latest health snapshot.
type HealthReader interface {
	Latest(ctx context.Context) (*model.PipelineSnapshot, error)
}

// RecordReader lists refinement proposals and query suggestions.
type RecordReader interface {
	ListProposals(ctx context.Context, filter store.ProposalFilter) ([]model.RefinementProposal, error)
	ListSuggestions(ctx context.Context, unconsumedOnly bool, limit int) ([]model.QuerySuggestion, error)
}

// TaskReader reports the scheduler's registered tasks.
type TaskReader interface {
	Tasks() []scheduler.Task
	Running(name string) bool
}

// Deps holds the services behind the HTTP handlers. Tasks may be nil.
type Deps struct {
	Leads    LeadService
	Outcomes OutcomeRecorder
	Signals  SignalReader
	Health   HealthReader
	Records  RecordReader
	Tasks    TaskReader
}

// Server handles HTTP requests.
type Server struct {
	d   Deps
	log *zap.Logger
}

// NewServer creates a Server.
func NewServer(d Deps) *Server {
	return &Server{d: d, log: zap.L().With(zap.String("component", "api"))}
}

// Router builds the chi router. allowedOrigins configures CORS for the
// operator UI; empty allows none.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Route("/leads", func(leads chi.Router) {
			leads.Post("/", s.upsertLead)
			leads.Get("/{id}", s.getLead)
			leads.Get("/{id}/history", s.leadHistory)
			leads.Put("/{id}/profile", s.updateProfile)
			leads.Post("/{id}/score", s.recordScore)
			leads.Post("/{id}/stage", s.advanceStage)
			leads.Post("/{id}/outcome", s.recordOutcome)
		})
		api.Get("/signals", s.currentSignals)
		api.Get("/signals/history", s.signalHistory)
		api.Get("/health", s.health)
		api.Get("/proposals", s.proposals)
		api.Get("/suggestions", s.suggestions)
		api.Get("/tasks", s.tasks)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
