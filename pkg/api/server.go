package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/observability"
)

// Evaluator is the decision surface the server fronts.
type Evaluator interface {
	Evaluate(ctx context.Context, req *contracts.EvalRequest) contracts.Decision
}

// Server handles the evaluate endpoint plus health.
type Server struct {
	eval Evaluator
	obs  *observability.Provider
	log  *slog.Logger
	mux  *http.ServeMux
}

// NewServer builds the handler tree. admin may be nil to run evaluate-only;
// limiter may be nil to disable rate limiting (tests); obs may be nil to
// skip metrics.
func NewServer(eval Evaluator, admin *Admin, limiter *RateLimiter, obs *observability.Provider, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		eval: eval,
		obs:  obs,
		log:  log.With("component", "api"),
		mux:  http.NewServeMux(),
	}
	var evaluate http.Handler = http.HandlerFunc(s.handleEvaluate)
	if limiter != nil {
		evaluate = limiter.Middleware(evaluate)
	}
	s.mux.Handle("/v1/evaluate", evaluate)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if admin != nil {
		admin.Mount(s.mux)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// maxRequestBody bounds evaluate payloads; intent claims are small.
const maxRequestBody = 1 << 20

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req contracts.EvalRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, "malformed JSON body")
		return
	}
	if req.MandateID == "" || req.RequestedAction == "" || req.RequestedResource == "" {
		WriteBadRequest(w, "mandate_id, requested_action, and requested_resource are required")
		return
	}

	start := time.Now()
	decision := s.eval.Evaluate(r.Context(), &req)
	if s.obs != nil {
		s.obs.RecordEvaluation(r.Context(), decision.Reason, decision.Allowed, time.Since(start))
	}

	w.Header().Set("Content-Type", "application/json")
	// Denials are normal outcomes, not HTTP errors.
	_ = json.NewEncoder(w).Encode(decision.Response())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
