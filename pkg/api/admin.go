package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/mandate"
	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/spending"
	"github.com/caracal-sh/caracal/pkg/store"
)

// Admin exposes the control-plane operations: principals, policies, the
// mandate lifecycle, and per-principal spend queries. It is mounted next to
// the evaluate endpoint; deployments front it with their own authentication
// proxy.
type Admin struct {
	st       store.Store
	policies *policy.Manager
	mandates *mandate.Manager
	spends   *spending.Reader
	log      *slog.Logger
}

func NewAdmin(st store.Store, policies *policy.Manager, mandates *mandate.Manager, spends *spending.Reader, log *slog.Logger) *Admin {
	if log == nil {
		log = slog.Default()
	}
	return &Admin{st: st, policies: policies, mandates: mandates, spends: spends, log: log.With("component", "admin-api")}
}

// Mount registers the admin routes on the mux.
func (a *Admin) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/v1/principals", a.handlePrincipals)
	mux.HandleFunc("/v1/principals/", a.handlePrincipalByID)
	mux.HandleFunc("/v1/policies", a.handlePolicies)
	mux.HandleFunc("/v1/mandates", a.handleMandates)
	mux.HandleFunc("/v1/mandates/", a.handleMandateByID)
}

type createPrincipalRequest struct {
	PublicKey   []byte `json:"public_key"` // PKIX DER, base64 in JSON
	DisplayName string `json:"display_name"`
	Owner       string `json:"owner"`
}

func (a *Admin) handlePrincipals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req createPrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed JSON body")
		return
	}
	if len(req.PublicKey) == 0 || req.DisplayName == "" {
		WriteBadRequest(w, "public_key and display_name are required")
		return
	}
	p := &contracts.Principal{
		ID:          uuid.New(),
		PublicKey:   req.PublicKey,
		DisplayName: req.DisplayName,
		Owner:       req.Owner,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.st.CreatePrincipal(r.Context(), p); err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *Admin) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	var p contracts.AuthorityPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		WriteBadRequest(w, "malformed JSON body")
		return
	}
	if err := a.policies.Create(r.Context(), &p); err != nil {
		switch {
		case errors.Is(err, policy.ErrNoResources),
			errors.Is(err, policy.ErrNoActions),
			errors.Is(err, policy.ErrBadValidity),
			errors.Is(err, policy.ErrBadDepth),
			errors.Is(err, policy.ErrBadCondition):
			WriteBadRequest(w, err.Error())
		default:
			a.writeStoreError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, &p)
}

type issueMandateRequest struct {
	Issuer      string         `json:"issuer"`
	Subject     string         `json:"subject"`
	Resources   []string       `json:"resources"`
	Actions     []string       `json:"actions"`
	NotBeforeMS int64          `json:"not_before_ms"`
	NotAfterMS  int64          `json:"not_after_ms"`
	ParentID    string         `json:"parent_mandate_id,omitempty"`
	IntentClaim map[string]any `json:"intent_claim,omitempty"`
}

func (a *Admin) handleMandates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req issueMandateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed JSON body")
		return
	}
	issuer, err := uuid.Parse(req.Issuer)
	if err != nil {
		WriteBadRequest(w, "issuer must be a uuid")
		return
	}
	subject, err := uuid.Parse(req.Subject)
	if err != nil {
		WriteBadRequest(w, "subject must be a uuid")
		return
	}
	issueReq := mandate.IssueRequest{
		Issuer:      issuer,
		Subject:     subject,
		Resources:   req.Resources,
		Actions:     req.Actions,
		NotBefore:   time.UnixMilli(req.NotBeforeMS),
		NotAfter:    time.UnixMilli(req.NotAfterMS),
		IntentClaim: req.IntentClaim,
	}
	if req.ParentID != "" {
		parent, err := uuid.Parse(req.ParentID)
		if err != nil {
			WriteBadRequest(w, "parent_mandate_id must be a uuid")
			return
		}
		issueReq.ParentID = &parent
	}
	man, err := a.mandates.Issue(r.Context(), issueReq)
	if err != nil {
		a.writeIssueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, man)
}

type spendingResponse struct {
	PrincipalID     string                 `json:"principal_id"`
	FromMS          int64                  `json:"from_ms"`
	ToMS            int64                  `json:"to_ms"`
	TotalMinorUnits int64                  `json:"total_minor_units"`
	Trend           []spending.TrendBucket `json:"trend"`
}

// handlePrincipalByID serves GET /v1/principals/{id}/spending. The window
// defaults to the trailing 24 hours; from_ms and to_ms override it. The trend
// series is hourly and comes from the cache, so it only covers the retention
// window even when the total reaches further back into the ledger.
func (a *Admin) handlePrincipalByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/principals/")
	idStr, op, found := strings.Cut(rest, "/")
	if !found || op != "spending" {
		WriteError(w, http.StatusNotFound, "Not Found", "unknown principal operation")
		return
	}
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	principalID, err := uuid.Parse(idStr)
	if err != nil {
		WriteBadRequest(w, "principal id must be a uuid")
		return
	}
	if _, err := a.st.GetPrincipal(r.Context(), principalID); err != nil {
		a.writeStoreError(w, err)
		return
	}

	now := time.Now().UTC()
	to, err := queryTime(r, "to_ms", now)
	if err != nil {
		WriteBadRequest(w, "to_ms must be a millisecond timestamp")
		return
	}
	from, err := queryTime(r, "from_ms", to.Add(-24*time.Hour))
	if err != nil {
		WriteBadRequest(w, "from_ms must be a millisecond timestamp")
		return
	}
	if !from.Before(to) {
		WriteBadRequest(w, "from_ms must precede to_ms")
		return
	}

	total, err := a.spends.Total(r.Context(), principalID, from, to)
	if err != nil {
		a.log.Error("spend total failed", "principal", principalID, "error", err)
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", "spend query failed")
		return
	}
	trend, err := a.spends.Trend(r.Context(), principalID, to.Sub(from), time.Hour)
	if err != nil {
		a.log.Error("spend trend failed", "principal", principalID, "error", err)
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", "spend query failed")
		return
	}
	writeJSON(w, http.StatusOK, spendingResponse{
		PrincipalID:     principalID.String(),
		FromMS:          from.UnixMilli(),
		ToMS:            to.UnixMilli(),
		TotalMinorUnits: total,
		Trend:           trend,
	})
}

func queryTime(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

type revokeRequest struct {
	Revoker    string `json:"revoker"`
	Reason     string `json:"reason"`
	AdminToken string `json:"admin_token,omitempty"`
}

// handleMandateByID serves POST /v1/mandates/{id}/revoke.
func (a *Admin) handleMandateByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/mandates/")
	idStr, op, found := strings.Cut(rest, "/")
	if !found || op != "revoke" {
		WriteError(w, http.StatusNotFound, "Not Found", "unknown mandate operation")
		return
	}
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	mandateID, err := uuid.Parse(idStr)
	if err != nil {
		WriteBadRequest(w, "mandate id must be a uuid")
		return
	}
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed JSON body")
		return
	}
	revoker, err := uuid.Parse(req.Revoker)
	if err != nil && req.AdminToken == "" {
		WriteBadRequest(w, "revoker must be a uuid unless admin_token is given")
		return
	}
	if err := a.mandates.Revoke(r.Context(), mandateID, revoker, req.Reason, req.AdminToken); err != nil {
		switch {
		case errors.Is(err, mandate.ErrNotAuthorized):
			WriteError(w, http.StatusForbidden, "Forbidden", err.Error())
		case errors.Is(err, store.ErrNotFound):
			WriteError(w, http.StatusNotFound, "Not Found", err.Error())
		case errors.Is(err, store.ErrConflict):
			WriteError(w, http.StatusConflict, "Conflict", err.Error())
		default:
			a.log.Error("revoke failed", "mandate", mandateID, "error", err)
			WriteError(w, http.StatusInternalServerError, "Internal Server Error", "revoke failed")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) writeIssueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mandate.ErrBadWindow),
		errors.Is(err, mandate.ErrScopeExceeded),
		errors.Is(err, mandate.ErrValidityExceeded),
		errors.Is(err, mandate.ErrDepthExceeded),
		errors.Is(err, mandate.ErrDelegationNotAllowed),
		errors.Is(err, mandate.ErrParentNotDelegable),
		errors.Is(err, mandate.ErrParentRevoked),
		errors.Is(err, mandate.ErrParentInactive),
		errors.Is(err, mandate.ErrDeactivated),
		errors.Is(err, mandate.ErrNoAuthority):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		a.log.Error("issue failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", "issue failed")
	}
}

func (a *Admin) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrConflict):
		WriteError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		a.log.Error("store operation failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", "operation failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
