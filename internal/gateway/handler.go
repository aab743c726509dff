package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/af-corp/operator-gateway/internal/auth"
	"github.com/af-corp/operator-gateway/internal/httputil"
	"github.com/af-corp/operator-gateway/internal/router"
	"github.com/af-corp/operator-gateway/internal/types"
	"github.com/go-chi/chi/v5"
)

const maxRequestBytes = 64 << 10

// Handler exposes the Gateway over HTTP.
type Handler struct {
	gw       *Gateway
	registry *router.Registry
	health   *router.HealthTracker
	version  string
}

func NewHandler(gw *Gateway, registry *router.Registry, health *router.HealthTracker, version string) *Handler {
	return &Handler{gw: gw, registry: registry, health: health, version: version}
}

// Routes mounts the operation and provider endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/{category}/{operation}", h.Operation)
	r.Get("/api/providers", h.ListProviders)
}

// Operation handles POST /api/{category}/{operation}
func (h *Handler) Operation(w http.ResponseWriter, r *http.Request) {
	reqID := httputil.RequestID(r.Context())

	category, ok := types.ParseCategory(chi.URLParam(r, "category"))
	if !ok {
		httputil.WriteNotFoundError(w, reqID, "Unknown category: "+chi.URLParam(r, "category"))
		return
	}
	op := chi.URLParam(r, "operation")

	var req types.OperationRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	defer r.Body.Close()

	if req.ProviderID == "" {
		httputil.WriteBadRequestError(w, reqID, "provider_id is required")
		return
	}
	t := Target{ProviderID: string(req.ProviderID), Category: category}
	ctx := r.Context()

	var res types.Result
	switch op {
	case "login":
		res = h.gw.Login(ctx, t, req.Username, req.Password)
	case "add_user":
		username, password := req.NewUsername, req.NewPassword
		if username == "" {
			username = req.Username
		}
		if password == "" {
			password = req.Password
		}
		res = h.gw.AddUser(ctx, t, username, password)
	case "recharge":
		res = h.gw.Recharge(ctx, t, req.Username, req.Amount)
	case "redeem":
		res = h.gw.Redeem(ctx, t, req.Username, req.Amount)
	case "reset_password", "change_password":
		res = h.gw.ChangePassword(ctx, t, req.Username, req.NewPassword)
	case "balance", "get_balances":
		res = h.gw.GetBalances(ctx, t, req.Username)
	case "agent_balance", "get_agent_balance":
		res = h.gw.GetAgentBalance(ctx, t)
	default:
		httputil.WriteNotFoundError(w, reqID, "Unknown operation: "+op)
		return
	}

	httputil.WriteResult(w, reqID, res, op == "add_user")
}

// ListProviders handles GET /api/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	reqID := httputil.RequestID(r.Context())

	category := r.URL.Query().Get("category")
	var want types.Category
	if category != "" {
		c, ok := types.ParseCategory(category)
		if !ok {
			httputil.WriteBadRequestError(w, reqID, "Unknown category: "+category)
			return
		}
		want = c
	}

	info, authed := auth.AuthFromContext(r.Context())
	providers := make([]router.Descriptor, 0, h.registry.Len())
	for _, d := range h.registry.List() {
		if authed && !info.Allows(d.ID) {
			continue
		}
		if want != "" && !strings.EqualFold(d.Category, string(want)) {
			continue
		}
		providers = append(providers, d)
	}

	httputil.WriteJSON(w, reqID, http.StatusOK, providerListResponse{Providers: providers})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Version: h.version}
	if h.health != nil {
		resp.Providers = h.health.Snapshot()
	}
	httputil.WriteJSON(w, httputil.RequestID(r.Context()), http.StatusOK, resp)
}

type providerListResponse struct {
	Providers []router.Descriptor `json:"providers"`
}

type healthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version"`
	Providers []router.ProviderHealth `json:"providers,omitempty"`
}
