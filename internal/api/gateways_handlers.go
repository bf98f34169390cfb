package api

import (
	"net/http"
	"strconv"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/go-chi/chi/v5"
)

type GatewayResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Endpoint       string `json:"endpoint"`
	PublicKey      string `json:"public_key"`
	AddressPrefix  string `json:"address_prefix"`
	Capacity       int    `json:"capacity"`
	Active         int    `json:"active"`
	Status         string `json:"status"`
	VIPRestriction string `json:"vip_restriction,omitempty"`
}

type GatewayStatusRequest struct {
	Status string `json:"status"`
}

// listGatewaysHandler handles GET /api/v0/gateways
func (a *API) listGatewaysHandler(w http.ResponseWriter, r *http.Request) {
	gateways, err := a.svc.ListGateways(r.Context())
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}

	response := make([]GatewayResponse, len(gateways))
	for i, g := range gateways {
		response[i] = GatewayResponse{
			ID:             g.ID,
			Name:           g.Name,
			Endpoint:       g.Endpoint(),
			PublicKey:      g.PublicKey.String(),
			AddressPrefix:  g.AddressPrefix,
			Capacity:       g.Capacity,
			Active:         g.Active,
			Status:         string(g.Status),
			VIPRestriction: g.VIPRestriction,
		}
	}
	writeJSON(w, a.log, http.StatusOK, response)
}

// setGatewayStatusHandler handles PUT /api/v0/gateways/{gatewayID}/status
func (a *API) setGatewayStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req GatewayStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, a.log, err, nil)
		return
	}

	gatewayID := chi.URLParam(r, "gatewayID")
	if err := a.svc.SetGatewayStatus(r.Context(), gatewayID, domain.GatewayStatus(req.Status)); err != nil {
		writeError(w, a.log, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// reconcileHandler handles POST /api/v0/maintenance/reconcile?limit=N
func (a *API) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, a.log, domain.Errorf(domain.KindInvalidArgument, "invalid limit %q", raw), nil)
			return
		}
		limit = n
	}

	summary, err := a.svc.Reconcile(r.Context(), limit)
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}
	writeJSON(w, a.log, http.StatusOK, summary)
}

// sweepHandler handles POST /api/v0/maintenance/sweep
func (a *API) sweepHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.Sweep(r.Context())
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}
	writeJSON(w, a.log, http.StatusOK, map[string]int{"swept": n})
}
