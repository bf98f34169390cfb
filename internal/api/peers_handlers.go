package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/provision"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/wgconf"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// qrSize is the edge length in pixels of served QR codes
const qrSize = 512

type IssueRequest struct {
	GatewayID string `json:"gateway_id"`
	Email     string `json:"email"`
}

type SwitchRequest struct {
	FromGatewayID string `json:"from_gateway_id"`
	ToGatewayID   string `json:"to_gateway_id"`
	Email         string `json:"email"`
}

type IssueResponse struct {
	UserID    int64  `json:"user_id"`
	GatewayID string `json:"gateway_id"`
	Address   string `json:"address"`
	Endpoint  string `json:"endpoint"`
	Config    string `json:"config"`
	Reused    bool   `json:"reused"`
}

// PeerResponse is one active peer. ConnectedSince is the time the gateway
// last confirmed the peer.
type PeerResponse struct {
	GatewayID      string    `json:"gateway_id"`
	PublicKey      string    `json:"public_key"`
	Address        string    `json:"address"`
	Status         string    `json:"status"`
	ConnectedSince time.Time `json:"connected_since"`
}

type StatusResponse struct {
	UserID int64          `json:"user_id"`
	Peers  []PeerResponse `json:"peers"`
}

type SwitchResponse struct {
	Revoked provision.RevokeResult `json:"revoked"`
	Issued  IssueResponse          `json:"issued"`
}

func issueResponse(userID int64, res provision.IssueResult) IssueResponse {
	return IssueResponse{
		UserID:    userID,
		GatewayID: res.Gateway.ID,
		Address:   res.AssignedAddress,
		Endpoint:  res.Gateway.Endpoint(),
		Config:    res.Config,
		Reused:    res.Reused,
	}
}

// issueHandler handles POST /api/v0/users/{userID}/peers.
//
// Responds 201 with the client config when a peer was provisioned, or 200
// when the user already had an active peer on the gateway.
func (a *API) issueHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}

	var req IssueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, a.log, err, nil)
		return
	}
	if req.GatewayID == "" {
		writeError(w, a.log, domain.Errorf(domain.KindInvalidArgument, "gateway_id is required"), nil)
		return
	}

	res, err := a.svc.Issue(r.Context(), provision.IssueRequest{
		UserID:    userID,
		Email:     req.Email,
		GatewayID: req.GatewayID,
	})
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}

	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	writeJSON(w, a.log, status, issueResponse(userID, res))
}

// statusHandler handles GET /api/v0/users/{userID}/peers
func (a *API) statusHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}

	peers, err := a.svc.Status(r.Context(), userID)
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}

	response := StatusResponse{UserID: userID, Peers: make([]PeerResponse, len(peers))}
	for i, p := range peers {
		response.Peers[i] = PeerResponse{
			GatewayID:      p.GatewayID,
			PublicKey:      p.PublicKey,
			Address:        p.AssignedAddress,
			Status:         string(p.Status),
			ConnectedSince: p.ProvisionedAt,
		}
	}
	writeJSON(w, a.log, http.StatusOK, response)
}

// revokeHandler handles DELETE /api/v0/users/{userID}/peers/{gatewayID}.
// Revoking a pair without an active peer still answers 200.
func (a *API) revokeHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}

	res, err := a.svc.Revoke(r.Context(), userID, chi.URLParam(r, "gatewayID"))
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}
	writeJSON(w, a.log, http.StatusOK, res)
}

// revokeAllHandler handles DELETE /api/v0/users/{userID}/peers. Per-gateway
// failures are reported in the summary; the response is 207 when any occurred.
func (a *API) revokeAllHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}

	summary, err := a.svc.RevokeAll(r.Context(), userID)
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}

	status := http.StatusOK
	if len(summary.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, a.log, status, summary)
}

// switchHandler handles POST /api/v0/users/{userID}/switch. When the issue
// on the destination fails after the source was revoked, the error body
// carries the revoke outcome as detail.
func (a *API) switchHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, a.log, err, nil)
		return
	}

	var req SwitchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, a.log, err, nil)
		return
	}

	res, err := a.svc.Switch(r.Context(), provision.SwitchRequest{
		UserID: userID,
		Email:  req.Email,
		From:   req.FromGatewayID,
		To:     req.ToGatewayID,
	})
	if err != nil {
		var detail any
		if res.Revoked.GatewayID != "" {
			detail = map[string]any{"revoked": res.Revoked}
		}
		writeError(w, a.log, err, detail)
		return
	}

	writeJSON(w, a.log, http.StatusOK, SwitchResponse{
		Revoked: res.Revoked,
		Issued:  issueResponse(userID, res.Issued),
	})
}

// configHandler handles GET /api/v0/users/{userID}/peers/{gatewayID}/config
func (a *API) configHandler(w http.ResponseWriter, r *http.Request) {
	res, ok := a.loadConfig(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.conf"`, res.Gateway.ID))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(res.Config)); err != nil {
		a.log.WithError(err).Debug("failed to write config")
	}
}

// configQRHandler handles GET /api/v0/users/{userID}/peers/{gatewayID}/config.png
func (a *API) configQRHandler(w http.ResponseWriter, r *http.Request) {
	res, ok := a.loadConfig(w, r)
	if !ok {
		return
	}

	png, err := wgconf.QRCodePNG(res.Config, qrSize)
	if err != nil {
		writeError(w, a.log, domain.Wrap(domain.KindInternal, err, "encode QR code"), nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		a.log.WithError(err).Debug("failed to write QR code")
	}
}

func (a *API) loadConfig(w http.ResponseWriter, r *http.Request) (provision.IssueResult, bool) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, a.log, err, nil)
		return provision.IssueResult{}, false
	}

	gatewayID := chi.URLParam(r, "gatewayID")
	res, err := a.svc.Config(r.Context(), userID, gatewayID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.log.WithFields(logrus.Fields{"user_id": userID, "gateway_id": gatewayID}).
				WithError(err).Warn("config download failed")
		}
		writeError(w, a.log, err, nil)
		return provision.IssueResult{}, false
	}
	return res, true
}
