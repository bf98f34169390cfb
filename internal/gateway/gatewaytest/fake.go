// Package gatewaytest provides an in-process gateway control API for tests.
package gatewaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Mode selects how the fake answers.
type Mode int

const (
	Accept Mode = iota // success:true
	Reject             // 200 with success:false
	Fail               // HTTP 500
	Hang               // sleeps past any sane client timeout
)

// Gateway is a fake peer-management API backed by a map of peers.
type Gateway struct {
	*httptest.Server

	Token string

	mu       sync.Mutex
	mode     Mode
	override string
	peers    map[string]string // public key -> allowed ip
	calls    []string
	hang     time.Duration
}

// New starts a fake gateway requiring token.
func New(token string) *Gateway {
	g := &Gateway{
		Token: token,
		peers: make(map[string]string),
		hang:  2 * time.Second,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/peers/add", g.handleAdd)
	mux.HandleFunc("/peers/remove", g.handleRemove)
	g.Server = httptest.NewServer(mux)
	return g
}

// SetMode changes how subsequent calls are answered.
func (g *Gateway) SetMode(m Mode) {
	g.mu.Lock()
	g.mode = m
	g.mu.Unlock()
}

// SetOverride makes addPeer reply with allowed_ip set to addr.
func (g *Gateway) SetOverride(addr string) {
	g.mu.Lock()
	g.override = addr
	g.mu.Unlock()
}

// Peers returns a copy of the registered peers.
func (g *Gateway) Peers() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.peers))
	for k, v := range g.peers {
		out[k] = v
	}
	return out
}

// Calls returns the request paths seen so far.
func (g *Gateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type reply struct {
	Success   bool   `json:"success"`
	AllowedIP string `json:"allowed_ip,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (g *Gateway) begin(w http.ResponseWriter, r *http.Request) (Mode, bool) {
	g.mu.Lock()
	g.calls = append(g.calls, r.URL.Path)
	mode, hang := g.mode, g.hang
	g.mu.Unlock()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return mode, false
	}
	if g.Token != "" && r.Header.Get("Authorization") != "Bearer "+g.Token {
		writeJSON(w, http.StatusUnauthorized, reply{Error: "unauthorized"})
		return mode, false
	}

	switch mode {
	case Hang:
		select {
		case <-r.Context().Done():
		case <-time.After(hang):
		}
		return mode, false
	case Fail:
		writeJSON(w, http.StatusInternalServerError, reply{Error: "internal gateway failure"})
		return mode, false
	case Reject:
		writeJSON(w, http.StatusOK, reply{Error: "peer refused"})
		return mode, false
	}
	return mode, true
}

func (g *Gateway) handleAdd(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.begin(w, r); !ok {
		return
	}
	var req struct {
		PublicKey string `json:"public_key"`
		AllowedIP string `json:"allowed_ip"`
		UserID    int64  `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" {
		writeJSON(w, http.StatusBadRequest, reply{Error: "bad request"})
		return
	}

	g.mu.Lock()
	allowed := req.AllowedIP
	if g.override != "" {
		allowed = g.override + "/32"
	}
	g.peers[req.PublicKey] = allowed
	g.mu.Unlock()

	writeJSON(w, http.StatusOK, reply{Success: true, AllowedIP: allowed})
}

func (g *Gateway) handleRemove(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.begin(w, r); !ok {
		return
	}
	var req struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, reply{Error: "bad request"})
		return
	}

	g.mu.Lock()
	_, known := g.peers[req.PublicKey]
	delete(g.peers, req.PublicKey)
	g.mu.Unlock()

	if !known {
		writeJSON(w, http.StatusNotFound, reply{Error: "peer not found"})
		return
	}
	writeJSON(w, http.StatusOK, reply{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
