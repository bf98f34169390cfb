// Package gateway talks to the peer-management API each gateway runs next
// to its WireGuard interface.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every control API call.
const DefaultTimeout = 10 * time.Second

// Confirmation is a successful addPeer outcome. OverrideAddress is set
// when the gateway assigned a different address than the one requested;
// the gateway is authoritative.
type Confirmation struct {
	OverrideAddress string
}

// Address returns the address the peer actually has on the gateway.
func (c Confirmation) Address(requested string) string {
	if c.OverrideAddress != "" {
		return c.OverrideAddress
	}
	return requested
}

type addPeerRequest struct {
	PublicKey string `json:"public_key"`
	AllowedIP string `json:"allowed_ip"`
	UserID    int64  `json:"user_id"`
}

type removePeerRequest struct {
	PublicKey string `json:"public_key"`
}

type peerResponse struct {
	Success   bool   `json:"success"`
	AllowedIP string `json:"allowed_ip,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Client calls gateway control APIs with a shared bearer token.
type Client struct {
	http  *http.Client
	token string
	log   logrus.FieldLogger
}

// NewClient creates a Client. A zero timeout selects DefaultTimeout.
func NewClient(token string, timeout time.Duration, log logrus.FieldLogger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:  &http.Client{Timeout: timeout},
		token: token,
		log:   log,
	}
}

// AddPeer registers publicKey with address on gw.
func (c *Client) AddPeer(ctx context.Context, gw domain.Gateway, publicKey, address string, userID int64) (Confirmation, error) {
	body := addPeerRequest{
		PublicKey: publicKey,
		AllowedIP: address + "/32",
		UserID:    userID,
	}

	status, resp, err := c.post(ctx, gw, "/peers/add", body)
	if err != nil {
		return Confirmation{}, err
	}
	if status < 200 || status > 299 || !resp.Success {
		return Confirmation{}, rejected(gw, status, resp)
	}

	var conf Confirmation
	if resp.AllowedIP != "" {
		addr, err := parseAllowedIP(resp.AllowedIP)
		if err != nil {
			return Confirmation{}, domain.Wrap(domain.KindGatewayRejected, err,
				fmt.Sprintf("gateway %s returned an unusable address", gw.ID))
		}
		if addr != address {
			c.log.WithFields(logrus.Fields{
				"gateway_id": gw.ID,
				"user_id":    userID,
				"requested":  address,
				"assigned":   addr,
			}).Warn("gateway overrode the requested address")
			conf.OverrideAddress = addr
		}
	}
	return conf, nil
}

// RemovePeer deletes publicKey from gw. A peer the gateway does not know
// counts as removed.
func (c *Client) RemovePeer(ctx context.Context, gw domain.Gateway, publicKey string) error {
	status, resp, err := c.post(ctx, gw, "/peers/remove", removePeerRequest{PublicKey: publicKey})
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status >= 200 && status <= 299 && resp.Success {
		return nil
	}
	if strings.Contains(strings.ToLower(resp.Error), "not found") {
		return nil
	}
	return rejected(gw, status, resp)
}

// post sends body and decodes the reply. Only transport failures are
// returned as errors; HTTP status handling is left to the caller.
func (c *Client) post(ctx context.Context, gw domain.Gateway, path string, body any) (int, peerResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, peerResponse{}, domain.Wrap(domain.KindInternal, err, "encode gateway request")
	}

	url := joinURL(gw.ControlBaseURL(), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, peerResponse{}, domain.Wrap(domain.KindGatewayUnreachable, err,
			fmt.Sprintf("build request for gateway %s", gw.ID))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"gateway_id": gw.ID,
			"path":       path,
			"error":      err,
		}).Warn("gateway unreachable")
		return 0, peerResponse{}, domain.Wrap(domain.KindGatewayUnreachable, err,
			fmt.Sprintf("gateway %s", gw.ID))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, peerResponse{}, domain.Wrap(domain.KindGatewayUnreachable, err,
			fmt.Sprintf("read reply from gateway %s", gw.ID))
	}

	var out peerResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			// Non-JSON bodies (proxies, plain-text errors) become the reason.
			out = peerResponse{Error: strings.TrimSpace(string(raw))}
		}
	}

	c.log.WithFields(logrus.Fields{
		"gateway_id": gw.ID,
		"path":       path,
		"status":     resp.StatusCode,
		"success":    out.Success,
		"duration":   time.Since(start),
	}).Debug("gateway call")

	return resp.StatusCode, out, nil
}

func rejected(gw domain.Gateway, status int, resp peerResponse) error {
	reason := resp.Error
	if reason == "" {
		reason = http.StatusText(status)
	}
	if reason == "" {
		reason = "request refused"
	}
	return domain.Errorf(domain.KindGatewayRejected, "gateway %s: %s (HTTP %d)", gw.ID, reason, status)
}

// parseAllowedIP accepts "10.0.0.5" or "10.0.0.5/32".
func parseAllowedIP(s string) (string, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return "", err
		}
		if !p.Addr().Is4() {
			return "", errors.New("allowed_ip is not IPv4")
		}
		return p.Addr().String(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return "", err
	}
	if !a.Is4() {
		return "", errors.New("allowed_ip is not IPv4")
	}
	return a.String(), nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
