// Package wgconf renders and parses wg-quick style client configurations.
package wgconf

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Fixed client-side settings every issued config carries.
const (
	AllowedIPs          = "0.0.0.0/0, ::/0"
	PersistentKeepalive = 25
)

// Client describes a full-tunnel client configuration.
type Client struct {
	PrivateKey          wgtypes.Key
	Address             string // host address, rendered with /32
	DNS                 []string
	PeerPublicKey       wgtypes.Key
	Endpoint            string // host:port
	AllowedIPs          string
	PersistentKeepalive int
}

// Render returns the configuration text.
func Render(c Client) string {
	allowed := c.AllowedIPs
	if allowed == "" {
		allowed = AllowedIPs
	}
	keepalive := c.PersistentKeepalive
	if keepalive == 0 {
		keepalive = PersistentKeepalive
	}

	var sb strings.Builder
	sb.WriteString("[Interface]\n")
	sb.WriteString(fmt.Sprintf("PrivateKey = %s\n", c.PrivateKey.String()))
	sb.WriteString(fmt.Sprintf("Address = %s/32\n", c.Address))
	if len(c.DNS) > 0 {
		sb.WriteString(fmt.Sprintf("DNS = %s\n", strings.Join(c.DNS, ", ")))
	}

	sb.WriteString("\n[Peer]\n")
	sb.WriteString(fmt.Sprintf("PublicKey = %s\n", c.PeerPublicKey.String()))
	sb.WriteString(fmt.Sprintf("Endpoint = %s\n", c.Endpoint))
	sb.WriteString(fmt.Sprintf("AllowedIPs = %s\n", allowed))
	sb.WriteString(fmt.Sprintf("PersistentKeepalive = %d\n", keepalive))

	return sb.String()
}

// Parse reads a configuration produced by Render (or a compatible single
// peer wg-quick file).
func Parse(text string) (Client, error) {
	var (
		c       Client
		section string
	)

	scanner := bufio.NewScanner(strings.NewReader(text))
	for line := 1; scanner.Scan(); line++ {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
			section = raw
			continue
		}

		key, value, ok := strings.Cut(raw, "=")
		if !ok {
			return Client{}, fmt.Errorf("line %d: expected key = value", line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		var err error
		switch section + key {
		case "[Interface]PrivateKey":
			c.PrivateKey, err = wgtypes.ParseKey(value)
		case "[Interface]Address":
			c.Address, _, _ = strings.Cut(value, "/")
		case "[Interface]DNS":
			for _, d := range strings.Split(value, ",") {
				if d = strings.TrimSpace(d); d != "" {
					c.DNS = append(c.DNS, d)
				}
			}
		case "[Peer]PublicKey":
			c.PeerPublicKey, err = wgtypes.ParseKey(value)
		case "[Peer]Endpoint":
			c.Endpoint = value
		case "[Peer]AllowedIPs":
			c.AllowedIPs = value
		case "[Peer]PersistentKeepalive":
			c.PersistentKeepalive, err = strconv.Atoi(value)
		}
		if err != nil {
			return Client{}, fmt.Errorf("line %d: %s: %w", line, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Client{}, err
	}
	if c.Address == "" || c.Endpoint == "" {
		return Client{}, fmt.Errorf("config is missing Address or Endpoint")
	}
	return c, nil
}

// QRCodePNG encodes the configuration as a PNG QR code of the given size.
func QRCodePNG(config string, size int) ([]byte, error) {
	if size <= 0 {
		size = 512
	}
	return qrcode.Encode(config, qrcode.Medium, size)
}

// QRCodeTerminal renders the configuration as a QR code for terminals.
func QRCodeTerminal(config string) (string, error) {
	qr, err := qrcode.New(config, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}
