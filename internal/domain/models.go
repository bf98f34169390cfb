package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// UserKeyPair is the long-lived WireGuard key pair owned by a user
type UserKeyPair struct {
	UserID     int64       // Owning user
	PrivateKey wgtypes.Key // Clamped curve25519 scalar
	PublicKey  wgtypes.Key // Derived from PrivateKey
	CreatedAt  time.Time   // When the pair was first generated
}

// GatewayStatus is the administered state of a gateway
type GatewayStatus string

const (
	GatewayOnline      GatewayStatus = "online"
	GatewayOffline     GatewayStatus = "offline"
	GatewayMaintenance GatewayStatus = "maintenance"
)

// Valid reports whether s is one of the known gateway states.
func (s GatewayStatus) Valid() bool {
	switch s {
	case GatewayOnline, GatewayOffline, GatewayMaintenance:
		return true
	}
	return false
}

// Gateway represents a VPN server that terminates WireGuard tunnels
type Gateway struct {
	ID             string        // Unique identifier (e.g. "us-east-1")
	Name           string        // Display name
	EndpointHost   string        // Public host clients connect to
	EndpointPort   int           // Public UDP port
	PublicKey      wgtypes.Key   // Gateway's own WireGuard key
	AddressPrefix  string        // IPv4 /24 in CIDR notation (e.g. "10.0.0.0/24")
	Capacity       int           // Maximum concurrent peers
	Status         GatewayStatus // online | offline | maintenance
	VIPRestriction string        // Optional single-user email allow-list
	ControlURL     string        // Base URL of the peer-management API
}

// Endpoint returns the host:port string used in client configs.
func (g Gateway) Endpoint() string {
	return net.JoinHostPort(g.EndpointHost, strconv.Itoa(g.EndpointPort))
}

// ControlBaseURL returns the control API base URL, falling back to the
// endpoint host on the default control port.
func (g Gateway) ControlBaseURL() string {
	if g.ControlURL != "" {
		return g.ControlURL
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(g.EndpointHost, "8080"))
}

// PeerStatus is the lifecycle state of a PeerAssignment
type PeerStatus string

const (
	PeerPending PeerStatus = "pending"
	PeerActive  PeerStatus = "active"
	PeerRevoked PeerStatus = "revoked" // revoked locally, gateway removal not yet confirmed
	PeerRemoved PeerStatus = "removed" // gateway removal confirmed by reconciliation
)

// PeerAssignment is one registry row binding a user's key to an address on a gateway
type PeerAssignment struct {
	ID              int64      // Unique identifier
	UserID          int64      // Owning user
	GatewayID       string     // Foreign key to Gateway
	PublicKey       string     // Base64 public key registered on the gateway
	AssignedAddress string     // Host address inside the gateway prefix
	Status          PeerStatus // pending | active | revoked | removed
	ProvisionedAt   time.Time  // When the gateway confirmed the peer
	RevokedAt       *time.Time // When the assignment was revoked
	UpdatedAt       time.Time  // Last change
}

// AddressReservation is a short-lived hold on an address while an Issue is in flight
type AddressReservation struct {
	ID        string    // Opaque reservation id
	GatewayID string    // Gateway the address belongs to
	Address   string    // Reserved host address
	UserID    int64     // User the address is held for
	ExpiresAt time.Time // After this the hold is void and may be swept
	Existing  bool      // True when the address comes from an existing active assignment
}

// Expired reports whether the reservation is no longer live at now.
func (r AddressReservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
