// Package provision orchestrates the peer lifecycle: keys, addresses,
// gateway registration and the local registry.
//
// Issue only commits a registry row after the gateway confirmed the peer.
// Revoke always commits locally, even when the gateway cannot be reached;
// Reconcile later retries the remote removal.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/allocator"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/gateway"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/repository"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/wgconf"
	"github.com/sirupsen/logrus"
)

// DefaultDNS is used when no resolvers are configured.
var DefaultDNS = []string{"1.1.1.1", "1.0.0.1"}

// KeyStore hands out stable per-user key pairs.
type KeyStore interface {
	GetOrCreate(ctx context.Context, userID int64) (domain.UserKeyPair, error)
	Get(ctx context.Context, userID int64) (domain.UserKeyPair, error)
}

// GatewayClient registers and removes peers on gateways.
type GatewayClient interface {
	AddPeer(ctx context.Context, gw domain.Gateway, publicKey, address string, userID int64) (gateway.Confirmation, error)
	RemovePeer(ctx context.Context, gw domain.Gateway, publicKey string) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Gateways  repository.GatewayRepository
	Peers     repository.PeerRepository
	Keys      KeyStore
	Allocator *allocator.Allocator
	Client    GatewayClient
	DNS       []string
	Logger    logrus.FieldLogger
}

// Service implements the provisioning commands.
type Service struct {
	gateways repository.GatewayRepository
	peers    repository.PeerRepository
	keys     KeyStore
	alloc    *allocator.Allocator
	client   GatewayClient
	dns      []string
	locks    *allocator.KeyedMutex
	log      logrus.FieldLogger
}

// New creates a Service.
func New(d Deps) *Service {
	dns := d.DNS
	if len(dns) == 0 {
		dns = DefaultDNS
	}
	log := d.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		gateways: d.Gateways,
		peers:    d.Peers,
		keys:     d.Keys,
		alloc:    d.Allocator,
		client:   d.Client,
		dns:      dns,
		locks:    allocator.NewKeyedMutex(),
		log:      log,
	}
}

// IssueRequest asks for a peer for UserID on GatewayID. Email is checked
// against the gateway's VIP restriction.
type IssueRequest struct {
	UserID    int64
	Email     string
	GatewayID string
}

// IssueResult carries the client configuration of an active peer.
type IssueResult struct {
	Config          string
	AssignedAddress string
	Gateway         domain.Gateway
	Assignment      domain.PeerAssignment
	Reused          bool // the pair was already active; nothing was provisioned
}

func pairKey(userID int64, gatewayID string) string {
	return fmt.Sprintf("%d/%s", userID, gatewayID)
}

// usableGateway loads a gateway and checks it accepts new peers for email.
func (s *Service) usableGateway(ctx context.Context, gatewayID, email string) (domain.Gateway, error) {
	gw, err := s.gateways.FindByID(ctx, gatewayID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Gateway{}, domain.Errorf(domain.KindNotFound, "unknown gateway %q", gatewayID)
	}
	if err != nil {
		return domain.Gateway{}, domain.Wrap(domain.KindInternal, err, "load gateway")
	}

	if gw.Status == domain.GatewayOffline {
		return domain.Gateway{}, domain.Errorf(domain.KindGatewayUnavailable, "gateway %s is offline", gw.ID)
	}

	if vip := strings.TrimSpace(gw.VIPRestriction); vip != "" {
		if !strings.EqualFold(vip, strings.TrimSpace(email)) {
			return domain.Gateway{}, domain.Errorf(domain.KindForbidden, "gateway %s is reserved", gw.ID)
		}
	}
	return gw, nil
}

// Issue provisions (or returns the existing) peer for a user on a gateway.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	if req.UserID <= 0 {
		return IssueResult{}, domain.Errorf(domain.KindInvalidArgument, "invalid user id %d", req.UserID)
	}
	if req.GatewayID == "" {
		return IssueResult{}, domain.Errorf(domain.KindInvalidArgument, "gateway id is required")
	}

	gw, err := s.usableGateway(ctx, req.GatewayID, req.Email)
	if err != nil {
		return IssueResult{}, err
	}

	unlock := s.locks.Lock(pairKey(req.UserID, gw.ID))
	defer unlock()

	return s.issueLocked(ctx, gw, req.UserID)
}

func (s *Service) issueLocked(ctx context.Context, gw domain.Gateway, userID int64) (IssueResult, error) {
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "gateway_id": gw.ID})

	kp, err := s.keys.GetOrCreate(ctx, userID)
	if err != nil {
		return IssueResult{}, err
	}

	active, err := s.peers.FindActive(ctx, userID, gw.ID)
	switch {
	case err == nil:
		log.WithField("address", active.AssignedAddress).Debug("peer already active")
		return s.result(kp, gw, active, true), nil
	case !errors.Is(err, repository.ErrNotFound):
		return IssueResult{}, domain.Wrap(domain.KindInternal, err, "look up active peer")
	}

	res, err := s.alloc.Reserve(ctx, gw, userID)
	if err != nil {
		if errors.Is(err, domain.ErrPoolExhausted) {
			return IssueResult{}, domain.Wrap(domain.KindCapacity, err, "gateway "+gw.ID)
		}
		return IssueResult{}, err
	}
	log = log.WithFields(logrus.Fields{"address": res.Address, "reservation_id": res.ID})

	publicKey := kp.PublicKey.String()
	conf, err := s.client.AddPeer(ctx, gw, publicKey, res.Address, userID)
	if err != nil {
		s.release(ctx, res)
		log.WithError(err).Warn("gateway did not accept peer")
		return IssueResult{}, err
	}
	address := conf.Address(res.Address)

	// A Revoke from another process voids our reservation; the peer we
	// just added must not become active then.
	held, err := s.alloc.Holds(ctx, res)
	if err != nil || !held {
		s.removeQuietly(ctx, gw, publicKey, log)
		s.release(ctx, res)
		if err != nil {
			return IssueResult{}, err
		}
		return IssueResult{}, domain.Errorf(domain.KindConflict,
			"reservation for user %d on gateway %s was revoked during issue", userID, gw.ID)
	}

	assignment, err := s.peers.UpsertActive(ctx, userID, gw.ID, publicKey, address)
	if err != nil {
		s.removeQuietly(ctx, gw, publicKey, log)
		s.release(ctx, res)
		if errors.Is(err, repository.ErrDuplicate) {
			return IssueResult{}, domain.Errorf(domain.KindConflict,
				"address %s on gateway %s is already assigned", address, gw.ID)
		}
		return IssueResult{}, domain.Wrap(domain.KindInternal, err, "record peer")
	}
	s.release(ctx, res)

	log.WithField("assigned", address).Info("peer issued")
	return s.result(kp, gw, assignment, false), nil
}

func (s *Service) result(kp domain.UserKeyPair, gw domain.Gateway, a domain.PeerAssignment, reused bool) IssueResult {
	return IssueResult{
		Config:          s.render(kp, gw, a.AssignedAddress),
		AssignedAddress: a.AssignedAddress,
		Gateway:         gw,
		Assignment:      a,
		Reused:          reused,
	}
}

func (s *Service) render(kp domain.UserKeyPair, gw domain.Gateway, address string) string {
	return wgconf.Render(wgconf.Client{
		PrivateKey:    kp.PrivateKey,
		Address:       address,
		DNS:           s.dns,
		PeerPublicKey: gw.PublicKey,
		Endpoint:      gw.Endpoint(),
	})
}

func (s *Service) release(ctx context.Context, res domain.AddressReservation) {
	if err := s.alloc.Release(context.WithoutCancel(ctx), res); err != nil {
		s.log.WithFields(logrus.Fields{
			"gateway_id":     res.GatewayID,
			"reservation_id": res.ID,
		}).WithError(err).Warn("failed to release reservation; it will expire")
	}
}

func (s *Service) removeQuietly(ctx context.Context, gw domain.Gateway, publicKey string, log logrus.FieldLogger) {
	if err := s.client.RemovePeer(context.WithoutCancel(ctx), gw, publicKey); err != nil {
		log.WithError(err).Warn("failed to roll back gateway peer; left for reconciliation")
	}
}

// Status lists a user's active peers.
func (s *Service) Status(ctx context.Context, userID int64) ([]domain.PeerAssignment, error) {
	if userID <= 0 {
		return nil, domain.Errorf(domain.KindInvalidArgument, "invalid user id %d", userID)
	}
	peers, err := s.peers.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "list peers")
	}
	return peers, nil
}

// Config regenerates the configuration of an active peer without touching
// the gateway.
func (s *Service) Config(ctx context.Context, userID int64, gatewayID string) (IssueResult, error) {
	gw, err := s.gateways.FindByID(ctx, gatewayID)
	if errors.Is(err, repository.ErrNotFound) {
		return IssueResult{}, domain.Errorf(domain.KindNotFound, "unknown gateway %q", gatewayID)
	}
	if err != nil {
		return IssueResult{}, domain.Wrap(domain.KindInternal, err, "load gateway")
	}

	active, err := s.peers.FindActive(ctx, userID, gatewayID)
	if errors.Is(err, repository.ErrNotFound) {
		return IssueResult{}, domain.Errorf(domain.KindNotFound, "user %d has no active peer on %s", userID, gatewayID)
	}
	if err != nil {
		return IssueResult{}, domain.Wrap(domain.KindInternal, err, "look up active peer")
	}

	kp, err := s.keys.Get(ctx, userID)
	if err != nil {
		return IssueResult{}, err
	}
	return s.result(kp, gw, active, true), nil
}
