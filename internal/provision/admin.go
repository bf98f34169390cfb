package provision

import (
	"context"
	"errors"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/repository"
	"github.com/sirupsen/logrus"
)

// GatewayInfo is a gateway plus its live connection count.
type GatewayInfo struct {
	domain.Gateway
	Active int
}

// ListGateways returns every administered gateway with its active peer count.
func (s *Service) ListGateways(ctx context.Context) ([]GatewayInfo, error) {
	gateways, err := s.gateways.FindAll(ctx)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "list gateways")
	}
	counts, err := s.peers.CountActiveByGateway(ctx)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "count peers")
	}

	infos := make([]GatewayInfo, 0, len(gateways))
	for _, g := range gateways {
		infos = append(infos, GatewayInfo{Gateway: g, Active: counts[g.ID]})
	}
	return infos, nil
}

// SetGatewayStatus changes the administered status of a gateway.
func (s *Service) SetGatewayStatus(ctx context.Context, gatewayID string, status domain.GatewayStatus) error {
	if !status.Valid() {
		return domain.Errorf(domain.KindInvalidArgument, "unknown gateway status %q", status)
	}
	err := s.gateways.SetStatus(ctx, gatewayID, status)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return domain.Errorf(domain.KindNotFound, "unknown gateway %q", gatewayID)
	case err != nil:
		return domain.Wrap(domain.KindInternal, err, "set gateway status")
	}
	s.log.WithFields(logrus.Fields{"gateway_id": gatewayID, "status": status}).Info("gateway status changed")
	return nil
}

// ReconcileSummary counts what a Reconcile pass did.
type ReconcileSummary struct {
	Checked int `json:"checked"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// Reconcile retries the gateway removal of revoked peers and marks them
// removed once the gateway confirms.
func (s *Service) Reconcile(ctx context.Context, limit int) (ReconcileSummary, error) {
	revoked, err := s.peers.ListRevoked(ctx, limit)
	if err != nil {
		return ReconcileSummary{}, domain.Wrap(domain.KindInternal, err, "list revoked peers")
	}

	var summary ReconcileSummary
	gateways := make(map[string]domain.Gateway)
	for _, p := range revoked {
		summary.Checked++
		removed, err := s.reconcileOne(ctx, p, gateways)
		if err != nil {
			return summary, err
		}
		if removed {
			summary.Removed++
		} else {
			summary.Failed++
		}
	}

	if summary.Checked > 0 {
		s.log.WithFields(logrus.Fields{
			"checked": summary.Checked,
			"removed": summary.Removed,
			"failed":  summary.Failed,
		}).Info("reconcile pass finished")
	}
	return summary, nil
}

// reconcileOne holds the pair lock so a concurrent Issue cannot re-add the
// same key between the check and the removal.
func (s *Service) reconcileOne(ctx context.Context, p domain.PeerAssignment, gateways map[string]domain.Gateway) (bool, error) {
	unlock := s.locks.Lock(pairKey(p.UserID, p.GatewayID))
	defer unlock()

	log := s.log.WithFields(logrus.Fields{"user_id": p.UserID, "gateway_id": p.GatewayID, "address": p.AssignedAddress})

	// Re-issued with the same key since: the gateway peer belongs to the
	// active row now and must stay.
	active, err := s.peers.FindActive(ctx, p.UserID, p.GatewayID)
	superseded := err == nil && active.PublicKey == p.PublicKey

	if !superseded {
		gw, ok := gateways[p.GatewayID]
		if !ok {
			gw, err = s.gateways.FindByID(ctx, p.GatewayID)
			if err != nil {
				log.WithError(err).Warn("reconcile: gateway lookup failed")
				return false, nil
			}
			gateways[p.GatewayID] = gw
		}
		if err := s.client.RemovePeer(ctx, gw, p.PublicKey); err != nil {
			log.WithError(err).Warn("reconcile: gateway removal failed")
			return false, nil
		}
	}

	if err := s.peers.MarkRemoved(ctx, p.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, domain.Wrap(domain.KindInternal, err, "mark peer removed")
	}
	return true, nil
}

// Sweep drops expired address reservations.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.alloc.Sweep(ctx)
}
