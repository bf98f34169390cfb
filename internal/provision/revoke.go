package provision

import (
	"context"
	"errors"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/repository"
	"github.com/sirupsen/logrus"
)

// RevokeResult reports what a Revoke did for one gateway.
type RevokeResult struct {
	UserID        int64  `json:"user_id"`
	GatewayID     string `json:"gateway_id"`
	Revoked       bool   `json:"revoked"`        // an active peer was revoked locally
	RemoteRemoved bool   `json:"remote_removed"` // the gateway confirmed removal
	RemoteError   string `json:"remote_error,omitempty"`
}

// RevokeSummary is the outcome of revoking every peer of a user. A gateway
// that failed locally is listed in Failed and does not stop the others.
type RevokeSummary struct {
	UserID  int64             `json:"user_id"`
	Results []RevokeResult    `json:"results"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Revoke removes a user's peer from a gateway. Revoking a pair without an
// active peer succeeds. The gateway call is best-effort: the registry row
// is revoked even if the gateway cannot be reached.
func (s *Service) Revoke(ctx context.Context, userID int64, gatewayID string) (RevokeResult, error) {
	if userID <= 0 {
		return RevokeResult{}, domain.Errorf(domain.KindInvalidArgument, "invalid user id %d", userID)
	}
	if gatewayID == "" {
		return RevokeResult{}, domain.Errorf(domain.KindInvalidArgument, "gateway id is required")
	}

	unlock := s.locks.Lock(pairKey(userID, gatewayID))
	defer unlock()

	return s.revokeLocked(ctx, userID, gatewayID)
}

func (s *Service) revokeLocked(ctx context.Context, userID int64, gatewayID string) (RevokeResult, error) {
	result := RevokeResult{UserID: userID, GatewayID: gatewayID}
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "gateway_id": gatewayID})

	// Void in-flight issues for the pair, including those of other processes.
	if n, err := s.alloc.ReleaseForUser(ctx, gatewayID, userID); err != nil {
		return result, err
	} else if n > 0 {
		log.WithField("count", n).Info("in-flight reservations voided")
	}

	active, err := s.peers.FindActive(ctx, userID, gatewayID)
	if errors.Is(err, repository.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return result, domain.Wrap(domain.KindInternal, err, "look up active peer")
	}

	gw, err := s.gateways.FindByID(ctx, gatewayID)
	switch {
	case err == nil:
		if err := s.client.RemovePeer(ctx, gw, active.PublicKey); err != nil {
			result.RemoteError = err.Error()
			log.WithError(err).Warn("gateway removal failed; revoking locally")
		} else {
			result.RemoteRemoved = true
		}
	default:
		result.RemoteError = err.Error()
		log.WithError(err).Warn("gateway lookup failed; revoking locally")
	}

	revoked, err := s.peers.MarkRevoked(ctx, userID, gatewayID)
	if err != nil {
		return result, domain.Wrap(domain.KindInternal, err, "revoke peer")
	}
	result.Revoked = revoked

	log.WithFields(logrus.Fields{
		"address":        active.AssignedAddress,
		"remote_removed": result.RemoteRemoved,
	}).Info("peer revoked")
	return result, nil
}

// RevokeAll revokes every active peer of a user.
func (s *Service) RevokeAll(ctx context.Context, userID int64) (RevokeSummary, error) {
	active, err := s.Status(ctx, userID)
	if err != nil {
		return RevokeSummary{}, err
	}

	summary := RevokeSummary{UserID: userID, Results: make([]RevokeResult, 0, len(active))}
	for _, a := range active {
		res, err := s.Revoke(ctx, userID, a.GatewayID)
		if err != nil {
			if summary.Failed == nil {
				summary.Failed = make(map[string]string)
			}
			summary.Failed[a.GatewayID] = err.Error()
			continue
		}
		summary.Results = append(summary.Results, res)
	}
	return summary, nil
}

// SwitchRequest moves a user's peer from one gateway to another.
type SwitchRequest struct {
	UserID int64
	Email  string
	From   string
	To     string
}

// SwitchResult is the outcome of a Switch.
type SwitchResult struct {
	Revoked RevokeResult
	Issued  IssueResult
}

// Switch revokes the peer on From and then issues one on To.
//
// The two steps are not atomic. The destination is validated up front, but
// if Issue still fails after the revoke (gateway unreachable, pool full)
// the user is left without an active peer and must retry; the returned
// error wraps the Issue failure and the result carries the revoke outcome.
// A user never ends up active on both gateways.
func (s *Service) Switch(ctx context.Context, req SwitchRequest) (SwitchResult, error) {
	if req.UserID <= 0 {
		return SwitchResult{}, domain.Errorf(domain.KindInvalidArgument, "invalid user id %d", req.UserID)
	}
	if req.From == "" || req.To == "" {
		return SwitchResult{}, domain.Errorf(domain.KindInvalidArgument, "source and destination gateways are required")
	}
	if req.From == req.To {
		return SwitchResult{}, domain.Errorf(domain.KindInvalidArgument, "source and destination gateway are both %s", req.From)
	}

	if _, err := s.usableGateway(ctx, req.To, req.Email); err != nil {
		return SwitchResult{}, err
	}

	var result SwitchResult
	revoked, err := s.Revoke(ctx, req.UserID, req.From)
	if err != nil {
		return result, err
	}
	result.Revoked = revoked

	issued, err := s.Issue(ctx, IssueRequest{UserID: req.UserID, Email: req.Email, GatewayID: req.To})
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"user_id": req.UserID,
			"from":    req.From,
			"to":      req.To,
		}).WithError(err).Warn("switch left user without an active peer")
		return result, err
	}
	result.Issued = issued
	return result, nil
}
