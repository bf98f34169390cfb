// Package allocator hands out host addresses inside a gateway's /24.
//
// Addresses are picked by an ascending first-fit scan over host octets
// 2..254. An address is free when no active peer assignment and no live
// reservation holds it. Reservations are the in-flight ("pending") state of
// an Issue: they are created here, converted by the caller into an active
// assignment, and released afterwards or swept once expired.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	firstHost = 2
	lastHost  = 254

	// DefaultTTL bounds how long an in-flight Issue may hold an address
	DefaultTTL = 60 * time.Second

	maxInsertAttempts = 5
)

// ReservationStore persists reservations. Insert must fail with
// repository.ErrDuplicate when a live hold on the same address exists.
type ReservationStore interface {
	Insert(ctx context.Context, r domain.AddressReservation, now time.Time) error
	ListLive(ctx context.Context, gatewayID string, now time.Time) ([]domain.AddressReservation, error)
	Exists(ctx context.Context, r domain.AddressReservation, now time.Time) (bool, error)
	Delete(ctx context.Context, r domain.AddressReservation) (bool, error)
	DeleteForUser(ctx context.Context, gatewayID string, userID int64) (int, error)
	DeleteExpired(ctx context.Context, gatewayID string, now time.Time) (int, error)
}

// ActivePeers is the read side of the peer registry the allocator needs.
type ActivePeers interface {
	FindActive(ctx context.Context, userID int64, gatewayID string) (domain.PeerAssignment, error)
	ActiveAddresses(ctx context.Context, gatewayID string) (map[string]int64, error)
}

// Allocator reserves addresses, serialising reservations per gateway.
type Allocator struct {
	peers ActivePeers
	store ReservationStore
	locks *KeyedMutex
	ttl   time.Duration
	now   func() time.Time
	log   logrus.FieldLogger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithTTL sets the reservation lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(a *Allocator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// New creates an Allocator.
func New(peers ActivePeers, store ReservationStore, log logrus.FieldLogger, opts ...Option) *Allocator {
	a := &Allocator{
		peers: peers,
		store: store,
		locks: NewKeyedMutex(),
		ttl:   DefaultTTL,
		now:   time.Now,
		log:   log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ParsePrefix parses an IPv4 /24 address prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address prefix %q: %w", s, err)
	}
	if !p.Addr().Is4() || p.Bits() != 24 {
		return netip.Prefix{}, fmt.Errorf("address prefix %q is not an IPv4 /24", s)
	}
	return p.Masked(), nil
}

// HostAddress returns the address with the given host octet inside prefix.
func HostAddress(prefix netip.Prefix, octet int) netip.Addr {
	b := prefix.Addr().As4()
	b[3] = byte(octet)
	return netip.AddrFrom4(b)
}

// Reserve picks the first free address on gw for userID. If the user
// already has an active assignment there, its address is returned with
// Existing set and nothing is stored.
func (a *Allocator) Reserve(ctx context.Context, gw domain.Gateway, userID int64) (domain.AddressReservation, error) {
	prefix, err := ParsePrefix(gw.AddressPrefix)
	if err != nil {
		return domain.AddressReservation{}, domain.Wrap(domain.KindInvalidArgument, err, "gateway "+gw.ID)
	}

	existing, err := a.peers.FindActive(ctx, userID, gw.ID)
	if err == nil {
		return domain.AddressReservation{
			GatewayID: gw.ID,
			Address:   existing.AssignedAddress,
			UserID:    userID,
			Existing:  true,
		}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.AddressReservation{}, domain.Wrap(domain.KindInternal, err, "look up active assignment")
	}

	unlock := a.locks.Lock(gw.ID)
	defer unlock()

	for attempt := 1; attempt <= maxInsertAttempts; attempt++ {
		now := a.now()

		if _, err := a.store.DeleteExpired(ctx, gw.ID, now); err != nil {
			return domain.AddressReservation{}, domain.Wrap(domain.KindInternal, err, "sweep reservations")
		}

		taken, err := a.takenAddresses(ctx, gw, now)
		if err != nil {
			return domain.AddressReservation{}, err
		}

		addr, ok := firstFree(prefix, taken)
		if !ok {
			return domain.AddressReservation{}, domain.Errorf(domain.KindPoolExhausted,
				"no free address on gateway %s", gw.ID)
		}

		res := domain.AddressReservation{
			ID:        uuid.NewString(),
			GatewayID: gw.ID,
			Address:   addr.String(),
			UserID:    userID,
			ExpiresAt: now.Add(a.ttl),
		}
		err = a.store.Insert(ctx, res, now)
		if err == nil {
			a.log.WithFields(logrus.Fields{
				"gateway_id":     gw.ID,
				"user_id":        userID,
				"address":        res.Address,
				"reservation_id": res.ID,
			}).Debug("address reserved")
			return res, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return domain.AddressReservation{}, domain.Wrap(domain.KindInternal, err, "store reservation")
		}

		// Another process took the address between our read and insert.
		a.log.WithFields(logrus.Fields{
			"gateway_id": gw.ID,
			"address":    res.Address,
			"attempt":    attempt,
		}).Debug("reservation conflict, rescanning")
	}

	return domain.AddressReservation{}, domain.Errorf(domain.KindConflict,
		"could not reserve an address on gateway %s after %d attempts", gw.ID, maxInsertAttempts)
}

// takenAddresses collects active and live-reserved addresses and enforces
// the gateway's capacity.
func (a *Allocator) takenAddresses(ctx context.Context, gw domain.Gateway, now time.Time) (map[string]struct{}, error) {
	active, err := a.peers.ActiveAddresses(ctx, gw.ID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "load active addresses")
	}
	live, err := a.store.ListLive(ctx, gw.ID, now)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "load reservations")
	}

	if gw.Capacity > 0 && len(active)+len(live) >= gw.Capacity {
		return nil, domain.Errorf(domain.KindCapacity,
			"gateway %s is at capacity (%d)", gw.ID, gw.Capacity)
	}

	taken := make(map[string]struct{}, len(active)+len(live))
	for addr := range active {
		taken[addr] = struct{}{}
	}
	for _, r := range live {
		taken[r.Address] = struct{}{}
	}
	return taken, nil
}

func firstFree(prefix netip.Prefix, taken map[string]struct{}) (netip.Addr, bool) {
	for octet := firstHost; octet <= lastHost; octet++ {
		addr := HostAddress(prefix, octet)
		if _, ok := taken[addr.String()]; !ok {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// Release drops a reservation. Releasing twice, or releasing an existing
// assignment's pseudo-reservation, is a no-op.
func (a *Allocator) Release(ctx context.Context, r domain.AddressReservation) error {
	if r.Existing || r.ID == "" {
		return nil
	}
	if _, err := a.store.Delete(ctx, r); err != nil {
		return domain.Wrap(domain.KindInternal, err, "release reservation")
	}
	return nil
}

// Holds reports whether r is still stored and unexpired.
func (a *Allocator) Holds(ctx context.Context, r domain.AddressReservation) (bool, error) {
	if r.Existing {
		return true, nil
	}
	ok, err := a.store.Exists(ctx, r, a.now())
	if err != nil {
		return false, domain.Wrap(domain.KindInternal, err, "check reservation")
	}
	return ok, nil
}

// ReleaseForUser voids every reservation of userID on gatewayID.
func (a *Allocator) ReleaseForUser(ctx context.Context, gatewayID string, userID int64) (int, error) {
	n, err := a.store.DeleteForUser(ctx, gatewayID, userID)
	if err != nil {
		return 0, domain.Wrap(domain.KindInternal, err, "release user reservations")
	}
	return n, nil
}

// Sweep deletes expired reservations on all gateways.
func (a *Allocator) Sweep(ctx context.Context) (int, error) {
	n, err := a.store.DeleteExpired(ctx, "", a.now())
	if err != nil {
		return 0, domain.Wrap(domain.KindInternal, err, "sweep reservations")
	}
	if n > 0 {
		a.log.WithField("count", n).Info("expired reservations swept")
	}
	return n, nil
}
