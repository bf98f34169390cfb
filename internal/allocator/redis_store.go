package allocator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/repository"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps reservations in Redis so several peerd processes share
// one view of in-flight addresses. Each hold is a single key
// resv:{gateway}:{address} whose value is "id|user|expiresMillis" and whose
// TTL matches the reservation, so Redis expires holds on its own.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// deletes KEYS[1] only while it still carries reservation id ARGV[1]
var compareAndDelete = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisStore wraps client. Keys are namespaced under "resv:".
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "resv"}
}

func (s *RedisStore) key(gatewayID, address string) string {
	return s.prefix + ":" + gatewayID + ":" + address
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// pattern matches every hold on gatewayID, or on all gateways when empty.
// Glob characters in the id are escaped so it only matches itself.
func (s *RedisStore) pattern(gatewayID string) string {
	if gatewayID == "" {
		return s.prefix + ":*"
	}
	return s.prefix + ":" + globEscaper.Replace(gatewayID) + ":*"
}

func encodeHold(r domain.AddressReservation) string {
	return r.ID + "|" + strconv.FormatInt(r.UserID, 10) + "|" + strconv.FormatInt(r.ExpiresAt.UnixMilli(), 10)
}

func decodeHold(key, value string) (domain.AddressReservation, error) {
	parts := strings.SplitN(value, "|", 3)
	if len(parts) != 3 {
		return domain.AddressReservation{}, fmt.Errorf("malformed reservation %s: %q", key, value)
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return domain.AddressReservation{}, fmt.Errorf("malformed reservation %s: %w", key, err)
	}
	expires, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return domain.AddressReservation{}, fmt.Errorf("malformed reservation %s: %w", key, err)
	}

	// resv:{gateway}:{address}; gateway ids may not contain ':'
	fields := strings.SplitN(key, ":", 3)
	if len(fields) != 3 {
		return domain.AddressReservation{}, fmt.Errorf("malformed reservation key %q", key)
	}
	return domain.AddressReservation{
		ID:        parts[0],
		GatewayID: fields[1],
		Address:   fields[2],
		UserID:    userID,
		ExpiresAt: time.UnixMilli(expires).UTC(),
	}, nil
}

// Insert stores r with SET NX PX.
func (s *RedisStore) Insert(ctx context.Context, r domain.AddressReservation, now time.Time) error {
	ttl := r.ExpiresAt.Sub(now)
	if r.ID == "" || r.GatewayID == "" || r.Address == "" || ttl <= 0 {
		return fmt.Errorf("reservation id, gateway, address and a future expiry are required: %w", repository.ErrInvalidEntity)
	}

	ok, err := s.client.SetNX(ctx, s.key(r.GatewayID, r.Address), encodeHold(r), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	if !ok {
		return repository.ErrDuplicate
	}
	return nil
}

// scan returns every hold on gatewayID.
func (s *RedisStore) scan(ctx context.Context, gatewayID string) ([]domain.AddressReservation, error) {
	var holds []domain.AddressReservation
	iter := s.client.Scan(ctx, 0, s.pattern(gatewayID), 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read reservation %s: %w", key, err)
		}
		hold, err := decodeHold(key, value)
		if err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan reservations: %w", err)
	}
	return holds, nil
}

func (s *RedisStore) ListLive(ctx context.Context, gatewayID string, now time.Time) ([]domain.AddressReservation, error) {
	holds, err := s.scan(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	live := holds[:0]
	for _, h := range holds {
		if !h.Expired(now) {
			live = append(live, h)
		}
	}
	return live, nil
}

func (s *RedisStore) Exists(ctx context.Context, r domain.AddressReservation, now time.Time) (bool, error) {
	key := s.key(r.GatewayID, r.Address)
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check reservation: %w", err)
	}
	hold, err := decodeHold(key, value)
	if err != nil {
		return false, err
	}
	return hold.ID == r.ID && !hold.Expired(now), nil
}

func (s *RedisStore) Delete(ctx context.Context, r domain.AddressReservation) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{s.key(r.GatewayID, r.Address)}, r.ID).Int()
	if err != nil {
		return false, fmt.Errorf("failed to delete reservation: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) DeleteForUser(ctx context.Context, gatewayID string, userID int64) (int, error) {
	holds, err := s.scan(ctx, gatewayID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, h := range holds {
		if h.UserID != userID {
			continue
		}
		ok, err := s.Delete(ctx, h)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// DeleteExpired removes holds whose recorded expiry has passed but which
// Redis has not evicted yet, e.g. when clocks disagree.
func (s *RedisStore) DeleteExpired(ctx context.Context, gatewayID string, now time.Time) (int, error) {
	deleted := 0
	iter := s.client.Scan(ctx, 0, s.pattern(gatewayID), 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to read reservation %s: %w", key, err)
		}
		hold, err := decodeHold(key, value)
		if err != nil {
			return deleted, err
		}
		if !hold.Expired(now) {
			continue
		}
		ok, err := s.Delete(ctx, hold)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to scan reservations: %w", err)
	}
	return deleted, nil
}
