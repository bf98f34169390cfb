package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/allocator"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/config"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/datastore"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/gateway"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/provision"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/repository"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/wgkey"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisPingTimeout = 5 * time.Second

// Runtime is the wired provisioning core shared by the HTTP server and the
// one-shot CLI commands.
type Runtime struct {
	DS      *datastore.Datastore
	Service *provision.Service

	redis redis.UniversalClient
}

// Open verifies key derivation, opens and migrates the database, syncs the
// administered gateways and wires the provisioning service.
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*Runtime, error) {
	if err := wgkey.SelfTest(); err != nil {
		return nil, fmt.Errorf("key derivation self-test failed: %w", err)
	}

	ds, err := cfg.InitializeDatabase()
	if err != nil {
		return nil, err
	}
	rt := &Runtime{DS: ds}

	gateways := repository.NewGatewayRepository(ds.DB)
	if err := syncGateways(ctx, cfg, gateways, log); err != nil {
		rt.Close()
		return nil, err
	}

	store, err := rt.reservationStore(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}

	peers := repository.NewPeerRepository(ds.DB)
	rt.Service = provision.New(provision.Deps{
		Gateways:  gateways,
		Peers:     peers,
		Keys:      wgkey.NewStore(repository.NewKeyRepository(ds.DB), nil, log),
		Allocator: allocator.New(peers, store, log, allocator.WithTTL(cfg.Reservations.TTL)),
		Client:    gateway.NewClient(cfg.GatewayAPI.Token, cfg.GatewayAPI.Timeout, log),
		DNS:       cfg.WireGuard.DNS,
		Logger:    log,
	})
	return rt, nil
}

// syncGateways makes the gateways table match the configured list. An empty
// list leaves the table alone rather than retiring every gateway.
func syncGateways(ctx context.Context, cfg *config.Config, repo repository.GatewayRepository, log logrus.FieldLogger) error {
	gateways, err := cfg.DomainGateways()
	if err != nil {
		return err
	}
	if len(gateways) == 0 {
		log.Warn("no gateways configured; keeping the stored gateway list")
		return nil
	}
	if err := repo.Sync(ctx, gateways); err != nil {
		return fmt.Errorf("failed to sync gateways: %w", err)
	}
	log.WithField("count", len(gateways)).Info("gateways synced")
	return nil
}

func (rt *Runtime) reservationStore(ctx context.Context, cfg *config.Config) (allocator.ReservationStore, error) {
	if cfg.Reservations.Backend != "redis" {
		return repository.NewReservationRepository(rt.DS.DB), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Reservations.RedisAddr,
		Password: cfg.Reservations.RedisPassword,
		DB:       cfg.Reservations.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Reservations.RedisAddr, err)
	}
	rt.redis = client
	return allocator.NewRedisStore(client), nil
}

// Ready reports whether the database and, when used, Redis answer.
func (rt *Runtime) Ready(ctx context.Context) error {
	if err := rt.DS.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if rt.redis != nil {
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases Redis and the database.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	if rt.DS != nil {
		errs = append(errs, rt.DS.Close())
	}
	return errors.Join(errs...)
}
