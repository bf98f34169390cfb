package repository

import (
	"context"
	"testing"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerRepository_UpsertActive(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_UpsertActive")
	defer cleanup()

	repo := NewPeerRepository(db)
	ctx := context.Background()
	seedGateway(t, db, "gw-1")

	p, err := repo.UpsertActive(ctx, 1, "gw-1", "pk-1", "10.8.0.2")
	require.NoError(t, err)
	assert.NotZero(t, p.ID)
	assert.Equal(t, domain.PeerActive, p.Status)

	found, err := repo.FindActive(ctx, 1, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)
	assert.Equal(t, "10.8.0.2", found.AssignedAddress)
	assert.Nil(t, found.RevokedAt)

	// A second upsert for the same pair updates in place
	again, err := repo.UpsertActive(ctx, 1, "gw-1", "pk-1", "10.8.0.3")
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	count, err := repo.CountActive(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPeerRepository_UpsertActive_AddressTaken(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_UpsertActive_AddressTaken")
	defer cleanup()

	repo := NewPeerRepository(db)
	ctx := context.Background()
	seedGateway(t, db, "gw-1")

	_, err := repo.UpsertActive(ctx, 1, "gw-1", "pk-1", "10.8.0.2")
	require.NoError(t, err)

	_, err = repo.UpsertActive(ctx, 2, "gw-1", "pk-2", "10.8.0.2")
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = repo.FindActive(ctx, 2, "gw-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPeerRepository_UpsertActive_Invalid(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_UpsertActive_Invalid")
	defer cleanup()

	_, err := NewPeerRepository(db).UpsertActive(context.Background(), 1, "gw-1", "", "10.8.0.2")
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestPeerRepository_RevokeAndReconcile(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_RevokeAndReconcile")
	defer cleanup()

	repo := NewPeerRepository(db)
	ctx := context.Background()
	seedGateway(t, db, "gw-1")

	_, err := repo.UpsertActive(ctx, 1, "gw-1", "pk-1", "10.8.0.2")
	require.NoError(t, err)

	revoked, err := repo.MarkRevoked(ctx, 1, "gw-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Nothing live left to revoke
	revoked, err = repo.MarkRevoked(ctx, 1, "gw-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	_, err = repo.FindActive(ctx, 1, "gw-1")
	assert.ErrorIs(t, err, ErrNotFound)

	pending, err := repo.ListRevoked(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.PeerRevoked, pending[0].Status)
	assert.NotNil(t, pending[0].RevokedAt)

	require.NoError(t, repo.MarkRemoved(ctx, pending[0].ID))
	assert.ErrorIs(t, repo.MarkRemoved(ctx, pending[0].ID), ErrNotFound)

	pending, err = repo.ListRevoked(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The address is free again for another user
	_, err = repo.UpsertActive(ctx, 2, "gw-1", "pk-2", "10.8.0.2")
	assert.NoError(t, err)
}

func TestPeerRepository_Listings(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_Listings")
	defer cleanup()

	repo := NewPeerRepository(db)
	ctx := context.Background()
	seedGateway(t, db, "gw-a")
	seedGateway(t, db, "gw-b")

	_, err := repo.UpsertActive(ctx, 1, "gw-b", "pk-1", "10.8.0.2")
	require.NoError(t, err)
	_, err = repo.UpsertActive(ctx, 1, "gw-a", "pk-1", "10.8.0.2")
	require.NoError(t, err)
	_, err = repo.UpsertActive(ctx, 2, "gw-a", "pk-2", "10.8.0.3")
	require.NoError(t, err)

	peers, err := repo.ListActiveForUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "gw-a", peers[0].GatewayID)
	assert.Equal(t, "gw-b", peers[1].GatewayID)

	addrs, err := repo.ActiveAddresses(ctx, "gw-a")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"10.8.0.2": 1, "10.8.0.3": 2}, addrs)

	counts, err := repo.CountActiveByGateway(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"gw-a": 2, "gw-b": 1}, counts)
}
