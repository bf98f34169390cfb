package provision

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/allocator"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/gateway"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/gateway/gatewaytest"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/repository"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/testutil"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/wgconf"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/wgkey"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const token = "gw-secret"

// hookClient lets a test act between the gateway confirming and Issue
// committing.
type hookClient struct {
	GatewayClient
	afterAdd func()
}

func (h *hookClient) AddPeer(ctx context.Context, gw domain.Gateway, publicKey, address string, userID int64) (gateway.Confirmation, error) {
	conf, err := h.GatewayClient.AddPeer(ctx, gw, publicKey, address, userID)
	if err == nil && h.afterAdd != nil {
		h.afterAdd()
	}
	return conf, err
}

type env struct {
	svc      *Service
	fakes    map[string]*gatewaytest.Gateway
	gateways repository.GatewayRepository
	peers    repository.PeerRepository
	keys     *wgkey.Store
	alloc    *allocator.Allocator
	client   *hookClient
}

func newEnv(t *testing.T, gateways ...domain.Gateway) *env {
	t.Helper()

	db, cleanup := testutil.SetupTestDBWithMigrations(t, strings.ReplaceAll(t.Name(), "/", "_"))
	t.Cleanup(cleanup)

	log, _ := test.NewNullLogger()
	e := &env{
		fakes:    make(map[string]*gatewaytest.Gateway),
		gateways: repository.NewGatewayRepository(db),
		peers:    repository.NewPeerRepository(db),
	}
	e.keys = wgkey.NewStore(repository.NewKeyRepository(db), nil, log)
	e.alloc = allocator.New(e.peers, repository.NewReservationRepository(db), log, allocator.WithTTL(time.Minute))
	e.client = &hookClient{GatewayClient: gateway.NewClient(token, 200*time.Millisecond, log)}

	for _, gw := range gateways {
		fake := gatewaytest.New(token)
		t.Cleanup(fake.Close)
		e.fakes[gw.ID] = fake
		gw.ControlURL = fake.URL
		_, err := e.gateways.Save(context.Background(), gw)
		require.NoError(t, err)
	}

	e.svc = New(Deps{
		Gateways:  e.gateways,
		Peers:     e.peers,
		Keys:      e.keys,
		Allocator: e.alloc,
		Client:    e.client,
		Logger:    log,
	})
	return e
}

func newGateway(t *testing.T, id, prefix string, capacity int) domain.Gateway {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return domain.Gateway{
		ID:            id,
		Name:          strings.ToUpper(id),
		EndpointHost:  id + ".vpn.example.com",
		EndpointPort:  51820,
		PublicKey:     priv.PublicKey(),
		AddressPrefix: prefix,
		Capacity:      capacity,
		Status:        domain.GatewayOnline,
	}
}

func issue(t *testing.T, e *env, user int64, gw string) IssueResult {
	t.Helper()
	res, err := e.svc.Issue(context.Background(), IssueRequest{UserID: user, GatewayID: gw})
	require.NoError(t, err)
	return res
}

func TestIssue_Idempotent(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))

	first := issue(t, e, 1, "gw-a")
	assert.False(t, first.Reused)
	assert.Equal(t, "10.0.0.2", first.AssignedAddress)

	second := issue(t, e, 1, "gw-a")
	assert.True(t, second.Reused)
	assert.Equal(t, first.AssignedAddress, second.AssignedAddress)
	assert.Equal(t, first.Config, second.Config)

	count, err := e.peers.CountActive(context.Background(), "gw-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, e.fakes["gw-a"].Peers(), 1)
	assert.Equal(t, []string{"/peers/add"}, e.fakes["gw-a"].Calls())
}

func TestIssue_ConcurrentUsersGetDistinctAddresses(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))

	const users = 50
	addrs := make([]string, users)
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.svc.Issue(context.Background(), IssueRequest{UserID: int64(i + 1), GatewayID: "gw-a"})
			if assert.NoError(t, err) {
				addrs[i] = res.AssignedAddress
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, a := range addrs {
		assert.False(t, seen[a], "address %s assigned twice", a)
		seen[a] = true
	}
	assert.Len(t, e.fakes["gw-a"].Peers(), users)
}

func TestIssue_ConcurrentSameUser(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Issue(context.Background(), IssueRequest{UserID: 1, GatewayID: "gw-a"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := e.peers.CountActive(context.Background(), "gw-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIssue_PoolExhausted(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 300))
	ctx := context.Background()

	for user := int64(1); user <= 253; user++ {
		issue(t, e, user, "gw-a")
	}

	_, err := e.svc.Issue(ctx, IssueRequest{UserID: 254, GatewayID: "gw-a"})
	assert.ErrorIs(t, err, domain.ErrCapacity)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)

	_, err = e.peers.FindActive(ctx, 254, "gw-a")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	count, err := e.peers.CountActive(ctx, "gw-a")
	require.NoError(t, err)
	assert.Equal(t, 253, count)
}

func TestIssue_CapacityLimit(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 2))

	issue(t, e, 1, "gw-a")
	issue(t, e, 2, "gw-a")

	_, err := e.svc.Issue(context.Background(), IssueRequest{UserID: 3, GatewayID: "gw-a"})
	assert.ErrorIs(t, err, domain.ErrCapacity)
	assert.Equal(t, domain.KindCapacity, domain.KindOf(err))
}

func TestIssue_RejectionReleasesAddress(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))
	ctx := context.Background()

	e.fakes["gw-a"].SetMode(gatewaytest.Reject)
	_, err := e.svc.Issue(ctx, IssueRequest{UserID: 1, GatewayID: "gw-a"})
	assert.ErrorIs(t, err, domain.ErrGatewayRejected)

	_, err = e.peers.FindActive(ctx, 1, "gw-a")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	e.fakes["gw-a"].SetMode(gatewaytest.Accept)
	res := issue(t, e, 2, "gw-a")
	assert.Equal(t, "10.0.0.2", res.AssignedAddress)
}

func TestIssue_UnreachableReleasesAddress(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))
	ctx := context.Background()

	e.fakes["gw-a"].SetMode(gatewaytest.Hang)
	_, err := e.svc.Issue(ctx, IssueRequest{UserID: 1, GatewayID: "gw-a"})
	assert.ErrorIs(t, err, domain.ErrGatewayUnreachable)

	status, err := e.svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, status)

	e.fakes["gw-a"].SetMode(gatewaytest.Accept)
	assert.Equal(t, "10.0.0.2", issue(t, e, 1, "gw-a").AssignedAddress)
}

func TestIssue_GatewayOverridesAddress(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))
	e.fakes["gw-a"].SetOverride("10.0.0.100")

	res := issue(t, e, 1, "gw-a")
	assert.Equal(t, "10.0.0.100", res.AssignedAddress)
	assert.Contains(t, res.Config, "Address = 10.0.0.100/32\n")

	// The override address is taken, the originally reserved one is free
	e.fakes["gw-a"].SetOverride("")
	assert.Equal(t, "10.0.0.2", issue(t, e, 2, "gw-a").AssignedAddress)
}

func TestIssue_GatewayChecks(t *testing.T) {
	vip := newGateway(t, "gw-vip", "10.1.0.0/24", 253)
	vip.VIPRestriction = "x@example.com"
	off := newGateway(t, "gw-off", "10.2.0.0/24", 253)
	off.Status = domain.GatewayOffline
	e := newEnv(t, vip, off)
	ctx := context.Background()

	_, err := e.svc.Issue(ctx, IssueRequest{UserID: 1, GatewayID: "nowhere"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = e.svc.Issue(ctx, IssueRequest{UserID: 1, GatewayID: "gw-off"})
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	_, err = e.svc.Issue(ctx, IssueRequest{UserID: 0, GatewayID: "gw-vip"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	for _, email := range []string{"", "y@example.com", "x@example.org"} {
		_, err = e.svc.Issue(ctx, IssueRequest{UserID: 1, Email: email, GatewayID: "gw-vip"})
		assert.ErrorIs(t, err, domain.ErrForbidden, email)
	}
	_, err = e.peers.FindActive(ctx, 1, "gw-vip")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	res, err := e.svc.Issue(ctx, IssueRequest{UserID: 1, Email: "  X@Example.COM ", GatewayID: "gw-vip"})
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.2", res.AssignedAddress)
}

func TestIssue_MaintenanceStillIssues(t *testing.T) {
	gw := newGateway(t, "gw-a", "10.0.0.0/24", 253)
	gw.Status = domain.GatewayMaintenance
	e := newEnv(t, gw)

	assert.Equal(t, "10.0.0.2", issue(t, e, 1, "gw-a").AssignedAddress)
}

func TestIssue_ConfigRoundTrip(t *testing.T) {
	gw := newGateway(t, "gw-a", "10.0.0.0/24", 253)
	e := newEnv(t, gw)
	ctx := context.Background()

	res := issue(t, e, 42, "gw-a")
	parsed, err := wgconf.Parse(res.Config)
	require.NoError(t, err)

	kp, err := e.keys.GetOrCreate(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, res.AssignedAddress, parsed.Address)
	assert.Equal(t, gw.PublicKey, parsed.PeerPublicKey)
	assert.Equal(t, kp.PrivateKey.String(), parsed.PrivateKey.String())
	assert.Equal(t, gw.Endpoint(), parsed.Endpoint)
	assert.Equal(t, DefaultDNS, parsed.DNS)

	// Config regenerates the same text without calling the gateway
	again, err := e.svc.Config(ctx, 42, "gw-a")
	require.NoError(t, err)
	assert.Equal(t, res.Config, again.Config)
	assert.Len(t, e.fakes["gw-a"].Calls(), 1)

	_, err = e.svc.Config(ctx, 43, "gw-a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.svc.Config(ctx, 42, "nowhere")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIssue_RevokedDuringFlight(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))
	ctx := context.Background()

	// Another process revokes the pair while the gateway call is in flight
	e.client.afterAdd = func() {
		_, err := e.alloc.ReleaseForUser(ctx, "gw-a", 1)
		require.NoError(t, err)
	}

	_, err := e.svc.Issue(ctx, IssueRequest{UserID: 1, GatewayID: "gw-a"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = e.peers.FindActive(ctx, 1, "gw-a")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, e.fakes["gw-a"].Peers())
}

func TestRevoke_NoActivePeer(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))

	res, err := e.svc.Revoke(context.Background(), 1, "gw-a")
	require.NoError(t, err)
	assert.False(t, res.Revoked)
	assert.Empty(t, e.fakes["gw-a"].Calls())

	res, err = e.svc.Revoke(context.Background(), 1, "unknown")
	require.NoError(t, err)
	assert.False(t, res.Revoked)
}

func TestRevoke_RemovesFromGateway(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))
	ctx := context.Background()
	issue(t, e, 1, "gw-a")

	res, err := e.svc.Revoke(ctx, 1, "gw-a")
	require.NoError(t, err)
	assert.True(t, res.Revoked)
	assert.True(t, res.RemoteRemoved)
	assert.Empty(t, e.fakes["gw-a"].Peers())

	// Second revoke is a no-op
	res, err = e.svc.Revoke(ctx, 1, "gw-a")
	require.NoError(t, err)
	assert.False(t, res.Revoked)
}

func TestRevoke_GatewayUnreachableStillRevokes(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))
	ctx := context.Background()
	issue(t, e, 1, "gw-a")

	e.fakes["gw-a"].SetMode(gatewaytest.Hang)
	res, err := e.svc.Revoke(ctx, 1, "gw-a")
	require.NoError(t, err)
	assert.True(t, res.Revoked)
	assert.False(t, res.RemoteRemoved)
	assert.NotEmpty(t, res.RemoteError)

	status, err := e.svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, status)

	revoked, err := e.peers.ListRevoked(ctx, 10)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, domain.PeerRevoked, revoked[0].Status)

	// The orphaned gateway peer is cleaned up once the gateway is back
	e.fakes["gw-a"].SetMode(gatewaytest.Accept)
	summary, err := e.svc.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileSummary{Checked: 1, Removed: 1}, summary)
	assert.Empty(t, e.fakes["gw-a"].Peers())

	revoked, err = e.peers.ListRevoked(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, revoked)
}

func TestReconcile_KeepsReissuedPeer(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))
	ctx := context.Background()
	issue(t, e, 1, "gw-a")

	e.fakes["gw-a"].SetMode(gatewaytest.Fail)
	_, err := e.svc.Revoke(ctx, 1, "gw-a")
	require.NoError(t, err)

	e.fakes["gw-a"].SetMode(gatewaytest.Accept)
	issue(t, e, 1, "gw-a")

	summary, err := e.svc.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Removed)
	assert.Len(t, e.fakes["gw-a"].Peers(), 1, "the live peer must survive reconciliation")
}

func TestReconcile_GatewayStillDown(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))
	ctx := context.Background()
	issue(t, e, 1, "gw-a")

	e.fakes["gw-a"].SetMode(gatewaytest.Fail)
	_, err := e.svc.Revoke(ctx, 1, "gw-a")
	require.NoError(t, err)

	summary, err := e.svc.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileSummary{Checked: 1, Failed: 1}, summary)
}

func TestRevokeAll(t *testing.T) {
	e := newEnv(t,
		newGateway(t, "gw-a", "10.0.0.0/24", 253),
		newGateway(t, "gw-b", "10.1.0.0/24", 253),
	)
	ctx := context.Background()
	issue(t, e, 1, "gw-a")
	issue(t, e, 1, "gw-b")
	issue(t, e, 2, "gw-a")

	e.fakes["gw-b"].SetMode(gatewaytest.Hang)
	summary, err := e.svc.RevokeAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, summary.Results, 2)
	assert.Empty(t, summary.Failed)
	assert.True(t, summary.Results[0].RemoteRemoved)
	assert.False(t, summary.Results[1].RemoteRemoved)

	status, err := e.svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, status)

	status, err = e.svc.Status(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, status, 1)
}

func TestSwitch(t *testing.T) {
	e := newEnv(t,
		newGateway(t, "gw-a", "10.0.0.0/24", 253),
		newGateway(t, "gw-b", "10.1.0.0/24", 253),
	)
	ctx := context.Background()
	issue(t, e, 1, "gw-a")

	res, err := e.svc.Switch(ctx, SwitchRequest{UserID: 1, From: "gw-a", To: "gw-b"})
	require.NoError(t, err)
	assert.True(t, res.Revoked.Revoked)
	assert.Equal(t, "10.1.0.2", res.Issued.AssignedAddress)

	status, err := e.svc.Status(ctx, 1)
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, "gw-b", status[0].GatewayID)
	assert.Empty(t, e.fakes["gw-a"].Peers())
}

func TestSwitch_ValidatesDestinationFirst(t *testing.T) {
	vip := newGateway(t, "gw-vip", "10.1.0.0/24", 253)
	vip.VIPRestriction = "x@example.com"
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253), vip)
	ctx := context.Background()
	issue(t, e, 1, "gw-a")

	_, err := e.svc.Switch(ctx, SwitchRequest{UserID: 1, From: "gw-a", To: "gw-vip", Email: "y@example.com"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = e.svc.Switch(ctx, SwitchRequest{UserID: 1, From: "gw-a", To: "nowhere"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = e.svc.Switch(ctx, SwitchRequest{UserID: 1, From: "gw-a", To: "gw-a"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// The source peer is untouched
	_, err = e.peers.FindActive(ctx, 1, "gw-a")
	assert.NoError(t, err)
}

func TestSwitch_IssueFailureLeavesNoActivePeer(t *testing.T) {
	e := newEnv(t,
		newGateway(t, "gw-a", "10.0.0.0/24", 253),
		newGateway(t, "gw-b", "10.1.0.0/24", 253),
	)
	ctx := context.Background()
	issue(t, e, 1, "gw-a")

	e.fakes["gw-b"].SetMode(gatewaytest.Reject)
	res, err := e.svc.Switch(ctx, SwitchRequest{UserID: 1, From: "gw-a", To: "gw-b"})
	assert.ErrorIs(t, err, domain.ErrGatewayRejected)
	assert.True(t, res.Revoked.Revoked)

	status, err := e.svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestGatewayAdministration(t *testing.T) {
	e := newEnv(t,
		newGateway(t, "gw-a", "10.0.0.0/24", 253),
		newGateway(t, "gw-b", "10.1.0.0/24", 253),
	)
	ctx := context.Background()
	issue(t, e, 1, "gw-a")
	issue(t, e, 2, "gw-a")

	infos, err := e.svc.ListGateways(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, 2, infos[0].Active)
	assert.Equal(t, 0, infos[1].Active)

	require.NoError(t, e.svc.SetGatewayStatus(ctx, "gw-b", domain.GatewayOffline))
	_, err = e.svc.Issue(ctx, IssueRequest{UserID: 1, GatewayID: "gw-b"})
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	assert.ErrorIs(t, e.svc.SetGatewayStatus(ctx, "gw-b", "sleeping"), domain.ErrInvalidArgument)
	assert.ErrorIs(t, e.svc.SetGatewayStatus(ctx, "gw-z", domain.GatewayOnline), domain.ErrNotFound)
}

func TestSweep(t *testing.T) {
	e := newEnv(t, newGateway(t, "gw-a", "10.0.0.0/24", 253))

	n, err := e.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStatus_InvalidUser(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Status(context.Background(), -1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
