package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func newTestKey(t *testing.T) wgtypes.Key {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return priv
}

func testGateway(t *testing.T, id string) domain.Gateway {
	return domain.Gateway{
		ID:            id,
		Name:          "Gateway " + id,
		EndpointHost:  id + ".vpn.example.com",
		EndpointPort:  51820,
		PublicKey:     newTestKey(t).PublicKey(),
		AddressPrefix: "10.8.0.0/24",
		Capacity:      253,
		Status:        domain.GatewayOnline,
	}
}

func seedGateway(t *testing.T, db *sql.DB, id string) domain.Gateway {
	t.Helper()
	g, err := NewGatewayRepository(db).Save(context.Background(), testGateway(t, id))
	if err != nil {
		t.Fatalf("Failed to seed gateway %s: %v", id, err)
	}
	return g
}
