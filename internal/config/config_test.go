package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func TestNewConfig(t *testing.T) {
	config := NewConfig()

	if config == nil {
		t.Fatal("Expected non-nil config")
	}

	if config.Database.Path != "~/peerd/data/peerd.db" {
		t.Errorf("Expected database path '~/peerd/data/peerd.db', got '%s'", config.Database.Path)
	}

	if config.Server.Port != "8080" {
		t.Errorf("Expected Port '8080', got '%s'", config.Server.Port)
	}

	assert.Equal(t, 10*time.Second, config.GatewayAPI.Timeout)
	assert.Equal(t, 60*time.Second, config.Reservations.TTL)
	assert.Equal(t, []string{"1.1.1.1", "1.0.0.1"}, config.WireGuard.DNS)
	assert.Equal(t, "sqlite", config.Reservations.Backend)
}

func TestConfig_expandPath_WithTilde(t *testing.T) {
	config := NewConfig()

	expanded := config.expandPath("~/test/path")

	if strings.HasPrefix(expanded, "~/") {
		t.Errorf("Expected path to be expanded, got '%s'", expanded)
	}

	if !strings.HasSuffix(expanded, "test/path") {
		t.Errorf("Expected expanded path to end with 'test/path', got '%s'", expanded)
	}
}

func TestConfig_expandPath_WithoutTilde(t *testing.T) {
	config := NewConfig()

	for _, path := range []string{"/absolute/path", "relative/path"} {
		if expanded := config.expandPath(path); expanded != path {
			t.Errorf("Expected path to remain unchanged, got '%s'", expanded)
		}
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func gatewayKey(t *testing.T) string {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return priv.PublicKey().String()
}

func TestLoad_File(t *testing.T) {
	key := gatewayKey(t)
	path := writeConfig(t, `
server:
  port: "9090"
  api_token: api-secret
database:
  path: /tmp/peerd-test.db
gateway_api:
  token: gw-secret
  timeout: 12s
wireguard:
  dns: ["9.9.9.9"]
reservations:
  ttl: 90s
gateways:
  - id: us-east
    name: US East
    endpoint_host: us-east.vpn.example.com
    endpoint_port: 51820
    public_key: `+key+`
    address_prefix: 10.0.0.0/24
    capacity: 200
    vip_restriction: " boss@example.com "
  - id: eu-west
    endpoint_host: eu-west.vpn.example.com
    endpoint_port: 51821
    public_key: `+key+`
    address_prefix: 10.1.0.0/24
    capacity: 253
    status: maintenance
    control_url: http://10.1.0.1:9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr())
	assert.Equal(t, "api-secret", cfg.Server.APIToken)
	assert.Equal(t, 12*time.Second, cfg.GatewayAPI.Timeout)
	assert.Equal(t, 90*time.Second, cfg.Reservations.TTL)
	assert.Equal(t, []string{"9.9.9.9"}, cfg.WireGuard.DNS)
	require.Len(t, cfg.Gateways, 2)

	gateways, err := cfg.DomainGateways()
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayOnline, gateways[0].Status)
	assert.Equal(t, "boss@example.com", gateways[0].VIPRestriction)
	assert.Equal(t, key, gateways[0].PublicKey.String())
	assert.Equal(t, domain.GatewayMaintenance, gateways[1].Status)
	assert.Equal(t, "http://10.1.0.1:9000", gateways[1].ControlBaseURL())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "gateway_api:\n  token: from-file\n")
	t.Setenv("PEERD_GATEWAY_API_TOKEN", "from-env")
	t.Setenv("PEERD_SERVER_PORT", "7000")
	t.Setenv("PEERD_RESERVATIONS_BACKEND", "redis")
	t.Setenv("PEERD_RESERVATIONS_REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.GatewayAPI.Token)
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Reservations.Backend)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	key := gatewayKey(t)
	valid := func() *Config {
		c := NewConfig()
		c.GatewayAPI.Token = "secret"
		c.Gateways = []GatewayConfig{{
			ID:            "gw-1",
			EndpointHost:  "vpn.example.com",
			EndpointPort:  51820,
			PublicKey:     key,
			AddressPrefix: "10.0.0.0/24",
			Capacity:      253,
		}}
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.GatewayAPI.Token = " " }, "gateway_api.token"},
		{"ttl below timeout", func(c *Config) { c.Reservations.TTL = 5 * time.Second }, "reservations.ttl"},
		{"unknown backend", func(c *Config) { c.Reservations.Backend = "etcd" }, "reservations.backend"},
		{"redis without addr", func(c *Config) { c.Reservations.Backend = "redis" }, "redis_addr"},
		{"bad dns", func(c *Config) { c.WireGuard.DNS = []string{"dns.example.com"} }, "wireguard.dns"},
		{"duplicate gateway", func(c *Config) { c.Gateways = append(c.Gateways, c.Gateways[0]) }, "duplicate"},
		{"colon in id", func(c *Config) { c.Gateways[0].ID = "a:b" }, "must not contain"},
		{"glob in id", func(c *Config) { c.Gateways[0].ID = "gw*" }, "glob characters"},
		{"bracket in id", func(c *Config) { c.Gateways[0].ID = "gw[1]" }, "glob characters"},
		{"wide prefix", func(c *Config) { c.Gateways[0].AddressPrefix = "10.0.0.0/16" }, "/24"},
		{"ipv6 prefix", func(c *Config) { c.Gateways[0].AddressPrefix = "fd00::/24" }, "/24"},
		{"capacity too large", func(c *Config) { c.Gateways[0].Capacity = 254 }, "capacity"},
		{"capacity zero", func(c *Config) { c.Gateways[0].Capacity = 0 }, "capacity"},
		{"bad key", func(c *Config) { c.Gateways[0].PublicKey = "short" }, "public_key"},
		{"bad port", func(c *Config) { c.Gateways[0].EndpointPort = 0 }, "endpoint_port"},
		{"bad status", func(c *Config) { c.Gateways[0].Status = "retired" }, "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_InitializeDatabase_Success(t *testing.T) {
	config := NewConfig()
	config.Database.Path = filepath.Join(t.TempDir(), "test.db")

	ds, err := config.InitializeDatabase()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer ds.Close()

	// Verify database works
	if err := ds.DB.Ping(); err != nil {
		t.Errorf("Database ping failed: %v", err)
	}

	// Verify foreign keys and WAL are enabled on pooled connections
	var fkEnabled bool
	if err := ds.DB.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if !fkEnabled {
		t.Error("Expected foreign keys to be enabled")
	}

	var journal string
	require.NoError(t, ds.DB.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", strings.ToLower(journal))

	var tableName string
	err = ds.DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("Expected schema_migrations table to exist: %v", err)
	}
}

func TestConfig_InitializeDatabase_DirectoryCreation(t *testing.T) {
	config := NewConfig()

	// Set path to a nested directory that doesn't exist
	config.Database.Path = filepath.Join(t.TempDir(), "nested", "path", "test.db")

	ds, err := config.InitializeDatabase()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer ds.Close()

	// Verify the nested directory was created
	dbDir := filepath.Dir(config.Database.Path)
	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		t.Errorf("Expected directory to be created: %s", dbDir)
	}
}

func TestConfig_InitializeDatabase_InvalidPath(t *testing.T) {
	config := NewConfig()

	// A regular file where a directory is expected cannot be created over
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	config.Database.Path = filepath.Join(blocker, "sub", "peerd.db")

	ds, err := config.InitializeDatabase()
	if err == nil {
		ds.Close()
		t.Fatal("Expected error for invalid path")
	}

	if !strings.Contains(err.Error(), "failed to create database directory") {
		t.Errorf("Expected directory creation error, got: %v", err)
	}
}

func TestConfig_InitializeDatabase_Memory(t *testing.T) {
	config := NewConfig()
	config.Database.Path = MemoryPath

	ds, err := config.InitializeDatabase()
	require.NoError(t, err)
	defer ds.Close()

	var count int
	require.NoError(t, ds.DB.QueryRow("SELECT COUNT(*) FROM gateways").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestBuildDSN(t *testing.T) {
	dsn := BuildDSN("/var/lib/peerd/peerd.db")
	assert.True(t, strings.HasPrefix(dsn, "file:/var/lib/peerd/peerd.db?"))
	assert.Contains(t, dsn, "_pragma=journal_mode%28WAL%29")
	assert.Contains(t, dsn, "_pragma=busy_timeout%285000%29")
}
