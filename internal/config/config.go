package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/allocator"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/spf13/viper"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Config holds all configuration for the peerd service
type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`
		Port     string `mapstructure:"port"`
		APIToken string `mapstructure:"api_token"` // optional bearer token for the command API
	} `mapstructure:"server"`

	Database struct {
		Path string `mapstructure:"path"` // ":memory:" for a throwaway database
	} `mapstructure:"database"`

	Logging struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format string `mapstructure:"format"` // text|json
		File   string `mapstructure:"file"`   // log file prefix, empty for stdout only
	} `mapstructure:"logs"`

	GatewayAPI struct {
		Token   string        `mapstructure:"token"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"gateway_api"`

	WireGuard struct {
		DNS []string `mapstructure:"dns"`
	} `mapstructure:"wireguard"`

	Reservations struct {
		TTL           time.Duration `mapstructure:"ttl"`
		Backend       string        `mapstructure:"backend"` // sqlite|redis
		RedisAddr     string        `mapstructure:"redis_addr"`
		RedisPassword string        `mapstructure:"redis_password"`
		RedisDB       int           `mapstructure:"redis_db"`
	} `mapstructure:"reservations"`

	Maintenance struct {
		Interval       time.Duration `mapstructure:"interval"` // 0 disables the background sweep
		ReconcileLimit int           `mapstructure:"reconcile_limit"`
	} `mapstructure:"maintenance"`

	Gateways []GatewayConfig `mapstructure:"gateways"`
}

// GatewayConfig is one administered gateway.
type GatewayConfig struct {
	ID             string `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	EndpointHost   string `mapstructure:"endpoint_host"`
	EndpointPort   int    `mapstructure:"endpoint_port"`
	PublicKey      string `mapstructure:"public_key"`
	AddressPrefix  string `mapstructure:"address_prefix"`
	Capacity       int    `mapstructure:"capacity"`
	Status         string `mapstructure:"status"`
	VIPRestriction string `mapstructure:"vip_restriction"`
	ControlURL     string `mapstructure:"control_url"`
}

const (
	envPrefix   = "PEERD"
	maxCapacity = 253
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.api_token", "")

	v.SetDefault("database.path", "~/peerd/data/peerd.db")

	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.format", "text")
	v.SetDefault("logs.file", "")

	v.SetDefault("gateway_api.token", "")
	v.SetDefault("gateway_api.timeout", "10s")

	v.SetDefault("wireguard.dns", []string{"1.1.1.1", "1.0.0.1"})

	v.SetDefault("reservations.ttl", "60s")
	v.SetDefault("reservations.backend", "sqlite")
	v.SetDefault("reservations.redis_addr", "")
	v.SetDefault("reservations.redis_password", "")
	v.SetDefault("reservations.redis_db", 0)

	v.SetDefault("maintenance.interval", "1m")
	v.SetDefault("maintenance.reconcile_limit", 100)
}

// NewConfig returns the defaults without reading files or the environment
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads configuration from defaults, an optional YAML file and PEERD_*
// environment variables, then validates it. An explicit path must exist;
// otherwise CONFIG_FILE, ./peerd.yaml, $XDG_CONFIG_HOME/peerd and
// /etc/peerd are tried.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("peerd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "peerd"))
		}
		v.AddConfigPath("/etc/peerd")
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		return errors.New("server.port must not be empty")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path must not be empty")
	}
	if strings.TrimSpace(c.GatewayAPI.Token) == "" {
		return errors.New("gateway_api.token must be set")
	}
	if c.GatewayAPI.Timeout <= 0 {
		return errors.New("gateway_api.timeout must be positive")
	}
	if c.Reservations.TTL <= c.GatewayAPI.Timeout {
		return fmt.Errorf("reservations.ttl (%s) must exceed gateway_api.timeout (%s)",
			c.Reservations.TTL, c.GatewayAPI.Timeout)
	}

	switch c.Reservations.Backend {
	case "sqlite":
	case "redis":
		if strings.TrimSpace(c.Reservations.RedisAddr) == "" {
			return errors.New("reservations.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("reservations.backend %q is not sqlite or redis", c.Reservations.Backend)
	}

	if c.Maintenance.Interval < 0 {
		return errors.New("maintenance.interval must not be negative")
	}

	for _, d := range c.WireGuard.DNS {
		if _, err := netip.ParseAddr(strings.TrimSpace(d)); err != nil {
			return fmt.Errorf("wireguard.dns: %q is not an IP address", d)
		}
	}

	seen := make(map[string]bool, len(c.Gateways))
	for i, g := range c.Gateways {
		if err := g.validate(); err != nil {
			return fmt.Errorf("gateways[%d]: %w", i, err)
		}
		if seen[g.ID] {
			return fmt.Errorf("gateways[%d]: duplicate gateway id %q", i, g.ID)
		}
		seen[g.ID] = true
	}
	return nil
}

func (g GatewayConfig) validate() error {
	switch {
	case strings.TrimSpace(g.ID) == "":
		return errors.New("id must not be empty")
	case strings.ContainsAny(g.ID, ":/ *?[]\\"):
		return fmt.Errorf("id %q must not contain ':', '/', spaces or glob characters", g.ID)
	case strings.TrimSpace(g.EndpointHost) == "":
		return fmt.Errorf("gateway %s: endpoint_host must not be empty", g.ID)
	case g.EndpointPort < 1 || g.EndpointPort > 65535:
		return fmt.Errorf("gateway %s: endpoint_port %d out of range", g.ID, g.EndpointPort)
	case g.Capacity < 1 || g.Capacity > maxCapacity:
		return fmt.Errorf("gateway %s: capacity must be between 1 and %d", g.ID, maxCapacity)
	}
	if _, err := allocator.ParsePrefix(g.AddressPrefix); err != nil {
		return fmt.Errorf("gateway %s: %w", g.ID, err)
	}
	if _, err := wgtypes.ParseKey(g.PublicKey); err != nil {
		return fmt.Errorf("gateway %s: invalid public_key: %w", g.ID, err)
	}
	if g.Status != "" && !domain.GatewayStatus(g.Status).Valid() {
		return fmt.Errorf("gateway %s: unknown status %q", g.ID, g.Status)
	}
	return nil
}

// DomainGateways converts the configured gateways. Call after Validate.
func (c *Config) DomainGateways() ([]domain.Gateway, error) {
	gateways := make([]domain.Gateway, 0, len(c.Gateways))
	for _, g := range c.Gateways {
		key, err := wgtypes.ParseKey(g.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("gateway %s: invalid public_key: %w", g.ID, err)
		}
		status := domain.GatewayStatus(g.Status)
		if status == "" {
			status = domain.GatewayOnline
		}
		gateways = append(gateways, domain.Gateway{
			ID:             g.ID,
			Name:           g.Name,
			EndpointHost:   g.EndpointHost,
			EndpointPort:   g.EndpointPort,
			PublicKey:      key,
			AddressPrefix:  g.AddressPrefix,
			Capacity:       g.Capacity,
			Status:         status,
			VIPRestriction: strings.TrimSpace(g.VIPRestriction),
			ControlURL:     g.ControlURL,
		})
	}
	return gateways, nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return c.Server.Address + ":" + c.Server.Port
}

// expandPath expands ~ to home directory
func (c *Config) expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Return original path if we can't get home dir
		return path
	}

	return filepath.Join(homeDir, path[2:])
}
