package migrations

import (
	"database/sql"
)

// GetInitialMigrations returns all initial migrations
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_initial_tables",
			Up: func(tx *sql.Tx) error {
				statements := []string{
					`CREATE TABLE IF NOT EXISTS user_keys (
						user_id INTEGER PRIMARY KEY,
						private_key TEXT NOT NULL,
						public_key TEXT NOT NULL UNIQUE,
						created_at DATETIME NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS gateways (
						id TEXT PRIMARY KEY,
						name TEXT NOT NULL DEFAULT '',
						endpoint_host TEXT NOT NULL,
						endpoint_port INTEGER NOT NULL,
						public_key TEXT NOT NULL,
						address_prefix TEXT NOT NULL,
						capacity INTEGER NOT NULL,
						status TEXT NOT NULL DEFAULT 'online'
							CHECK (status IN ('online', 'offline', 'maintenance')),
						vip_restriction TEXT NOT NULL DEFAULT '',
						control_url TEXT NOT NULL DEFAULT '',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE IF NOT EXISTS peer_assignments (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						user_id INTEGER NOT NULL,
						gateway_id TEXT NOT NULL,
						public_key TEXT NOT NULL,
						assigned_address TEXT NOT NULL,
						status TEXT NOT NULL
							CHECK (status IN ('pending', 'active', 'revoked', 'removed')),
						provisioned_at DATETIME NOT NULL,
						revoked_at DATETIME,
						updated_at DATETIME NOT NULL,
						FOREIGN KEY (gateway_id) REFERENCES gateways(id) ON DELETE CASCADE
					)`,
					// One live row per pair, one live holder per address.
					`CREATE UNIQUE INDEX IF NOT EXISTS uq_peer_assignments_active_pair
						ON peer_assignments(user_id, gateway_id) WHERE status IN ('pending', 'active')`,
					`CREATE UNIQUE INDEX IF NOT EXISTS uq_peer_assignments_active_address
						ON peer_assignments(gateway_id, assigned_address) WHERE status = 'active'`,
					`CREATE TABLE IF NOT EXISTS address_reservations (
						id TEXT PRIMARY KEY,
						gateway_id TEXT NOT NULL,
						address TEXT NOT NULL,
						user_id INTEGER NOT NULL,
						expires_at INTEGER NOT NULL, -- unix milliseconds
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						UNIQUE (gateway_id, address),
						FOREIGN KEY (gateway_id) REFERENCES gateways(id) ON DELETE CASCADE
					)`,
				}
				for _, stmt := range statements {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
			Down: func(tx *sql.Tx) error {
				// Drop tables in reverse order due to foreign key constraints
				for _, table := range []string{"address_reservations", "peer_assignments", "gateways", "user_keys"} {
					if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
