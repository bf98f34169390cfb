package migrations

import (
	"database/sql"
)

// GetPerformanceMigrations returns performance optimization migrations
func GetPerformanceMigrations() []Migration {
	return []Migration{
		{
			Version: 10,
			Name:    "add_performance_indices",
			Up: func(tx *sql.Tx) error {
				indices := []string{
					"CREATE INDEX IF NOT EXISTS idx_peer_assignments_user_status ON peer_assignments(user_id, status)",
					"CREATE INDEX IF NOT EXISTS idx_peer_assignments_gateway_status ON peer_assignments(gateway_id, status)",
					"CREATE INDEX IF NOT EXISTS idx_address_reservations_expires_at ON address_reservations(expires_at)",
					"CREATE INDEX IF NOT EXISTS idx_address_reservations_user ON address_reservations(gateway_id, user_id)",
				}

				for _, indexSQL := range indices {
					if _, err := tx.Exec(indexSQL); err != nil {
						return err
					}
				}

				return nil
			},
			Down: func(tx *sql.Tx) error {
				indices := []string{
					"DROP INDEX IF EXISTS idx_peer_assignments_user_status",
					"DROP INDEX IF EXISTS idx_peer_assignments_gateway_status",
					"DROP INDEX IF EXISTS idx_address_reservations_expires_at",
					"DROP INDEX IF EXISTS idx_address_reservations_user",
				}

				for _, dropSQL := range indices {
					if _, err := tx.Exec(dropSQL); err != nil {
						return err
					}
				}

				return nil
			},
		},
	}
}
