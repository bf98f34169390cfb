package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// GatewayRepository defines domain-specific operations for gateways
type GatewayRepository interface {
	Repository[domain.Gateway, string]
	SetStatus(ctx context.Context, id string, status domain.GatewayStatus) error
	// Sync makes the table match the administered gateway list. Static
	// fields are overwritten, the runtime status of known gateways is kept,
	// and gateways missing from the list are marked offline.
	Sync(ctx context.Context, gateways []domain.Gateway) error
}

type gatewayRepositoryImpl struct {
	db *sql.DB
}

// NewGatewayRepository creates a new gateway repository
func NewGatewayRepository(db *sql.DB) GatewayRepository {
	return &gatewayRepositoryImpl{db: db}
}

const gatewayColumns = `id, name, endpoint_host, endpoint_port, public_key, address_prefix, capacity, status, vip_restriction, control_url`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGateway(row rowScanner) (domain.Gateway, error) {
	var (
		g         domain.Gateway
		publicKey string
		status    string
	)
	err := row.Scan(&g.ID, &g.Name, &g.EndpointHost, &g.EndpointPort, &publicKey,
		&g.AddressPrefix, &g.Capacity, &status, &g.VIPRestriction, &g.ControlURL)
	if err != nil {
		return domain.Gateway{}, err
	}
	g.Status = domain.GatewayStatus(status)
	if g.PublicKey, err = wgtypes.ParseKey(publicKey); err != nil {
		return domain.Gateway{}, fmt.Errorf("gateway %s has an invalid public key: %w", g.ID, err)
	}
	return g, nil
}

// Save creates or updates a gateway
func (r *gatewayRepositoryImpl) Save(ctx context.Context, g domain.Gateway) (domain.Gateway, error) {
	if err := validateGateway(g); err != nil {
		return domain.Gateway{}, err
	}

	query := `
		INSERT INTO gateways (` + gatewayColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			endpoint_host = excluded.endpoint_host,
			endpoint_port = excluded.endpoint_port,
			public_key = excluded.public_key,
			address_prefix = excluded.address_prefix,
			capacity = excluded.capacity,
			status = excluded.status,
			vip_restriction = excluded.vip_restriction,
			control_url = excluded.control_url,
			updated_at = CURRENT_TIMESTAMP`

	_, err := r.db.ExecContext(ctx, query, g.ID, g.Name, g.EndpointHost, g.EndpointPort, g.PublicKey.String(),
		g.AddressPrefix, g.Capacity, string(g.Status), g.VIPRestriction, g.ControlURL)
	if err != nil {
		return domain.Gateway{}, fmt.Errorf("failed to save gateway: %w", err)
	}
	return g, nil
}

// FindByID finds a gateway by ID
func (r *gatewayRepositoryImpl) FindByID(ctx context.Context, id string) (domain.Gateway, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateways WHERE id = ?`

	g, err := scanGateway(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Gateway{}, ErrNotFound
		}
		return domain.Gateway{}, fmt.Errorf("failed to find gateway: %w", err)
	}
	return g, nil
}

// FindAll finds all gateways ordered by ID
func (r *gatewayRepositoryImpl) FindAll(ctx context.Context) ([]domain.Gateway, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateways ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find gateways: %w", err)
	}
	defer rows.Close()

	var gateways []domain.Gateway
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gateway: %w", err)
		}
		gateways = append(gateways, g)
	}
	return gateways, rows.Err()
}

// DeleteByID deletes a gateway and, through the foreign keys, its history
func (r *gatewayRepositoryImpl) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM gateways WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete gateway: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExistsByID checks if a gateway exists by ID
func (r *gatewayRepositoryImpl) ExistsByID(ctx context.Context, id string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gateways WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check gateway existence: %w", err)
	}
	return count > 0, nil
}

// SetStatus updates the administered status of a gateway
func (r *gatewayRepositoryImpl) SetStatus(ctx context.Context, id string, status domain.GatewayStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown gateway status %q: %w", status, ErrInvalidEntity)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE gateways SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update gateway status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Sync upserts the administered gateways in a single transaction
func (r *gatewayRepositoryImpl) Sync(ctx context.Context, gateways []domain.Gateway) error {
	for _, g := range gateways {
		if err := validateGateway(g); err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin gateway sync: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO gateways (` + gatewayColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			endpoint_host = excluded.endpoint_host,
			endpoint_port = excluded.endpoint_port,
			public_key = excluded.public_key,
			address_prefix = excluded.address_prefix,
			capacity = excluded.capacity,
			vip_restriction = excluded.vip_restriction,
			control_url = excluded.control_url,
			updated_at = CURRENT_TIMESTAMP`

	known := make([]any, 0, len(gateways))
	for _, g := range gateways {
		_, err := tx.ExecContext(ctx, upsert, g.ID, g.Name, g.EndpointHost, g.EndpointPort, g.PublicKey.String(),
			g.AddressPrefix, g.Capacity, string(g.Status), g.VIPRestriction, g.ControlURL)
		if err != nil {
			return fmt.Errorf("failed to sync gateway %s: %w", g.ID, err)
		}
		known = append(known, g.ID)
	}

	retire := `UPDATE gateways SET status = 'offline', updated_at = CURRENT_TIMESTAMP`
	if len(known) > 0 {
		retire += ` WHERE id NOT IN (?` + strings.Repeat(",?", len(known)-1) + `)`
	}
	if _, err := tx.ExecContext(ctx, retire, known...); err != nil {
		return fmt.Errorf("failed to retire unknown gateways: %w", err)
	}

	return tx.Commit()
}

func validateGateway(g domain.Gateway) error {
	switch {
	case g.ID == "":
		return fmt.Errorf("gateway ID is required: %w", ErrInvalidEntity)
	case g.EndpointHost == "":
		return fmt.Errorf("gateway %s: endpoint host is required: %w", g.ID, ErrInvalidEntity)
	case g.EndpointPort <= 0 || g.EndpointPort > 65535:
		return fmt.Errorf("gateway %s: invalid endpoint port %d: %w", g.ID, g.EndpointPort, ErrInvalidEntity)
	case g.AddressPrefix == "":
		return fmt.Errorf("gateway %s: address prefix is required: %w", g.ID, ErrInvalidEntity)
	case g.Capacity <= 0:
		return fmt.Errorf("gateway %s: capacity must be positive: %w", g.ID, ErrInvalidEntity)
	case !g.Status.Valid():
		return fmt.Errorf("gateway %s: unknown status %q: %w", g.ID, g.Status, ErrInvalidEntity)
	}
	return nil
}
