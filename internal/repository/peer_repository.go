package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
)

// PeerRepository is the durable registry of peer assignments
type PeerRepository interface {
	// FindActive returns the active assignment of a pair or ErrNotFound
	FindActive(ctx context.Context, userID int64, gatewayID string) (domain.PeerAssignment, error)
	// UpsertActive marks the pair active with the given key and address,
	// superseding any pending or active row of the same pair. Returns
	// ErrDuplicate if another user holds the address on the gateway.
	UpsertActive(ctx context.Context, userID int64, gatewayID, publicKey, address string) (domain.PeerAssignment, error)
	// MarkRevoked revokes the pair's live row; reports whether one existed
	MarkRevoked(ctx context.Context, userID int64, gatewayID string) (bool, error)
	ListActiveForUser(ctx context.Context, userID int64) ([]domain.PeerAssignment, error)
	// ActiveAddresses maps every active address on the gateway to its user
	ActiveAddresses(ctx context.Context, gatewayID string) (map[string]int64, error)
	CountActive(ctx context.Context, gatewayID string) (int, error)
	CountActiveByGateway(ctx context.Context) (map[string]int, error)
	// ListRevoked returns revoked rows whose gateway removal is unconfirmed
	ListRevoked(ctx context.Context, limit int) ([]domain.PeerAssignment, error)
	MarkRemoved(ctx context.Context, id int64) error
}

type peerRepositoryImpl struct {
	db    *sql.DB
	stmts *StatementCache
	now   func() time.Time
}

// NewPeerRepository creates a new peer registry backed by db
func NewPeerRepository(db *sql.DB) PeerRepository {
	return &peerRepositoryImpl{
		db:    db,
		stmts: NewStatementCache(db),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

const peerColumns = `id, user_id, gateway_id, public_key, assigned_address, status, provisioned_at, revoked_at, updated_at`

func scanPeer(row rowScanner) (domain.PeerAssignment, error) {
	var (
		p         domain.PeerAssignment
		status    string
		revokedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.UserID, &p.GatewayID, &p.PublicKey, &p.AssignedAddress,
		&status, &p.ProvisionedAt, &revokedAt, &p.UpdatedAt)
	if err != nil {
		return domain.PeerAssignment{}, err
	}
	p.Status = domain.PeerStatus(status)
	if revokedAt.Valid {
		t := revokedAt.Time
		p.RevokedAt = &t
	}
	return p, nil
}

func (r *peerRepositoryImpl) queryPeers(ctx context.Context, query string, args ...any) ([]domain.PeerAssignment, error) {
	stmt, err := r.stmts.Get(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare peer query: %w", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		r.stmts.Invalidate(query)
		return nil, fmt.Errorf("failed to query peer assignments: %w", err)
	}
	defer rows.Close()

	var peers []domain.PeerAssignment
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan peer assignment: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// FindActive finds the active assignment for a user on a gateway
func (r *peerRepositoryImpl) FindActive(ctx context.Context, userID int64, gatewayID string) (domain.PeerAssignment, error) {
	query := `SELECT ` + peerColumns + ` FROM peer_assignments
		WHERE user_id = ? AND gateway_id = ? AND status = 'active'`

	stmt, err := r.stmts.Get(ctx, query)
	if err != nil {
		return domain.PeerAssignment{}, fmt.Errorf("failed to prepare peer query: %w", err)
	}

	p, err := scanPeer(stmt.QueryRowContext(ctx, userID, gatewayID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PeerAssignment{}, ErrNotFound
		}
		r.stmts.Invalidate(query)
		return domain.PeerAssignment{}, fmt.Errorf("failed to find active peer: %w", err)
	}
	return p, nil
}

// UpsertActive writes the confirmed assignment for a pair
func (r *peerRepositoryImpl) UpsertActive(ctx context.Context, userID int64, gatewayID, publicKey, address string) (domain.PeerAssignment, error) {
	if userID <= 0 || gatewayID == "" || publicKey == "" || address == "" {
		return domain.PeerAssignment{}, fmt.Errorf("user, gateway, public key and address are required: %w", ErrInvalidEntity)
	}

	now := r.now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PeerAssignment{}, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM peer_assignments
		WHERE user_id = ? AND gateway_id = ? AND status IN ('pending', 'active')`, userID, gatewayID).Scan(&id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		var result sql.Result
		result, err = tx.ExecContext(ctx, `
			INSERT INTO peer_assignments (user_id, gateway_id, public_key, assigned_address, status, provisioned_at, updated_at)
			VALUES (?, ?, ?, ?, 'active', ?, ?)`,
			userID, gatewayID, publicKey, address, now, now)
		if err == nil {
			id, err = result.LastInsertId()
		}
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE peer_assignments
			SET public_key = ?, assigned_address = ?, status = 'active', provisioned_at = ?, revoked_at = NULL, updated_at = ?
			WHERE id = ?`,
			publicKey, address, now, now, id)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return domain.PeerAssignment{}, fmt.Errorf("address %s on gateway %s is already active: %w", address, gatewayID, ErrDuplicate)
		}
		return domain.PeerAssignment{}, fmt.Errorf("failed to upsert peer assignment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.PeerAssignment{}, fmt.Errorf("failed to commit peer assignment: %w", err)
	}

	return domain.PeerAssignment{
		ID:              id,
		UserID:          userID,
		GatewayID:       gatewayID,
		PublicKey:       publicKey,
		AssignedAddress: address,
		Status:          domain.PeerActive,
		ProvisionedAt:   now,
		UpdatedAt:       now,
	}, nil
}

// MarkRevoked revokes the live assignment of a pair, if any
func (r *peerRepositoryImpl) MarkRevoked(ctx context.Context, userID int64, gatewayID string) (bool, error) {
	now := r.now()
	result, err := r.db.ExecContext(ctx, `
		UPDATE peer_assignments
		SET status = 'revoked', revoked_at = ?, updated_at = ?
		WHERE user_id = ? AND gateway_id = ? AND status IN ('pending', 'active')`,
		now, now, userID, gatewayID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke peer assignment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListActiveForUser lists a user's active assignments ordered by gateway
func (r *peerRepositoryImpl) ListActiveForUser(ctx context.Context, userID int64) ([]domain.PeerAssignment, error) {
	query := `SELECT ` + peerColumns + ` FROM peer_assignments
		WHERE user_id = ? AND status = 'active'
		ORDER BY gateway_id`
	return r.queryPeers(ctx, query, userID)
}

// ActiveAddresses returns the active address → user map for a gateway
func (r *peerRepositoryImpl) ActiveAddresses(ctx context.Context, gatewayID string) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT assigned_address, user_id FROM peer_assignments
		WHERE gateway_id = ? AND status = 'active'`, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("failed to get active addresses: %w", err)
	}
	defer rows.Close()

	addresses := make(map[string]int64)
	for rows.Next() {
		var (
			address string
			userID  int64
		)
		if err := rows.Scan(&address, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan active address: %w", err)
		}
		addresses[address] = userID
	}
	return addresses, rows.Err()
}

// CountActive counts active assignments on a gateway
func (r *peerRepositoryImpl) CountActive(ctx context.Context, gatewayID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM peer_assignments
		WHERE gateway_id = ? AND status = 'active'`, gatewayID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active peers: %w", err)
	}
	return count, nil
}

// CountActiveByGateway returns the live connection count of every gateway with peers
func (r *peerRepositoryImpl) CountActiveByGateway(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT gateway_id, COUNT(*) FROM peer_assignments
		WHERE status = 'active' GROUP BY gateway_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count active peers: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			gatewayID string
			count     int
		)
		if err := rows.Scan(&gatewayID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan peer count: %w", err)
		}
		counts[gatewayID] = count
	}
	return counts, rows.Err()
}

// ListRevoked returns the oldest revoked rows first
func (r *peerRepositoryImpl) ListRevoked(ctx context.Context, limit int) ([]domain.PeerAssignment, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + peerColumns + ` FROM peer_assignments
		WHERE status = 'revoked'
		ORDER BY revoked_at ASC, id ASC
		LIMIT ?`
	return r.queryPeers(ctx, query, limit)
}

// MarkRemoved records that the gateway no longer carries the revoked peer
func (r *peerRepositoryImpl) MarkRemoved(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE peer_assignments SET status = 'removed', updated_at = ?
		WHERE id = ? AND status = 'revoked'`, r.now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark peer removed: %w", err)
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
