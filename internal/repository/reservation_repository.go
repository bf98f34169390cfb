package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
)

// ReservationRepository stores short-lived address holds in SQLite. Expiry
// is kept as unix milliseconds so comparisons are numeric.
type ReservationRepository interface {
	// Insert stores r, taking over an expired hold on the same address.
	// Returns ErrDuplicate when a live hold already exists.
	Insert(ctx context.Context, r domain.AddressReservation, now time.Time) error
	ListLive(ctx context.Context, gatewayID string, now time.Time) ([]domain.AddressReservation, error)
	// Exists reports whether exactly this hold is still stored and live
	Exists(ctx context.Context, r domain.AddressReservation, now time.Time) (bool, error)
	// Delete removes the hold only if its ID still matches
	Delete(ctx context.Context, r domain.AddressReservation) (bool, error)
	DeleteForUser(ctx context.Context, gatewayID string, userID int64) (int, error)
	// DeleteExpired sweeps expired holds; an empty gatewayID sweeps all gateways
	DeleteExpired(ctx context.Context, gatewayID string, now time.Time) (int, error)
}

type reservationRepositoryImpl struct {
	db *sql.DB
}

// NewReservationRepository creates a new reservation repository
func NewReservationRepository(db *sql.DB) ReservationRepository {
	return &reservationRepositoryImpl{db: db}
}

func (r *reservationRepositoryImpl) Insert(ctx context.Context, res domain.AddressReservation, now time.Time) error {
	if res.ID == "" || res.GatewayID == "" || res.Address == "" || res.UserID <= 0 {
		return fmt.Errorf("reservation id, gateway, address and user are required: %w", ErrInvalidEntity)
	}

	query := `
		INSERT INTO address_reservations (id, gateway_id, address, user_id, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(gateway_id, address) DO UPDATE SET
			id = excluded.id,
			user_id = excluded.user_id,
			expires_at = excluded.expires_at,
			created_at = CURRENT_TIMESTAMP
		WHERE address_reservations.expires_at <= ?`

	result, err := r.db.ExecContext(ctx, query, res.ID, res.GatewayID, res.Address, res.UserID,
		res.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r *reservationRepositoryImpl) ListLive(ctx context.Context, gatewayID string, now time.Time) ([]domain.AddressReservation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, gateway_id, address, user_id, expires_at FROM address_reservations
		WHERE gateway_id = ? AND expires_at > ?
		ORDER BY address`, gatewayID, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var reservations []domain.AddressReservation
	for rows.Next() {
		var (
			res       domain.AddressReservation
			expiresAt int64
		)
		if err := rows.Scan(&res.ID, &res.GatewayID, &res.Address, &res.UserID, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		res.ExpiresAt = time.UnixMilli(expiresAt).UTC()
		reservations = append(reservations, res)
	}
	return reservations, rows.Err()
}

func (r *reservationRepositoryImpl) Exists(ctx context.Context, res domain.AddressReservation, now time.Time) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM address_reservations
		WHERE id = ? AND gateway_id = ? AND address = ? AND expires_at > ?`,
		res.ID, res.GatewayID, res.Address, now.UnixMilli()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check reservation: %w", err)
	}
	return count > 0, nil
}

func (r *reservationRepositoryImpl) Delete(ctx context.Context, res domain.AddressReservation) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM address_reservations WHERE id = ? AND gateway_id = ? AND address = ?`,
		res.ID, res.GatewayID, res.Address)
	if err != nil {
		return false, fmt.Errorf("failed to delete reservation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

func (r *reservationRepositoryImpl) DeleteForUser(ctx context.Context, gatewayID string, userID int64) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM address_reservations WHERE gateway_id = ? AND user_id = ?`, gatewayID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user reservations: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

func (r *reservationRepositoryImpl) DeleteExpired(ctx context.Context, gatewayID string, now time.Time) (int, error) {
	query := `DELETE FROM address_reservations WHERE expires_at <= ?`
	args := []any{now.UnixMilli()}
	if gatewayID != "" {
		query += ` AND gateway_id = ?`
		args = append(args, gatewayID)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep reservations: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}
