package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyRepository persists one WireGuard key pair per user
type KeyRepository interface {
	FindByUserID(ctx context.Context, userID int64) (domain.UserKeyPair, error)
	// InsertIfAbsent stores kp unless the user already has a pair, and
	// returns whichever pair is stored afterwards.
	InsertIfAbsent(ctx context.Context, kp domain.UserKeyPair) (domain.UserKeyPair, error)
}

type keyRepositoryImpl struct {
	db *sql.DB
}

// NewKeyRepository creates a new key repository
func NewKeyRepository(db *sql.DB) KeyRepository {
	return &keyRepositoryImpl{db: db}
}

// FindByUserID returns the stored key pair or ErrNotFound
func (r *keyRepositoryImpl) FindByUserID(ctx context.Context, userID int64) (domain.UserKeyPair, error) {
	query := `SELECT user_id, private_key, public_key, created_at FROM user_keys WHERE user_id = ?`

	var (
		kp         domain.UserKeyPair
		privateKey string
		publicKey  string
	)
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&kp.UserID, &privateKey, &publicKey, &kp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UserKeyPair{}, ErrNotFound
		}
		return domain.UserKeyPair{}, fmt.Errorf("failed to find key pair: %w", err)
	}

	if kp.PrivateKey, err = wgtypes.ParseKey(privateKey); err != nil {
		return domain.UserKeyPair{}, fmt.Errorf("stored private key for user %d is corrupt: %w", userID, err)
	}
	if kp.PublicKey, err = wgtypes.ParseKey(publicKey); err != nil {
		return domain.UserKeyPair{}, fmt.Errorf("stored public key for user %d is corrupt: %w", userID, err)
	}
	return kp, nil
}

// InsertIfAbsent creates the key pair row; an existing row always wins
func (r *keyRepositoryImpl) InsertIfAbsent(ctx context.Context, kp domain.UserKeyPair) (domain.UserKeyPair, error) {
	if kp.UserID <= 0 {
		return domain.UserKeyPair{}, fmt.Errorf("user ID must be positive: %w", ErrInvalidEntity)
	}
	if kp.CreatedAt.IsZero() {
		kp.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO user_keys (user_id, private_key, public_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, kp.UserID, kp.PrivateKey.String(), kp.PublicKey.String(), kp.CreatedAt); err != nil {
		return domain.UserKeyPair{}, fmt.Errorf("failed to store key pair: %w", err)
	}

	return r.FindByUserID(ctx, kp.UserID)
}
