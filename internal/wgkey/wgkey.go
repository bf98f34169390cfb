// Package wgkey generates and persists the per-user WireGuard key pairs.
package wgkey

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Generator produces clamped curve25519 key pairs from a random source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a Generator reading from r, or crypto/rand when r is nil.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

// Clamp applies the curve25519 scalar clamping to k in place.
func Clamp(k *wgtypes.Key) {
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
}

// PublicKey derives the public key of priv.
func PublicKey(priv wgtypes.Key) (wgtypes.Key, error) {
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return wgtypes.Key{}, err
	}
	return wgtypes.NewKey(out)
}

// Generate returns a fresh key pair. A short read from the random source is
// a KeyGeneration error.
func (g *Generator) Generate() (wgtypes.Key, wgtypes.Key, error) {
	var priv wgtypes.Key
	if _, err := io.ReadFull(g.rand, priv[:]); err != nil {
		return wgtypes.Key{}, wgtypes.Key{}, domain.Wrap(domain.KindKeyGeneration, err, "random source failed")
	}
	Clamp(&priv)

	pub, err := PublicKey(priv)
	if err != nil {
		return wgtypes.Key{}, wgtypes.Key{}, domain.Wrap(domain.KindKeyGeneration, err, "derive public key")
	}
	return priv, pub, nil
}

// RFC 7748 section 6.1, Alice
var (
	selfTestPrivate = "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a"
	selfTestPublic  = "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a"
)

// SelfTest checks public key derivation against a known vector.
func SelfTest() error {
	priv, _ := hex.DecodeString(selfTestPrivate)
	want, _ := hex.DecodeString(selfTestPublic)

	key, err := wgtypes.NewKey(priv)
	if err != nil {
		return err
	}
	got, err := PublicKey(key)
	if err != nil {
		return fmt.Errorf("key self-test: %w", err)
	}
	if !bytes.Equal(got[:], want) {
		return fmt.Errorf("key self-test: derived %x, want %x", got[:], want)
	}
	return nil
}

// Store hands out each user's stable key pair, creating it on first use.
type Store struct {
	keys repository.KeyRepository
	gen  *Generator
	log  logrus.FieldLogger
}

// NewStore creates a key store over keys.
func NewStore(keys repository.KeyRepository, gen *Generator, log logrus.FieldLogger) *Store {
	if gen == nil {
		gen = NewGenerator(nil)
	}
	return &Store{keys: keys, gen: gen, log: log}
}

// Get returns the stored pair of userID or a NotFound error.
func (s *Store) Get(ctx context.Context, userID int64) (domain.UserKeyPair, error) {
	kp, err := s.keys.FindByUserID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.UserKeyPair{}, domain.Errorf(domain.KindNotFound, "user %d has no key pair", userID)
	}
	if err != nil {
		return domain.UserKeyPair{}, domain.Wrap(domain.KindInternal, err, "load key pair")
	}
	return kp, nil
}

// GetOrCreate returns the user's key pair, generating and storing one if
// none exists. Concurrent first calls converge on the pair stored first.
func (s *Store) GetOrCreate(ctx context.Context, userID int64) (domain.UserKeyPair, error) {
	if userID <= 0 {
		return domain.UserKeyPair{}, domain.Errorf(domain.KindInvalidArgument, "invalid user id %d", userID)
	}

	kp, err := s.keys.FindByUserID(ctx, userID)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.UserKeyPair{}, domain.Wrap(domain.KindInternal, err, "load key pair")
	}

	priv, pub, err := s.gen.Generate()
	if err != nil {
		return domain.UserKeyPair{}, err
	}

	kp, err = s.keys.InsertIfAbsent(ctx, domain.UserKeyPair{
		UserID:     userID,
		PrivateKey: priv,
		PublicKey:  pub,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return domain.UserKeyPair{}, domain.Wrap(domain.KindInternal, err, "store key pair")
	}

	s.log.WithFields(logrus.Fields{"user_id": userID, "public_key": kp.PublicKey.String()}).Info("key pair created")
	return kp, nil
}
