package wallet

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

// Identity is a decrypted ledger identity ready for signing.
type Identity struct {
	UserID      string
	MSPID       string
	Organization string
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
}

const sealAlgorithm = "aes-256-gcm"

// kdfSalt is fixed so the same configured secret derives the same sealing
// key across restarts. Wallet records are only as secret as that input.
var kdfSalt = []byte("custodia-wallet-v1")

// scrypt cost parameters. Interactive-grade: derivation happens once at
// startup.
const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// DeriveKey stretches the configured wallet secret into the 32-byte
// sealing key.
func DeriveKey(secret string) ([]byte, error) {
	if len(secret) < 16 {
		return nil, apperrors.InvalidArgument("wallet encryption secret must be at least 16 bytes")
	}
	return scrypt.Key([]byte(secret), kdfSalt, scryptN, scryptR, scryptP, 32)
}

// Wallet wraps a Store with sealing and an in-process cache of decrypted
// identities. Get is read-heavy and safe for parallel callers; Put, Revoke
// and Remove take the write lock.
type Wallet struct {
	store Store
	key   []byte

	mu    sync.RWMutex
	cache map[string]*Identity

	// onEvict is called after a cache entry is dropped by Revoke or
	// Remove; the gateway hooks its connection cache here.
	onEvict func(userID string)
}

// New creates a wallet over the given store, deriving the sealing key from
// the configured secret.
func New(store Store, secret string) (*Wallet, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return &Wallet{
		store: store,
		key:   key,
		cache: make(map[string]*Identity),
	}, nil
}

// OnEvict registers a callback invoked with the user id whenever a cached
// identity is evicted. Must be called before the wallet is shared.
func (w *Wallet) OnEvict(fn func(userID string)) {
	w.onEvict = fn
}

// Put seals and persists an identity, replacing any previous record for
// the user. A put over a revoked record re-activates the user.
func (w *Wallet) Put(ctx context.Context, userID, mspID string, certPEM []byte, key *ecdsa.PrivateKey, org, enrollmentID string) error {
	if userID == "" {
		return apperrors.InvalidArgument("userId must not be empty")
	}
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return apperrors.Internal(err, "encoding private key for %s", userID)
	}
	sealed, err := w.seal(keyDER)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := &Record{
		UserID:              userID,
		MSPID:               mspID,
		Certificate:         certPEM,
		EncryptedPrivateKey: *sealed,
		Organization:        org,
		EnrollmentID:        enrollmentID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, err := w.store.Load(ctx, userID); err != nil {
		return apperrors.DependencyFailure(err, "loading wallet record for %s", userID)
	} else if prev != nil {
		rec.CreatedAt = prev.CreatedAt
	}
	if err := w.store.Save(ctx, rec); err != nil {
		return apperrors.DependencyFailure(err, "saving wallet record for %s", userID)
	}
	w.cache[userID] = &Identity{
		UserID:       userID,
		MSPID:        mspID,
		Organization: org,
		Certificate:  cert,
		PrivateKey:   key,
		CertPEM:      certPEM,
	}
	return nil
}

// Get returns the decrypted identity for userID, or nil if the user has no
// live (non-revoked) record. The decrypted identity is cached in-process.
func (w *Wallet) Get(ctx context.Context, userID string) (*Identity, error) {
	w.mu.RLock()
	if id, ok := w.cache[userID]; ok {
		w.mu.RUnlock()
		return id, nil
	}
	w.mu.RUnlock()

	rec, err := w.store.Load(ctx, userID)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "loading wallet record for %s", userID)
	}
	if rec == nil || rec.IsRevoked {
		return nil, nil
	}

	id, err := w.open(rec)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.cache[userID] = id
	w.mu.Unlock()
	return id, nil
}

// Exists reports whether the user has a live identity.
func (w *Wallet) Exists(ctx context.Context, userID string) (bool, error) {
	w.mu.RLock()
	if _, ok := w.cache[userID]; ok {
		w.mu.RUnlock()
		return true, nil
	}
	w.mu.RUnlock()

	rec, err := w.store.Load(ctx, userID)
	if err != nil {
		return false, apperrors.DependencyFailure(err, "loading wallet record for %s", userID)
	}
	return rec != nil && !rec.IsRevoked, nil
}

// Revoke soft-deletes the identity. The cache entry is evicted before the
// call returns so no signer can be built from a revoked record.
func (w *Wallet) Revoke(ctx context.Context, userID string) error {
	w.mu.Lock()
	delete(w.cache, userID)
	rec, err := w.store.Load(ctx, userID)
	if err != nil {
		w.mu.Unlock()
		return apperrors.DependencyFailure(err, "loading wallet record for %s", userID)
	}
	if rec == nil {
		w.mu.Unlock()
		return apperrors.NotFound("no wallet identity for %s", userID)
	}
	rec.IsRevoked = true
	rec.UpdatedAt = time.Now().UTC()
	err = w.store.Save(ctx, rec)
	w.mu.Unlock()

	if err != nil {
		return apperrors.DependencyFailure(err, "revoking wallet record for %s", userID)
	}
	if w.onEvict != nil {
		w.onEvict(userID)
	}
	return nil
}

// Remove hard-deletes the identity and its record.
func (w *Wallet) Remove(ctx context.Context, userID string) error {
	w.mu.Lock()
	delete(w.cache, userID)
	err := w.store.Delete(ctx, userID)
	w.mu.Unlock()

	if err != nil {
		return apperrors.DependencyFailure(err, "removing wallet record for %s", userID)
	}
	if w.onEvict != nil {
		w.onEvict(userID)
	}
	return nil
}

// ListByOrganization returns the user ids with a live identity in org.
func (w *Wallet) ListByOrganization(ctx context.Context, org string) ([]string, error) {
	recs, err := w.store.List(ctx)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "listing wallet records")
	}
	var out []string
	for _, rec := range recs {
		if rec.Organization == org && !rec.IsRevoked {
			out = append(out, rec.UserID)
		}
	}
	return out, nil
}

// Close clears the decrypted cache and zeroes the derived sealing key.
func (w *Wallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k := range w.cache {
		delete(w.cache, k)
	}
	for i := range w.key {
		w.key[i] = 0
	}
}

// seal encrypts plaintext under the wallet key with a fresh 12-byte IV,
// splitting the GCM tag out of the ciphertext for storage.
func (w *Wallet) seal(plaintext []byte) (*SealedKey, error) {
	block, err := aes.NewCipher(w.key)
	if err != nil {
		return nil, apperrors.Internal(err, "initializing cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Internal(err, "initializing GCM")
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, apperrors.Internal(err, "generating IV")
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagAt := len(sealed) - gcm.Overhead()
	return &SealedKey{
		Ciphertext: sealed[:tagAt],
		IV:         iv,
		AuthTag:    sealed[tagAt:],
		Algorithm:  sealAlgorithm,
	}, nil
}

// open decrypts a record into a ready identity. A tag mismatch (wrong
// wallet key or tampered record) surfaces as an authentication failure.
func (w *Wallet) open(rec *Record) (*Identity, error) {
	if rec.EncryptedPrivateKey.Algorithm != sealAlgorithm {
		return nil, apperrors.Internal(nil, "unsupported seal algorithm %q for %s", rec.EncryptedPrivateKey.Algorithm, rec.UserID)
	}
	block, err := aes.NewCipher(w.key)
	if err != nil {
		return nil, apperrors.Internal(err, "initializing cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Internal(err, "initializing GCM")
	}
	sealed := append(append([]byte{}, rec.EncryptedPrivateKey.Ciphertext...), rec.EncryptedPrivateKey.AuthTag...)
	keyDER, err := gcm.Open(nil, rec.EncryptedPrivateKey.IV, sealed, nil)
	if err != nil {
		return nil, apperrors.Unauthenticated("wallet record for %s failed to decrypt: %v", rec.UserID, err)
	}
	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return nil, apperrors.Internal(err, "parsing private key for %s", rec.UserID)
	}
	cert, err := parseCertPEM(rec.Certificate)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:       rec.UserID,
		MSPID:        rec.MSPID,
		Organization: rec.Organization,
		Certificate:  cert,
		PrivateKey:   key,
		CertPEM:      rec.Certificate,
	}, nil
}

func parseCertPEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, apperrors.InvalidArgument("certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apperrors.InvalidArgument("certificate does not parse: %v", err)
	}
	return cert, nil
}
