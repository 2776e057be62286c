package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

const testSecret = "correct-horse-battery-staple"

func testIdentityMaterial(t *testing.T, userID string) ([]byte, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: userID},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), key
}

func newTestWallet(t *testing.T) (*Wallet, *FileStore) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	w, err := New(store, testSecret)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w, store
}

func put(t *testing.T, w *Wallet, userID, org string) *ecdsa.PrivateKey {
	t.Helper()
	certPEM, key := testIdentityMaterial(t, userID)
	require.NoError(t, w.Put(context.Background(), userID, org+"MSP", certPEM, key, org, userID))
	return key
}

func TestWalletRoundTrip(t *testing.T) {
	w, store := newTestWallet(t)
	key := put(t, w, "user-1", "SellersOrg")

	id, err := w.Get(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "SellersOrgMSP", id.MSPID)
	assert.Equal(t, "SellersOrg", id.Organization)
	assert.True(t, key.Equal(id.PrivateKey))

	// The stored record never carries the plaintext key.
	rec, err := store.Load(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	assert.NotEqual(t, keyDER, rec.EncryptedPrivateKey.Ciphertext)
	assert.Equal(t, "aes-256-gcm", rec.EncryptedPrivateKey.Algorithm)
	assert.Len(t, rec.EncryptedPrivateKey.IV, 12)
	assert.Len(t, rec.EncryptedPrivateKey.AuthTag, 16)
}

func TestWalletGetUnknownUser(t *testing.T) {
	w, _ := newTestWallet(t)
	id, err := w.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestWalletRevoke(t *testing.T) {
	w, _ := newTestWallet(t)
	put(t, w, "user-1", "SellersOrg")

	var evicted []string
	w.OnEvict(func(userID string) { evicted = append(evicted, userID) })

	require.NoError(t, w.Revoke(context.Background(), "user-1"))
	assert.Equal(t, []string{"user-1"}, evicted)

	// Revoked identities cannot be loaded or seen.
	id, err := w.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, id)
	ok, err := w.Exists(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("revoking a missing user is not found", func(t *testing.T) {
		err := w.Revoke(context.Background(), "nobody")
		assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	})

	t.Run("a new put re-activates the user", func(t *testing.T) {
		put(t, w, "user-1", "SellersOrg")
		ok, err := w.Exists(context.Background(), "user-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestWalletRemove(t *testing.T) {
	w, store := newTestWallet(t)
	put(t, w, "user-1", "SellersOrg")

	require.NoError(t, w.Remove(context.Background(), "user-1"))
	rec, err := store.Load(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWalletSurvivesRestartWithSameSecret(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	w1, err := New(store, testSecret)
	require.NoError(t, err)
	certPEM, key := testIdentityMaterial(t, "user-1")
	require.NoError(t, w1.Put(context.Background(), "user-1", "SellersOrgMSP", certPEM, key, "SellersOrg", "user-1"))
	w1.Close()

	// Same secret, fresh process: the identity decrypts.
	store2, err := NewFileStore(dir)
	require.NoError(t, err)
	w2, err := New(store2, testSecret)
	require.NoError(t, err)
	defer w2.Close()

	id, err := w2.Get(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.True(t, key.Equal(id.PrivateKey))
}

func TestWalletRejectsWrongSecret(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	w1, err := New(store, testSecret)
	require.NoError(t, err)
	certPEM, key := testIdentityMaterial(t, "user-1")
	require.NoError(t, w1.Put(context.Background(), "user-1", "SellersOrgMSP", certPEM, key, "SellersOrg", "user-1"))
	w1.Close()

	store2, err := NewFileStore(dir)
	require.NoError(t, err)
	w2, err := New(store2, "a-different-wallet-secret")
	require.NoError(t, err)
	defer w2.Close()

	_, err = w2.Get(context.Background(), "user-1")
	assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))
}

func TestDeriveKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a, err := DeriveKey(testSecret)
		require.NoError(t, err)
		b, err := DeriveKey(testSecret)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, 32)
	})

	t.Run("rejects short secrets", func(t *testing.T) {
		_, err := DeriveKey("too-short")
		assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
	})
}

func TestSealUsesFreshIVs(t *testing.T) {
	w, _ := newTestWallet(t)
	a, err := w.seal([]byte("payload"))
	require.NoError(t, err)
	b, err := w.seal([]byte("payload"))
	require.NoError(t, err)
	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestListByOrganization(t *testing.T) {
	w, _ := newTestWallet(t)
	put(t, w, "seller-1", "SellersOrg")
	put(t, w, "seller-2", "SellersOrg")
	put(t, w, "driver-1", "LogisticsOrg")
	require.NoError(t, w.Revoke(context.Background(), "seller-2"))

	ids, err := w.ListByOrganization(context.Background(), "SellersOrg")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"seller-1"}, ids)
}
