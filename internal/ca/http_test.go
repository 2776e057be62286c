package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

// fakeCAServer mimics the fabric-ca register/enroll surface, signing CSRs
// with its own throwaway root.
type fakeCAServer struct {
	rootKey    *ecdsa.PrivateKey
	rootCert   *x509.Certificate
	registered map[string]string
}

func newFakeCAServer(t *testing.T) *fakeCAServer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fake-ca-root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &fakeCAServer{rootKey: key, rootCert: cert, registered: map[string]string{}}
}

func (s *fakeCAServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/register", func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != "admin" || pass != "adminpw" {
			writeCAError(w, http.StatusUnauthorized, "invalid admin credentials")
			return
		}
		var body struct {
			ID     string `json:"id"`
			Secret string `json:"secret"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := s.registered[body.ID]; ok {
			writeCAError(w, http.StatusConflict, "identity already registered")
			return
		}
		s.registered[body.ID] = body.Secret
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]string{"secret": body.Secret},
		})
	})
	mux.HandleFunc("/api/v1/enroll", func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if secret, ok := s.registered[user]; !ok || secret != pass {
			writeCAError(w, http.StatusUnauthorized, "invalid enrollment credentials")
			return
		}
		var body struct {
			CSR string `json:"certificate_request"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		block, _ := pem.Decode([]byte(body.CSR))
		csr, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			writeCAError(w, http.StatusBadRequest, "bad csr")
			return
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(2),
			Subject:      csr.Subject,
			NotBefore:    time.Now().Add(-time.Minute),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, s.rootCert, csr.PublicKey, s.rootKey)
		if err != nil {
			writeCAError(w, http.StatusInternalServerError, "signing failed")
			return
		}
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string][]byte{"Cert": certPEM},
		})
	})
	return mux
}

func writeCAError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"errors":  []map[string]any{{"code": status, "message": msg}},
	})
}

func newHTTPClientFixture(t *testing.T) (*HTTPClient, *fakeCAServer) {
	t.Helper()
	fake := newFakeCAServer(t)
	srv := httptest.NewTLSServer(fake.handler())
	t.Cleanup(srv.Close)

	// Pin the test server's TLS certificate as the transport root.
	tlsPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	client, err := NewHTTPClient(SellersOrg, srv.URL, tlsPEM, "admin", "adminpw")
	require.NoError(t, err)
	return client, fake
}

func TestHTTPClientRegisterAndEnroll(t *testing.T) {
	client, _ := newHTTPClientFixture(t)
	ctx := context.Background()

	secret, err := client.Register(ctx, RegisterRequest{
		EnrollmentID: "user-1",
		Secret:       "enroll-secret",
		Role:         "SELLER",
		Attributes:   map[string]string{"companyId": "acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, "enroll-secret", secret)

	enr, err := client.Enroll(ctx, EnrollRequest{EnrollmentID: "user-1", Secret: secret})
	require.NoError(t, err)
	assert.Equal(t, "user-1", enr.Certificate.Subject.CommonName)
	assert.NotNil(t, enr.PrivateKey)
	// The CSR key and the issued certificate's key must match.
	pub, ok := enr.Certificate.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.True(t, pub.Equal(&enr.PrivateKey.PublicKey))
	assert.Contains(t, string(enr.CertPEM), "BEGIN CERTIFICATE")
	assert.Contains(t, string(enr.KeyPEM), "BEGIN EC PRIVATE KEY")
}

func TestHTTPClientErrors(t *testing.T) {
	client, _ := newHTTPClientFixture(t)
	ctx := context.Background()

	t.Run("duplicate registration conflicts", func(t *testing.T) {
		_, err := client.Register(ctx, RegisterRequest{EnrollmentID: "dup", Secret: "s", Role: "SELLER"})
		require.NoError(t, err)
		_, err = client.Register(ctx, RegisterRequest{EnrollmentID: "dup", Secret: "s", Role: "SELLER"})
		assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	})

	t.Run("wrong enrollment secret", func(t *testing.T) {
		_, err := client.Register(ctx, RegisterRequest{EnrollmentID: "user-2", Secret: "right", Role: "SELLER"})
		require.NoError(t, err)
		_, err = client.Enroll(ctx, EnrollRequest{EnrollmentID: "user-2", Secret: "wrong"})
		assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))
	})

	t.Run("foreign role rejected before the wire", func(t *testing.T) {
		_, err := client.Register(ctx, RegisterRequest{EnrollmentID: "user-3", Secret: "s", Role: "CUSTOMER"})
		assert.Equal(t, apperrors.KindNotAuthorized, apperrors.KindOf(err))
	})

	t.Run("bad admin credentials", func(t *testing.T) {
		fake := newFakeCAServer(t)
		srv := httptest.NewTLSServer(fake.handler())
		t.Cleanup(srv.Close)
		tlsPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
		bad, err := NewHTTPClient(SellersOrg, srv.URL, tlsPEM, "admin", "nope")
		require.NoError(t, err)
		_, err = bad.Register(ctx, RegisterRequest{EnrollmentID: "user-4", Secret: "s", Role: "SELLER"})
		assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))
	})
}
