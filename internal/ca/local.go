package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

const (
	caCertTTL     = 10 * 365 * 24 * time.Hour
	clientCertTTL = 365 * 24 * time.Hour
)

// LocalCA is an embedded per-organization certificate authority. It backs
// the embedded ledger binding and the test suite; deployments against a
// real membership service use HTTPClient instead.
type LocalCA struct {
	org     string
	rootKey *ecdsa.PrivateKey
	root    *x509.Certificate

	mu         sync.Mutex
	registered map[string]*registration
	serial     int64
}

type registration struct {
	secret string
	attrs  map[string]string
}

// NewLocalCA creates an organization CA with a fresh ECDSA P-256 root.
func NewLocalCA(org string) (*LocalCA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   org + " CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(caCertTTL),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-signing root: %w", err)
	}
	root, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing root: %w", err)
	}

	return &LocalCA{
		org:        org,
		rootKey:    key,
		root:       root,
		registered: make(map[string]*registration),
		serial:     1,
	}, nil
}

func (c *LocalCA) Org() string                { return c.org }
func (c *LocalCA) CACert() *x509.Certificate { return c.root }

// Register records the identity and its attributes. The role must be one
// the organization accepts.
func (c *LocalCA) Register(_ context.Context, req RegisterRequest) (string, error) {
	if req.EnrollmentID == "" {
		return "", apperrors.InvalidArgument("enrollment id is required")
	}
	if !OrgAllows(c.org, req.Role) {
		return "", apperrors.NotAuthorized("%s does not enroll role %q", c.org, req.Role)
	}
	secret := req.Secret
	if secret == "" {
		var err error
		secret, err = GenerateSecret()
		if err != nil {
			return "", apperrors.Internal(err, "generating enrollment secret")
		}
	}

	attrs := map[string]string{
		"userId": req.EnrollmentID,
		"role":   string(req.Role),
	}
	for k, v := range req.Attributes {
		if v != "" {
			attrs[k] = v
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.registered[req.EnrollmentID]; exists {
		return "", apperrors.Conflict("identity %q is already registered", req.EnrollmentID)
	}
	c.registered[req.EnrollmentID] = &registration{secret: secret, attrs: attrs}
	return secret, nil
}

// Enroll issues a client certificate carrying the registered attributes in
// the identity attribute extension.
func (c *LocalCA) Enroll(_ context.Context, req EnrollRequest) (*Enrollment, error) {
	c.mu.Lock()
	reg, ok := c.registered[req.EnrollmentID]
	if !ok || reg.secret != req.Secret {
		c.mu.Unlock()
		return nil, apperrors.Unauthenticated("unknown enrollment id or wrong secret")
	}
	c.serial++
	serial := c.serial
	c.mu.Unlock()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, apperrors.Internal(err, "generating client key")
	}
	attrValue, err := chaincode.MarshalAttrExtension(reg.attrs)
	if err != nil {
		return nil, apperrors.Internal(err, "encoding attribute extension")
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:   req.EnrollmentID,
			Organization: []string{c.org},
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(clientCertTTL),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		ExtraExtensions: []pkix.Extension{
			{Id: chaincode.AttrExtensionOID, Value: attrValue},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.root, &key.PublicKey, c.rootKey)
	if err != nil {
		return nil, apperrors.Internal(err, "signing client certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, apperrors.Internal(err, "parsing issued certificate")
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, apperrors.Internal(err, "encoding client key")
	}

	return &Enrollment{
		Certificate: cert,
		PrivateKey:  key,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Pool returns a cert pool holding every organization's root, for chain
// verification by the embedded ledger.
func Pool(cas ...Client) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range cas {
		pool.AddCert(c.CACert())
	}
	return pool
}

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateSecret returns a 16-character alphanumeric enrollment secret.
func GenerateSecret() (string, error) {
	out := make([]byte, 16)
	max := big.NewInt(int64(len(secretAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = secretAlphabet[n.Int64()]
	}
	return string(out), nil
}

var _ Client = (*LocalCA)(nil)
