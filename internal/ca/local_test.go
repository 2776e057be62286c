package ca

import (
	"context"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

func TestOrgRoleMapping(t *testing.T) {
	cases := []struct {
		role chaincode.Role
		org  string
	}{
		{chaincode.RoleCustomer, PlatformOrg},
		{chaincode.RoleAdmin, PlatformOrg},
		{chaincode.RoleSeller, SellersOrg},
		{chaincode.RoleDeliveryPerson, LogisticsOrg},
	}
	for _, tc := range cases {
		org, err := OrgForRole(tc.role)
		require.NoError(t, err)
		assert.Equal(t, tc.org, org)
		assert.True(t, OrgAllows(org, tc.role))
	}

	_, err := OrgForRole(chaincode.Role("AUDITOR"))
	assert.Error(t, err)
	assert.False(t, OrgAllows(SellersOrg, chaincode.RoleCustomer))
	assert.Equal(t, "SellersOrgMSP", MSPID(SellersOrg))
}

func TestLocalCARegisterAndEnroll(t *testing.T) {
	c, err := NewLocalCA(SellersOrg)
	require.NoError(t, err)

	secret, err := c.Register(context.Background(), RegisterRequest{
		EnrollmentID: "seller-1",
		Role:         chaincode.RoleSeller,
		Attributes:   map[string]string{"companyId": "acme", "companyName": "ACME GmbH"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, secret)

	enr, err := c.Enroll(context.Background(), EnrollRequest{
		EnrollmentID: "seller-1",
		Secret:       secret,
	})
	require.NoError(t, err)

	// The certificate chains to the org root and carries client auth.
	pool := x509.NewCertPool()
	pool.AddCert(c.CACert())
	_, err = enr.Certificate.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	require.NoError(t, err)

	// The embedded attribute extension drives chaincode identity.
	id, err := chaincode.IdentityFromCertificate(enr.Certificate, MSPID(SellersOrg))
	require.NoError(t, err)
	assert.Equal(t, "seller-1", id.UserID)
	assert.Equal(t, chaincode.RoleSeller, id.Role)
	assert.Equal(t, "acme", id.CompanyID)
	assert.Equal(t, "ACME GmbH", id.CompanyName)

	// The issued key signs; the certificate's public key matches it.
	assert.True(t, enr.PrivateKey.PublicKey.Equal(enr.Certificate.PublicKey))
	assert.NotEmpty(t, enr.CertPEM)
	assert.NotEmpty(t, enr.KeyPEM)
}

func TestLocalCARejectsWrongOrgRole(t *testing.T) {
	c, err := NewLocalCA(SellersOrg)
	require.NoError(t, err)

	_, err = c.Register(context.Background(), RegisterRequest{
		EnrollmentID: "driver-1",
		Role:         chaincode.RoleDeliveryPerson,
	})
	assert.Equal(t, apperrors.KindNotAuthorized, apperrors.KindOf(err))
}

func TestLocalCARejectsDuplicateRegistration(t *testing.T) {
	c, err := NewLocalCA(SellersOrg)
	require.NoError(t, err)

	_, err = c.Register(context.Background(), RegisterRequest{
		EnrollmentID: "seller-1",
		Role:         chaincode.RoleSeller,
	})
	require.NoError(t, err)
	_, err = c.Register(context.Background(), RegisterRequest{
		EnrollmentID: "seller-1",
		Role:         chaincode.RoleSeller,
	})
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
}

func TestLocalCARejectsWrongSecret(t *testing.T) {
	c, err := NewLocalCA(SellersOrg)
	require.NoError(t, err)

	_, err = c.Register(context.Background(), RegisterRequest{
		EnrollmentID: "seller-1",
		Role:         chaincode.RoleSeller,
	})
	require.NoError(t, err)

	_, err = c.Enroll(context.Background(), EnrollRequest{
		EnrollmentID: "seller-1",
		Secret:       "wrong",
	})
	assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))

	_, err = c.Enroll(context.Background(), EnrollRequest{
		EnrollmentID: "nobody",
		Secret:       "whatever",
	})
	assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
