// Package ca provides certificate authority operations for the three
// channel organizations. Client certificates carry the registered identity
// attributes (userId, role, company fields) in an X.509 extension; the
// delivery contract derives the caller identity from that extension alone.
package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

// Organization names and MSP ids.
const (
	PlatformOrg  = "PlatformOrg"
	SellersOrg   = "SellersOrg"
	LogisticsOrg = "LogisticsOrg"
)

// MSPID returns the MSP id of an organization.
func MSPID(org string) string {
	return org + "MSP"
}

// OrgForRole maps a role to the organization that enrolls it.
func OrgForRole(role chaincode.Role) (string, error) {
	switch role {
	case chaincode.RoleCustomer, chaincode.RoleAdmin:
		return PlatformOrg, nil
	case chaincode.RoleSeller:
		return SellersOrg, nil
	case chaincode.RoleDeliveryPerson:
		return LogisticsOrg, nil
	default:
		return "", apperrors.InvalidArgument("no organization enrolls role %q", role)
	}
}

// OrgAllowedRoles lists the roles each organization accepts. Enrolment of
// any other role through that organization is rejected before registration.
var OrgAllowedRoles = map[string][]chaincode.Role{
	PlatformOrg:  {chaincode.RoleCustomer, chaincode.RoleAdmin},
	SellersOrg:   {chaincode.RoleSeller},
	LogisticsOrg: {chaincode.RoleDeliveryPerson},
}

// OrgAllows reports whether the organization accepts the role.
func OrgAllows(org string, role chaincode.Role) bool {
	for _, r := range OrgAllowedRoles[org] {
		if r == role {
			return true
		}
	}
	return false
}

// RegisterRequest registers a new identity with an organization's CA. The
// attributes are embedded into every certificate later enrolled for it.
type RegisterRequest struct {
	EnrollmentID string
	Secret       string
	Role         chaincode.Role
	Attributes   map[string]string
}

// EnrollRequest exchanges a registered identity's secret for a signed
// certificate and key pair.
type EnrollRequest struct {
	EnrollmentID string
	Secret       string
}

// Enrollment is the result of a successful enrolment.
type Enrollment struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

// Client is one organization's certificate authority.
type Client interface {
	// Register records a new identity; returns the enrollment secret
	// (the request's secret, or a CA-generated one when empty).
	Register(ctx context.Context, req RegisterRequest) (string, error)
	// Enroll issues a certificate for a registered identity.
	Enroll(ctx context.Context, req EnrollRequest) (*Enrollment, error)
	// CACert returns the organization's root certificate.
	CACert() *x509.Certificate
	// Org returns the organization this CA serves.
	Org() string
}
