package chaincode

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/json"

	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

// AttrExtensionOID is the X.509 extension under which the CA embeds
// registered identity attributes, Fabric-style: a JSON document of the form
// {"attrs":{"userId":"...","role":"..."}}.
var AttrExtensionOID = asn1.ObjectIdentifier{1, 2, 3, 4, 5, 6, 7, 8, 1}

// Identity is the caller identity asserted by the endorsing certificate.
// Requests never pass userId/role as plain arguments; both come from here.
type Identity struct {
	UserID      string
	Role        Role
	MSPID       string
	CompanyID   string
	CompanyName string
}

type attrDocument struct {
	Attrs map[string]string `json:"attrs"`
}

// IdentityFromCertificate extracts the caller identity from a client
// certificate's attribute extension. Missing userId or role attributes fail
// with NOT_AUTHORIZED.
func IdentityFromCertificate(cert *x509.Certificate, mspID string) (*Identity, error) {
	var doc attrDocument
	found := false
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(AttrExtensionOID) {
			if err := json.Unmarshal(ext.Value, &doc); err != nil {
				return nil, apperrors.NotAuthorized("malformed attribute extension: %v", err)
			}
			found = true
			break
		}
	}
	if !found {
		return nil, apperrors.NotAuthorized("certificate carries no attribute extension")
	}

	userID := doc.Attrs["userId"]
	if userID == "" {
		return nil, apperrors.NotAuthorized("certificate carries no userId attribute")
	}
	role, ok := ParseRole(doc.Attrs["role"])
	if !ok {
		return nil, apperrors.NotAuthorized("certificate carries no valid role attribute")
	}

	return &Identity{
		UserID:      userID,
		Role:        role,
		MSPID:       mspID,
		CompanyID:   doc.Attrs["companyId"],
		CompanyName: doc.Attrs["companyName"],
	}, nil
}

// MarshalAttrExtension builds the extension value the CA embeds at
// issuance time.
func MarshalAttrExtension(attrs map[string]string) ([]byte, error) {
	return json.Marshal(attrDocument{Attrs: attrs})
}
