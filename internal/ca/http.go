package ca

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

// HTTPClient talks to a fabric-ca style REST endpoint for one organization.
// The key pair never leaves the process: enrolment sends a CSR and receives
// the signed certificate.
type HTTPClient struct {
	org         string
	baseURL     string
	adminID     string
	adminSecret string
	httpClient  *http.Client
	root        *x509.Certificate
}

// NewHTTPClient creates the REST binding. caCertPEM pins both the TLS
// connection and the organization's root of trust.
func NewHTTPClient(org, baseURL string, caCertPEM []byte, adminID, adminSecret string) (*HTTPClient, error) {
	block, _ := pem.Decode(caCertPEM)
	if block == nil {
		return nil, fmt.Errorf("ca %s: no PEM certificate in configured root", org)
	}
	root, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca %s: parsing root certificate: %w", org, err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(root)

	return &HTTPClient{
		org:         org,
		baseURL:     baseURL,
		adminID:     adminID,
		adminSecret: adminSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: roots},
			},
		},
		root: root,
	}, nil
}

// Org returns the organization this CA serves.
func (c *HTTPClient) Org() string { return c.org }

// CACert returns the pinned organization root certificate.
func (c *HTTPClient) CACert() *x509.Certificate { return c.root }

// caEnvelope is the fabric-ca response shape.
type caEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

type registerBody struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Secret     string         `json:"secret,omitempty"`
	Attributes []registerAttr `json:"attrs,omitempty"`
}

type registerAttr struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	ECert bool   `json:"ecert"`
}

// Register records the identity with the CA under the admin credentials.
func (c *HTTPClient) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if req.EnrollmentID == "" {
		return "", apperrors.InvalidArgument("enrollment id is required")
	}
	if !OrgAllows(c.org, req.Role) {
		return "", apperrors.NotAuthorized("organization %s does not enroll role %s", c.org, req.Role)
	}

	attrs := []registerAttr{
		{Name: "role", Value: string(req.Role), ECert: true},
		{Name: "userId", Value: req.EnrollmentID, ECert: true},
	}
	for name, value := range req.Attributes {
		attrs = append(attrs, registerAttr{Name: name, Value: value, ECert: true})
	}

	var result struct {
		Secret string `json:"secret"`
	}
	err := c.doRequest(ctx, "/api/v1/register", c.adminID, c.adminSecret, registerBody{
		ID:         req.EnrollmentID,
		Type:       "client",
		Secret:     req.Secret,
		Attributes: attrs,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.Secret == "" {
		result.Secret = req.Secret
	}
	return result.Secret, nil
}

// Enroll generates a key pair, sends the CSR under the identity's own
// credentials, and returns the issued certificate.
func (c *HTTPClient) Enroll(ctx context.Context, req EnrollRequest) (*Enrollment, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, apperrors.Internal(err, "generating enrollment key")
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: req.EnrollmentID, Organization: []string{c.org}},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, key)
	if err != nil {
		return nil, apperrors.Internal(err, "creating certificate request")
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	var result struct {
		Cert []byte `json:"Cert"`
	}
	err = c.doRequest(ctx, "/api/v1/enroll", req.EnrollmentID, req.Secret, map[string]string{
		"certificate_request": string(csrPEM),
	}, &result)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(result.Cert)
	if block == nil {
		return nil, apperrors.DependencyFailure(nil, "ca returned no certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "parsing issued certificate")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, apperrors.Internal(err, "encoding enrollment key")
	}
	return &Enrollment{
		Certificate: cert,
		PrivateKey:  key,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: block.Bytes}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func (c *HTTPClient) doRequest(ctx context.Context, path, user, pass string, body, result any) error {
	reqURL, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return apperrors.InvalidArgument("building ca url: %v", err)
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return apperrors.Internal(err, "encoding ca request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return apperrors.Internal(err, "creating ca request")
	}
	httpReq.SetBasicAuth(user, pass)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.DependencyFailure(err, "calling %s ca", c.org)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.DependencyFailure(err, "reading ca response")
	}

	var env caEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return apperrors.DependencyFailure(err, "parsing ca response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode >= 400 || !env.Success {
		msg := fmt.Sprintf("ca returned status %d", resp.StatusCode)
		if len(env.Errors) > 0 {
			msg = env.Errors[0].Message
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return apperrors.Unauthenticated("%s", msg)
		case http.StatusForbidden:
			return apperrors.NotAuthorized("%s", msg)
		case http.StatusConflict:
			return apperrors.Conflict("%s", msg)
		case http.StatusBadRequest:
			return apperrors.InvalidArgument("%s", msg)
		default:
			return apperrors.DependencyFailure(nil, "%s", msg)
		}
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return apperrors.DependencyFailure(err, "parsing ca result")
		}
	}
	return nil
}
