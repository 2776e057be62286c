// Package service provides the gateway's business logic.
package service

import (
	"context"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/parcelchain/custodia/internal/ca"
	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/middleware"
	"github.com/parcelchain/custodia/internal/models"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
	"github.com/parcelchain/custodia/internal/repository"
	"github.com/parcelchain/custodia/internal/wallet"
)

// RegisterRequest is a new-user registration.
type RegisterRequest struct {
	Username    string          `json:"username" validate:"required,min=3,max=64"`
	Email       string          `json:"email" validate:"required,email"`
	Password    string          `json:"password" validate:"required,min=8"`
	Role        string          `json:"role" validate:"required"`
	FullName    string          `json:"fullName" validate:"required,max=200"`
	Address     *models.Address `json:"address,omitempty"`
	CompanyID   string          `json:"companyId,omitempty" validate:"max=100"`
	CompanyName string          `json:"companyName,omitempty" validate:"max=200"`
	VehicleInfo string          `json:"vehicleInfo,omitempty" validate:"max=200"`
}

// LoginRequest is a session login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResult carries the issued session token and the user profile.
type LoginResult struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// AuthService handles registration (including CA enrolment and wallet
// provisioning) and session login.
type AuthService interface {
	Register(ctx context.Context, req RegisterRequest) (*models.User, error)
	Login(ctx context.Context, req LoginRequest) (*LoginResult, error)
	Me(ctx context.Context, userID string) (*models.User, error)
}

type authService struct {
	users   repository.UserRepository
	cas     map[string]ca.Client // org -> CA
	wallet  *wallet.Wallet
	tokens  *middleware.JWTAuthenticator
	orgName string // single-org restriction; empty means multi-org
	log     *slog.Logger
}

// NewAuthService creates the auth service. cas must hold a client for
// every organization this instance enrolls into.
func NewAuthService(
	users repository.UserRepository,
	cas map[string]ca.Client,
	w *wallet.Wallet,
	tokens *middleware.JWTAuthenticator,
	orgName string,
	log *slog.Logger,
) AuthService {
	return &authService{
		users:   users,
		cas:     cas,
		wallet:  w,
		tokens:  tokens,
		orgName: orgName,
		log:     log,
	}
}

// Register creates the user record, registers and enrolls the identity
// with the organization CA, and seals the result into the wallet. Any
// failure after the user row exists marks it unusable: a user without a
// wallet identity cannot transact and must re-register.
func (s *authService) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	role, ok := chaincode.ParseRole(req.Role)
	if !ok {
		return nil, apperrors.InvalidArgument("unknown role %q", req.Role)
	}
	org, err := ca.OrgForRole(role)
	if err != nil {
		return nil, err
	}
	if s.orgName != "" && !ca.OrgAllows(s.orgName, role) {
		return nil, apperrors.NotAuthorized("this instance only enrolls roles of %s", s.orgName)
	}
	orgCA, ok := s.cas[org]
	if !ok {
		return nil, apperrors.DependencyFailure(nil, "no CA configured for %s", org)
	}

	if existing, err := s.users.GetByUsername(ctx, req.Username); err != nil {
		return nil, apperrors.DependencyFailure(err, "checking username")
	} else if existing != nil {
		return nil, apperrors.Conflict("username %q is taken", req.Username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.Internal(err, "hashing password")
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         role,
		FullName:     req.FullName,
		Address:      req.Address,
		CompanyID:    req.CompanyID,
		CompanyName:  req.CompanyName,
		VehicleInfo:  req.VehicleInfo,
		Organization: org,
		Status:       models.UserActive,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, apperrors.DependencyFailure(err, "creating user")
	}

	if err := s.enroll(ctx, orgCA, user); err != nil {
		// Roll back: the row stays for auditability but cannot log in or
		// transact until a fresh registration succeeds.
		if stErr := s.users.SetStatus(ctx, user.ID, models.UserUnusable); stErr != nil {
			s.log.Error("marking user unusable after failed enrolment",
				"user_id", user.ID, "error", stErr)
		}
		return nil, err
	}
	return user, nil
}

// enroll runs the CA bridge: secret, register, enroll, wallet put.
func (s *authService) enroll(ctx context.Context, orgCA ca.Client, user *models.User) error {
	secret, err := ca.GenerateSecret()
	if err != nil {
		return apperrors.Internal(err, "generating enrollment secret")
	}

	attrs := map[string]string{}
	if user.CompanyID != "" {
		attrs["companyId"] = user.CompanyID
	}
	if user.CompanyName != "" {
		attrs["companyName"] = user.CompanyName
	}
	if _, err := orgCA.Register(ctx, ca.RegisterRequest{
		EnrollmentID: user.ID,
		Secret:       secret,
		Role:         user.Role,
		Attributes:   attrs,
	}); err != nil {
		return err
	}

	enrollment, err := orgCA.Enroll(ctx, ca.EnrollRequest{
		EnrollmentID: user.ID,
		Secret:       secret,
	})
	if err != nil {
		return err
	}

	return s.wallet.Put(ctx,
		user.ID,
		ca.MSPID(user.Organization),
		enrollment.CertPEM,
		enrollment.PrivateKey,
		user.Organization,
		user.ID,
	)
}

// Login verifies credentials and issues a session token.
func (s *authService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	user, err := s.users.GetByUsername(ctx, req.Username)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "looking up user")
	}
	if user == nil || user.Status != models.UserActive {
		return nil, apperrors.Unauthenticated("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, apperrors.Unauthenticated("invalid credentials")
	}

	token, err := s.tokens.Issue(user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, User: user}, nil
}

// Me returns the authenticated user's profile.
func (s *authService) Me(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "looking up user")
	}
	if user == nil {
		return nil, apperrors.NotFound("user %s does not exist", userID)
	}
	return user, nil
}
