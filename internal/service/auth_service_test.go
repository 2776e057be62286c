package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelchain/custodia/internal/ca"
	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/middleware"
	"github.com/parcelchain/custodia/internal/models"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
	"github.com/parcelchain/custodia/internal/pkg/ulid"
	"github.com/parcelchain/custodia/internal/wallet"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUserRepo is an in-memory UserRepository.
type fakeUserRepo struct {
	byID map[string]*models.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byID: make(map[string]*models.User)}
}

func (f *fakeUserRepo) Create(_ context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = ulid.New()
	}
	if user.Status == "" {
		user.Status = models.UserActive
	}
	f.byID[user.ID] = user
	return nil
}

func (f *fakeUserRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	return f.byID[id], nil
}

func (f *fakeUserRepo) GetByUsername(_ context.Context, username string) (*models.User, error) {
	for _, u := range f.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeUserRepo) SetStatus(_ context.Context, id string, status models.UserStatus) error {
	if u, ok := f.byID[id]; ok {
		u.Status = status
	}
	return nil
}

func (f *fakeUserRepo) ListByRole(_ context.Context, role string) ([]*models.User, error) {
	var out []*models.User
	for _, u := range f.byID {
		if string(u.Role) == role {
			out = append(out, u)
		}
	}
	return out, nil
}

// failingCA wraps a real CA and fails enrolment on demand.
type failingCA struct {
	ca.Client
	failEnroll bool
}

func (f *failingCA) Enroll(ctx context.Context, req ca.EnrollRequest) (*ca.Enrollment, error) {
	if f.failEnroll {
		return nil, apperrors.DependencyFailure(errors.New("ca unreachable"), "enrolling identity")
	}
	return f.Client.Enroll(ctx, req)
}

type authFixture struct {
	svc    AuthService
	users  *fakeUserRepo
	wallet *wallet.Wallet
	cas    map[string]ca.Client
}

func newAuthFixture(t *testing.T, orgName string) *authFixture {
	t.Helper()
	users := newFakeUserRepo()

	store, err := wallet.NewFileStore(t.TempDir())
	require.NoError(t, err)
	w, err := wallet.New(store, "test-wallet-secret-entropy")
	require.NoError(t, err)
	t.Cleanup(w.Close)

	cas := make(map[string]ca.Client)
	for _, org := range []string{ca.PlatformOrg, ca.SellersOrg, ca.LogisticsOrg} {
		c, err := ca.NewLocalCA(org)
		require.NoError(t, err)
		cas[org] = c
	}

	tokens := middleware.NewJWTAuthenticator("test-secret", time.Hour)
	return &authFixture{
		svc:    NewAuthService(users, cas, w, tokens, orgName, testLog()),
		users:  users,
		wallet: w,
		cas:    cas,
	}
}

func registerReq(role string) RegisterRequest {
	return RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "s3cret-pass",
		Role:     role,
		FullName: "Alice Example",
	}
}

func TestRegister(t *testing.T) {
	t.Run("creates user, enrolment and wallet identity", func(t *testing.T) {
		fx := newAuthFixture(t, "")
		user, err := fx.svc.Register(context.Background(), registerReq("SELLER"))
		require.NoError(t, err)

		assert.NotEmpty(t, user.ID)
		assert.Equal(t, chaincode.RoleSeller, user.Role)
		assert.Equal(t, ca.SellersOrg, user.Organization)
		assert.Equal(t, models.UserActive, user.Status)
		assert.NotEqual(t, "s3cret-pass", user.PasswordHash)

		id, err := fx.wallet.Get(context.Background(), user.ID)
		require.NoError(t, err)
		require.NotNil(t, id)
		assert.Equal(t, ca.MSPID(ca.SellersOrg), id.MSPID)

		// The issued certificate asserts the user's id and role on-ledger.
		ident, err := chaincode.IdentityFromCertificate(id.Certificate, id.MSPID)
		require.NoError(t, err)
		assert.Equal(t, user.ID, ident.UserID)
		assert.Equal(t, chaincode.RoleSeller, ident.Role)
	})

	t.Run("unknown role", func(t *testing.T) {
		fx := newAuthFixture(t, "")
		_, err := fx.svc.Register(context.Background(), registerReq("WAREHOUSE"))
		assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
	})

	t.Run("duplicate username conflicts", func(t *testing.T) {
		fx := newAuthFixture(t, "")
		_, err := fx.svc.Register(context.Background(), registerReq("SELLER"))
		require.NoError(t, err)
		_, err = fx.svc.Register(context.Background(), registerReq("SELLER"))
		assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	})

	t.Run("single-org instance rejects foreign roles", func(t *testing.T) {
		fx := newAuthFixture(t, ca.SellersOrg)
		_, err := fx.svc.Register(context.Background(), registerReq("CUSTOMER"))
		assert.Equal(t, apperrors.KindNotAuthorized, apperrors.KindOf(err))

		_, err = fx.svc.Register(context.Background(), registerReq("SELLER"))
		assert.NoError(t, err)
	})

	t.Run("failed enrolment marks the user unusable", func(t *testing.T) {
		fx := newAuthFixture(t, "")
		fx.cas[ca.SellersOrg] = &failingCA{Client: fx.cas[ca.SellersOrg], failEnroll: true}
		fx.svc = NewAuthService(fx.users, fx.cas, fx.wallet,
			middleware.NewJWTAuthenticator("test-secret", time.Hour), "", testLog())

		_, err := fx.svc.Register(context.Background(), registerReq("SELLER"))
		require.Error(t, err)

		stored, err := fx.users.GetByUsername(context.Background(), "alice")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, models.UserUnusable, stored.Status)

		// An unusable user cannot log in.
		_, err = fx.svc.Login(context.Background(), LoginRequest{Username: "alice", Password: "s3cret-pass"})
		assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))
	})
}

func TestLogin(t *testing.T) {
	fx := newAuthFixture(t, "")
	user, err := fx.svc.Register(context.Background(), registerReq("CUSTOMER"))
	require.NoError(t, err)

	t.Run("issues a token for valid credentials", func(t *testing.T) {
		result, err := fx.svc.Login(context.Background(), LoginRequest{Username: "alice", Password: "s3cret-pass"})
		require.NoError(t, err)
		assert.NotEmpty(t, result.Token)
		assert.Equal(t, user.ID, result.User.ID)

		p, err := middleware.NewJWTAuthenticator("test-secret", time.Hour).ValidateToken(result.Token)
		require.NoError(t, err)
		assert.Equal(t, user.ID, p.UserID)
		assert.Equal(t, chaincode.RoleCustomer, p.Role)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := fx.svc.Login(context.Background(), LoginRequest{Username: "alice", Password: "nope"})
		assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := fx.svc.Login(context.Background(), LoginRequest{Username: "bob", Password: "s3cret-pass"})
		assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))
	})
}

func TestMe(t *testing.T) {
	fx := newAuthFixture(t, "")
	user, err := fx.svc.Register(context.Background(), registerReq("CUSTOMER"))
	require.NoError(t, err)

	got, err := fx.svc.Me(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Username, got.Username)

	_, err = fx.svc.Me(context.Background(), "nobody")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}
