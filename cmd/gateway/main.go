// Command gateway runs the Custodia package-custody gateway: the HTTP and
// WebSocket surface over the delivery ledger, the entity store, and the
// per-user identity wallet.
package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parcelchain/custodia/internal/ca"
	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/config"
	"github.com/parcelchain/custodia/internal/database"
	"github.com/parcelchain/custodia/internal/events"
	"github.com/parcelchain/custodia/internal/handler"
	"github.com/parcelchain/custodia/internal/ledger"
	"github.com/parcelchain/custodia/internal/middleware"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
	"github.com/parcelchain/custodia/internal/repository"
	"github.com/parcelchain/custodia/internal/service"
	"github.com/parcelchain/custodia/internal/wallet"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logLevel := slog.LevelInfo
	if cfg.Server.Environment == "dev" {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	log.Info("starting custodia gateway", "environment", cfg.Server.Environment)

	// Entity store.
	pg, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pg.Close()
	if err := pg.RunMigrations(cfg.Database); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	// One CA per channel organization. Single-org mode only stands up the
	// named organization.
	cas, err := buildCAs(cfg.CA)
	if err != nil {
		return err
	}
	roots := x509.NewCertPool()
	for _, c := range cas {
		roots.AddCert(c.CACert())
	}

	connector := ledger.NewEmbedded(roots)
	handles := ledger.NewHandleCache(connector, cfg.Ledger.MaxHandles, cfg.Ledger.HandleTTL, log)
	defer handles.Close()

	// Identity wallet.
	store, err := buildWalletStore(cfg.Wallet, pg)
	if err != nil {
		return err
	}
	w, err := wallet.New(store, cfg.Wallet.EncryptionKey)
	if err != nil {
		return fmt.Errorf("opening wallet: %w", err)
	}
	defer w.Close()
	// A revoked identity must not keep transacting through a cached handle.
	w.OnEvict(handles.Invalidate)

	// Repositories and services.
	users := repositoryBundle(pg)
	tokens := middleware.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiresIn)

	authSvc := service.NewAuthService(users.users, cas, w, tokens, cfg.CA.OrgName, log)
	deliverySvc := service.NewDeliveryService(w, handles, users.users, cfg.Deadlines, log)
	shopSvc := service.NewShopItemService(users.items)
	orderSvc := service.NewOrderService(users.orders, users.items, users.users, deliverySvc, log)

	var authenticator middleware.Authenticator = tokens
	if cfg.Auth.Strategy == "basic" {
		authenticator = middleware.NewBasicAuthenticator(users.users)
	}

	// Event fan-out under the service identity.
	hub := events.NewHub(deliverySvc.Involved, cfg.Events.MaxSubsPerUser, log)
	svcClient, err := serviceIdentityClient(cfg, cas, connector)
	if err != nil {
		return fmt.Errorf("enrolling service identity: %w", err)
	}
	defer svcClient.Close()
	consumer := events.NewConsumer(svcClient, hub, cfg.Events, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("event consumer stopped", "error", err)
		}
	}()

	router := buildRouter(cfg, log, pg, rdb, consumer, authenticator,
		handler.NewAuthHandler(authSvc, authenticator),
		handler.NewShopHandler(shopSvc),
		handler.NewOrderHandler(orderSvc),
		handler.NewDeliveryHandler(deliverySvc),
		handler.NewWSHandler(hub),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		if cfg.Server.TLSCert != "" {
			errCh <- srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// buildCAs stands up the organization CAs this instance serves. Single-org
// mode still carries the platform CA: the gateway's own service identity
// enrolls there, and the auth service rejects user enrolment outside the
// configured organization before any CA is reached.
func buildCAs(cfg config.CAConfig) (map[string]ca.Client, error) {
	orgs := []string{ca.PlatformOrg, ca.SellersOrg, ca.LogisticsOrg}
	if cfg.OrgName != "" {
		if _, ok := ca.OrgAllowedRoles[cfg.OrgName]; !ok {
			return nil, fmt.Errorf("unknown organization %q", cfg.OrgName)
		}
		orgs = []string{cfg.OrgName}
		if cfg.OrgName != ca.PlatformOrg {
			orgs = append(orgs, ca.PlatformOrg)
		}
	}
	cas := make(map[string]ca.Client, len(orgs))
	for _, org := range orgs {
		var (
			c   ca.Client
			err error
		)
		if cfg.Backend == "http" {
			c, err = buildHTTPCA(cfg, org)
		} else {
			c, err = ca.NewLocalCA(org)
		}
		if err != nil {
			return nil, fmt.Errorf("standing up %s CA: %w", org, err)
		}
		cas[org] = c
	}
	return cas, nil
}

func buildHTTPCA(cfg config.CAConfig, org string) (ca.Client, error) {
	url, ok := cfg.URLs[org]
	if !ok {
		return nil, fmt.Errorf("no CA url configured for %s", org)
	}
	certPEM, err := os.ReadFile(cfg.TLSCerts[org])
	if err != nil {
		return nil, fmt.Errorf("reading %s CA certificate: %w", org, err)
	}
	return ca.NewHTTPClient(org, url, certPEM, cfg.AdminID, cfg.AdminSecret)
}

func buildWalletStore(cfg config.WalletConfig, pg *database.Postgres) (wallet.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return wallet.NewPGStore(pg.Pool()), nil
	default:
		store, err := wallet.NewFileStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening wallet dir: %w", err)
		}
		return store, nil
	}
}

// serviceIdentityClient enrolls the gateway's own ADMIN identity and opens
// the connection the event consumer subscribes on. Ordinary user handles
// only carry that user's authority; the event stream needs to see every
// delivery's events.
func serviceIdentityClient(cfg *config.Config, cas map[string]ca.Client, connector ledger.Connector) (ledger.Client, error) {
	platform, ok := cas[ca.PlatformOrg]
	if !ok {
		return nil, fmt.Errorf("service identity requires the %s CA", ca.PlatformOrg)
	}

	id := cfg.Events.ServiceIdentityID
	secret := cfg.Events.ServiceIdentitySecret
	if secret == "" {
		var err error
		if secret, err = ca.GenerateSecret(); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := platform.Register(ctx, ca.RegisterRequest{
		EnrollmentID: id,
		Secret:       secret,
		Role:         chaincode.RoleAdmin,
		Attributes:   map[string]string{},
	}); err != nil {
		// A persistent CA still knows the identity from a previous start;
		// enrolment below proves we hold the configured secret.
		if apperrors.KindOf(err) != apperrors.KindConflict {
			return nil, err
		}
	}
	enr, err := platform.Enroll(ctx, ca.EnrollRequest{EnrollmentID: id, Secret: secret})
	if err != nil {
		return nil, err
	}
	return connector.Connect(ledger.Identity{
		UserID:      id,
		MSPID:       ca.MSPID(ca.PlatformOrg),
		Certificate: enr.Certificate,
		PrivateKey:  enr.PrivateKey,
	})
}

type repos struct {
	users  repository.UserRepository
	orders repository.OrderRepository
	items  repository.ShopItemRepository
}

func repositoryBundle(pg *database.Postgres) repos {
	pool := pg.Pool()
	return repos{
		users:  repository.NewUserRepository(pool),
		orders: repository.NewOrderRepository(pool),
		items:  repository.NewShopItemRepository(pool),
	}
}

func buildRouter(
	cfg *config.Config,
	log *slog.Logger,
	pg *database.Postgres,
	rdb *database.Redis,
	consumer *events.Consumer,
	authenticator middleware.Authenticator,
	auth *handler.AuthHandler,
	shop *handler.ShopHandler,
	orders *handler.OrderHandler,
	deliveries *handler.DeliveryHandler,
	ws *handler.WSHandler,
) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Timeout(2 * time.Minute))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		if pg.Ping(ctx) != nil || rdb.Ping(ctx) != nil || !consumer.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(rdb, middleware.DefaultRateLimitConfig()))
		r.Mount("/auth", auth.Routes())
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(authenticator))
			r.Mount("/shop-items", shop.Routes())
			r.Mount("/orders", orders.Routes())
			r.Mount("/deliveries", deliveries.Routes())
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(authenticator))
		r.Handle("/delivery-events", ws)
	})

	return r
}
