// Package config provides configuration loading for the gateway.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway process.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Redis     RedisConfig    `mapstructure:"redis"`
	Ledger    LedgerConfig   `mapstructure:"ledger"`
	CA        CAConfig       `mapstructure:"ca"`
	Wallet    WalletConfig   `mapstructure:"wallet"`
	Auth      AuthConfig     `mapstructure:"auth"`
	Deadlines DeadlineConfig `mapstructure:"deadlines"`
	Events    EventsConfig   `mapstructure:"events"`
}

// ServerConfig holds the public HTTP listener configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	TLSCert      string        `mapstructure:"tls_cert"`
	TLSKey       string        `mapstructure:"tls_key"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// DatabaseConfig holds PostgreSQL configuration for the entity store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL URL used by migrations.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration for rate limiting.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LedgerConfig binds the gateway to a channel and chaincode.
type LedgerConfig struct {
	// Backend selects the ledger client implementation. "embedded" runs
	// the contract in-process; platform bindings register under their own
	// names.
	Backend       string            `mapstructure:"backend"`
	ChannelName   string            `mapstructure:"channel_name"`
	ChaincodeName string            `mapstructure:"chaincode_name"`
	PeerEndpoints map[string]string `mapstructure:"peer_endpoints"` // org -> host:port
	PeerTLSCerts  map[string]string `mapstructure:"peer_tls_certs"` // org -> PEM path
	// MaxHandles bounds the number of simultaneously open per-user
	// gateway handles.
	MaxHandles int           `mapstructure:"max_handles"`
	HandleTTL  time.Duration `mapstructure:"handle_ttl"`
}

// CAConfig holds per-organization CA endpoints and admin credentials.
type CAConfig struct {
	// OrgName restricts the instance to a single organization when set
	// ("single-org" mode). Empty means multi-org.
	OrgName     string            `mapstructure:"org_name"`
	URLs        map[string]string `mapstructure:"urls"`      // org -> CA URL
	TLSCerts    map[string]string `mapstructure:"tls_certs"` // org -> PEM path
	AdminID     string            `mapstructure:"admin_id"`
	AdminSecret string            `mapstructure:"admin_secret"`
	// Backend selects "local" (embedded org CAs) or "http".
	Backend string `mapstructure:"backend"`
}

// WalletConfig holds the identity wallet configuration.
type WalletConfig struct {
	// EncryptionKey is the KDF input for the wallet sealing key. Should
	// carry at least 16 bytes of entropy.
	EncryptionKey string `mapstructure:"encryption_key"`
	// Backend selects "file" or "postgres" persistence.
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// AuthConfig holds session-token configuration.
type AuthConfig struct {
	// Strategy selects the authenticator: "jwt" or "basic".
	Strategy     string        `mapstructure:"strategy"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	JWTExpiresIn time.Duration `mapstructure:"jwt_expires_in"`
}

// DeadlineConfig carries the contractual per-call ceilings for ledger
// operations. These are enforced even if the transport supports longer.
type DeadlineConfig struct {
	Evaluate     time.Duration `mapstructure:"evaluate"`
	Endorse      time.Duration `mapstructure:"endorse"`
	Submit       time.Duration `mapstructure:"submit"`
	CommitStatus time.Duration `mapstructure:"commit_status"`
}

// EventsConfig tunes the chaincode event consumer and WebSocket hub.
type EventsConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	MaxSubsPerUser    int           `mapstructure:"max_subs_per_user"`
	ServiceIdentityID string        `mapstructure:"service_identity_id"`
	// ServiceIdentitySecret is the enrollment secret for the service
	// identity. Required with a persistent CA backend so restarts can
	// re-enroll the already-registered identity; empty means a fresh
	// secret per start.
	ServiceIdentitySecret string `mapstructure:"service_identity_secret"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/custodia")

	v.SetEnvPrefix("CUSTODIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Nested map and secret keys need explicit binding with viper.
	v.BindEnv("wallet.encryption_key", "CUSTODIA_WALLET_ENCRYPTION_KEY")
	v.BindEnv("auth.jwt_secret", "CUSTODIA_AUTH_JWT_SECRET")
	v.BindEnv("ca.admin_id", "CUSTODIA_CA_ADMIN_ID")
	v.BindEnv("ca.admin_secret", "CUSTODIA_CA_ADMIN_SECRET")
	v.BindEnv("ca.org_name", "CUSTODIA_CA_ORG_NAME")
	v.BindEnv("events.service_identity_secret", "CUSTODIA_EVENTS_SERVICE_IDENTITY_SECRET")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations that cannot produce a working gateway.
func (c *Config) Validate() error {
	if c.Wallet.EncryptionKey == "" {
		return fmt.Errorf("wallet.encryption_key is required")
	}
	if len(c.Wallet.EncryptionKey) < 16 {
		return fmt.Errorf("wallet.encryption_key must be at least 16 bytes")
	}
	if c.Auth.Strategy == "jwt" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required for the jwt strategy")
	}
	switch c.Auth.Strategy {
	case "jwt", "basic":
	default:
		return fmt.Errorf("auth.strategy must be jwt or basic, got %q", c.Auth.Strategy)
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "custodia")
	v.SetDefault("database.password", "custodia")
	v.SetDefault("database.database", "custodia")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("ledger.backend", "embedded")
	v.SetDefault("ledger.channel_name", "custody-channel")
	v.SetDefault("ledger.chaincode_name", "delivery")
	v.SetDefault("ledger.max_handles", 256)
	v.SetDefault("ledger.handle_ttl", "10m")

	v.SetDefault("ca.backend", "local")

	v.SetDefault("wallet.backend", "file")
	v.SetDefault("wallet.path", "./wallet")

	v.SetDefault("auth.strategy", "jwt")
	v.SetDefault("auth.jwt_expires_in", "24h")

	// Contractual per-call ceilings.
	v.SetDefault("deadlines.evaluate", "30s")
	v.SetDefault("deadlines.endorse", "60s")
	v.SetDefault("deadlines.submit", "60s")
	v.SetDefault("deadlines.commit_status", "120s")

	v.SetDefault("events.buffer_size", 256)
	v.SetDefault("events.max_reconnects", 10)
	v.SetDefault("events.reconnect_backoff", "500ms")
	v.SetDefault("events.max_backoff", "30s")
	v.SetDefault("events.max_subs_per_user", 32)
	v.SetDefault("events.service_identity_id", "gateway-admin")
}
