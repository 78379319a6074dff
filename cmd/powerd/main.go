package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/essentialpopstar/powerd/internal/httpapi"
	"github.com/essentialpopstar/powerd/internal/store/gormstore"
	"github.com/essentialpopstar/powerd/internal/store/pgstore"
	"github.com/essentialpopstar/powerd/internal/webhook"
	"github.com/essentialpopstar/powerd/pkg/power"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL     = "database-url"
	flagStoreBackend    = "store-backend"
	flagListenAddr      = "listen-addr"
	flagAllowedOrigins  = "allowed-origins"
	flagJWTSigningKey   = "jwt-signing-key"
	flagJWTIssuer       = "jwt-issuer"
	flagJWTCookieName   = "jwt-cookie-name"
	flagAdminKey        = "admin-key"
	flagWebhookSecret   = "webhook-secret"
	flagMaxPower        = "max-power"
	flagRefillAmount    = "refill-amount"
	flagRefillInterval  = "refill-interval-minutes"
	flagCatalogJSON     = "catalog-json"
	defaultDatabaseURL  = "sqlite:///tmp/powerd.db"
	defaultListenAddr   = ":8080"
	defaultMaxPower     = 24
	defaultRefillAmount = 1
	defaultRefillEvery  = 30

	backendGorm = "gorm"
	backendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL           string
	StoreBackend          string
	ListenAddr            string
	AllowedOrigins        string
	SessionSigningKey     string
	SessionIssuer         string
	SessionCookieName     string
	AdminKey              string
	WebhookSecret         string
	MaxPower              int64
	RefillAmount          int64
	RefillIntervalMinutes int64
	CatalogJSON           string
}

// seedingStore is what runServer needs beyond the service contract: each
// backend can seed the singleton configuration row at boot.
type seedingStore interface {
	power.Store
	EnsureConfig(ctx context.Context, defaults power.Config) error
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "powerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "powerd",
		Short:         "Power economy HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagStoreBackend, backendGorm, "storage backend: gorm or pgx (pgx requires a postgres url)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "session JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "session cookie name")
	cmd.Flags().String(flagAdminKey, "", "shared secret for admin routes (required)")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for webhook signatures (required)")
	cmd.Flags().Int64(flagMaxPower, defaultMaxPower, "default maximum power")
	cmd.Flags().Int64(flagRefillAmount, defaultRefillAmount, "default power refilled per interval")
	cmd.Flags().Int64(flagRefillInterval, defaultRefillEvery, "default refill interval in minutes")
	cmd.Flags().String(flagCatalogJSON, "", `product catalog overrides as JSON, e.g. {"coffee_5":40}`)

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		flagDatabaseURL:    "DATABASE_URL",
		flagStoreBackend:   "STORE_BACKEND",
		flagListenAddr:     "LISTEN_ADDR",
		flagAllowedOrigins: "ALLOWED_ORIGINS",
		flagJWTSigningKey:  "SESSION_SIGNING_KEY",
		flagJWTIssuer:      "SESSION_ISSUER",
		flagJWTCookieName:  "SESSION_COOKIE_NAME",
		flagAdminKey:       "ADMIN_KEY",
		flagWebhookSecret:  "WEBHOOK_SECRET",
		flagMaxPower:       "POWER_MAX",
		flagRefillAmount:   "POWER_REFILL_AMOUNT",
		flagRefillInterval: "POWER_REFILL_INTERVAL_MINUTES",
		flagCatalogJSON:    "POWER_CATALOG_JSON",
	}
	for flagName, envName := range envBindings {
		if err := viper.BindEnv(flagName, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(viper.GetString(flagDatabaseURL))
	cfg.StoreBackend = strings.TrimSpace(viper.GetString(flagStoreBackend))
	cfg.ListenAddr = strings.TrimSpace(viper.GetString(flagListenAddr))
	cfg.AllowedOrigins = viper.GetString(flagAllowedOrigins)
	cfg.SessionSigningKey = viper.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(viper.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(viper.GetString(flagJWTCookieName))
	cfg.AdminKey = viper.GetString(flagAdminKey)
	cfg.WebhookSecret = viper.GetString(flagWebhookSecret)
	cfg.MaxPower = viper.GetInt64(flagMaxPower)
	cfg.RefillAmount = viper.GetInt64(flagRefillAmount)
	cfg.RefillIntervalMinutes = viper.GetInt64(flagRefillInterval)
	cfg.CatalogJSON = strings.TrimSpace(viper.GetString(flagCatalogJSON))

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = backendGorm
	}
	if cfg.StoreBackend != backendGorm && cfg.StoreBackend != backendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}
	if cfg.AdminKey == "" {
		return fmt.Errorf("%s is required", flagAdminKey)
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("%s is required", flagWebhookSecret)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	defaults := power.Config{
		MaxPower:       cfg.MaxPower,
		RefillAmount:   cfg.RefillAmount,
		RefillInterval: time.Duration(cfg.RefillIntervalMinutes) * time.Minute,
	}
	if err := defaults.Validate(); err != nil {
		return fmt.Errorf("default config: %w", err)
	}

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	if err := store.EnsureConfig(ctx, defaults); err != nil {
		return fmt.Errorf("config seed: %w", err)
	}

	clock := func() time.Time { return time.Now().UTC() }
	service, err := power.NewService(store, clock,
		power.WithOperationLogger(httpapi.NewOperationZapLogger(logger)))
	if err != nil {
		return fmt.Errorf("power service init: %w", err)
	}

	catalog, err := buildCatalog(cfg.CatalogJSON)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	processor, err := webhook.NewProcessor(cfg.WebhookSecret, catalog, service, logger)
	if err != nil {
		return fmt.Errorf("webhook processor init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
		AdminKey:          cfg.AdminKey,
		WebhookSecret:     cfg.WebhookSecret,
	}
	server, err := httpapi.NewServer(apiConfig, service, processor, logger)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	return server.Run(ctx)
}

func openStore(ctx context.Context, cfg *runtimeConfig) (seedingStore, func() error, error) {
	if cfg.StoreBackend == backendPgx {
		if !isPostgresURL(cfg.DatabaseURL) {
			return nil, nil, fmt.Errorf("pgx backend requires a postgres:// database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return store, cleanup, nil
}

func buildCatalog(overridesJSON string) (webhook.ProductCatalog, error) {
	catalog := webhook.DefaultCatalog()
	if overridesJSON == "" {
		return catalog, nil
	}
	overrides := map[string]int64{}
	if err := json.Unmarshal([]byte(overridesJSON), &overrides); err != nil {
		return nil, fmt.Errorf("parse overrides: %w", err)
	}
	for productID, delta := range overrides {
		catalog[productID] = delta
	}
	return catalog, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func resolveDriver(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "powerd.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
