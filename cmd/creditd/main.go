package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CREDITD"

	flagDatabaseURL         = "database-url"
	flagStoreDriver         = "store-driver"
	flagLogLevel            = "log-level"
	flagLogDevelopment      = "log-development"
	flagHTTPListenAddr      = "http-listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagAdminUserIDs        = "admin-user-ids"
	flagPublicBaseURL       = "public-base-url"
	flagRequestTimeout      = "request-timeout"
	flagRateLimitRPS        = "rate-limit-rps"
	flagRateLimitBurst      = "rate-limit-burst"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagGRPCSigningKey      = "grpc-signing-key"
	flagGRPCIssuer          = "grpc-issuer"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripeAPIBaseURL    = "stripe-api-base-url"
	flagCurrency            = "currency"
	flagAMQPURL             = "amqp-url"
	flagAMQPExchange        = "amqp-exchange"
	flagRedisURL            = "redis-url"
	flagSweepSchedule       = "sweep-schedule"
	flagDailyFreeCredits    = "daily-free-credits"
	flagCreditResetTime     = "credit-reset-time"
	flagPaginationLimit     = "pagination-limit"
	flagUsagePolicy         = "usage-policy"

	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"

	usagePolicyClamp  = "clamp"
	usagePolicyReject = "reject"

	defaultDatabaseURL    = "sqlite:///tmp/agentcredits.db"
	defaultGRPCListenAddr = ":7000"
	defaultGRPCIssuer     = "creditd"
)

type runtimeConfig struct {
	DatabaseURL         string
	StoreDriver         string
	LogLevel            string
	LogDevelopment      bool
	HTTP                httpapi.Config
	GRPCListenAddr      string
	GRPCSigningKey      string
	GRPCIssuer          string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBaseURL    string
	Currency            string
	AMQPURL             string
	AMQPExchange        string
	RedisURL            string
	SweepSchedule       string
	DailyFreeCredits    int64
	CreditResetTime     string
	PaginationLimit     int64
	UsagePolicy         ledger.UsagePolicy
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and wallet reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "postgres:// or sqlite:// connection string")
	flags.String(flagStoreDriver, storeDriverGorm, "ledger store implementation for postgres: gorm or pgx")
	flags.String(flagLogLevel, "info", "log level (debug, info, warn, error)")
	flags.Bool(flagLogDevelopment, false, "human-readable development logging")
	flags.String(flagHTTPListenAddr, ":8080", "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth session signing key")
	flags.String(flagJWTIssuer, "tauth", "expected session issuer")
	flags.String(flagJWTCookieName, "app_session", "session cookie name")
	flags.String(flagAdminUserIDs, "", "comma-separated user ids allowed to administer wallets")
	flags.String(flagPublicBaseURL, "", "public base URL used for checkout redirects")
	flags.Duration(flagRequestTimeout, 5*time.Second, "per-request ledger timeout")
	flags.Float64(flagRateLimitRPS, 10, "per-client request rate")
	flags.Int(flagRateLimitBurst, 20, "per-client request burst")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "admin gRPC listen address (empty disables)")
	flags.String(flagGRPCSigningKey, "", "HS256 key for admin gRPC bearer tokens (empty disables gRPC)")
	flags.String(flagGRPCIssuer, defaultGRPCIssuer, "expected admin token issuer")
	flags.String(flagStripeSecretKey, "", "Stripe secret API key")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	flags.String(flagStripeAPIBaseURL, "", "override for the Stripe API base URL")
	flags.String(flagCurrency, "usd", "checkout currency")
	flags.String(flagAMQPURL, "", "RabbitMQ URL for ledger events (empty disables)")
	flags.String(flagAMQPExchange, "ledger.events", "RabbitMQ topic exchange for ledger events")
	flags.String(flagRedisURL, "", "Redis URL for the sweep lease (empty limits the lease to this process)")
	flags.String(flagSweepSchedule, "*/15 * * * *", "cron schedule for the free credit sweep (empty disables)")
	flags.Int64(flagDailyFreeCredits, ledger.DefaultDailyFreeCredits, "fallback daily free credit amount")
	flags.String(flagCreditResetTime, ledger.DefaultCreditResetTime, "fallback daily reset time (HH:MM UTC)")
	flags.Int64(flagPaginationLimit, ledger.DefaultPaginationLimit, "fallback transaction page size")
	flags.String(flagUsagePolicy, usagePolicyClamp, "usage beyond the balance: clamp or reject")

	cmd.AddCommand(newServeCommand(cfg), newSweepCommand(cfg), newMigrateCommand(cfg))
	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, admin gRPC service and scheduled sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func newSweepCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one free credit sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSweep(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

func newMigrateCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver)))
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPgx {
		return fmt.Errorf("%s must be %s or %s", flagStoreDriver, storeDriverGorm, storeDriverPgx)
	}
	cfg.LogLevel = v.GetString(flagLogLevel)
	cfg.LogDevelopment = v.GetBool(flagLogDevelopment)

	cfg.HTTP = httpapi.Config{
		ListenAddr:        v.GetString(flagHTTPListenAddr),
		AllowedOrigins:    httpapi.ParseList(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     v.GetString(flagJWTIssuer),
		SessionCookieName: v.GetString(flagJWTCookieName),
		AdminUserIDs:      httpapi.ParseList(v.GetString(flagAdminUserIDs)),
		PublicBaseURL:     v.GetString(flagPublicBaseURL),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
		RateLimitRPS:      v.GetFloat64(flagRateLimitRPS),
		RateLimitBurst:    v.GetInt(flagRateLimitBurst),
	}

	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.GRPCSigningKey = v.GetString(flagGRPCSigningKey)
	cfg.GRPCIssuer = v.GetString(flagGRPCIssuer)

	cfg.StripeSecretKey = v.GetString(flagStripeSecretKey)
	cfg.StripeWebhookSecret = v.GetString(flagStripeWebhookSecret)
	cfg.StripeAPIBaseURL = v.GetString(flagStripeAPIBaseURL)
	cfg.Currency = v.GetString(flagCurrency)

	cfg.AMQPURL = strings.TrimSpace(v.GetString(flagAMQPURL))
	cfg.AMQPExchange = v.GetString(flagAMQPExchange)
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.SweepSchedule = strings.TrimSpace(v.GetString(flagSweepSchedule))

	cfg.DailyFreeCredits = v.GetInt64(flagDailyFreeCredits)
	if cfg.DailyFreeCredits < 0 {
		return fmt.Errorf("%s must not be negative", flagDailyFreeCredits)
	}
	cfg.CreditResetTime = v.GetString(flagCreditResetTime)
	if _, err := ledger.ParseCutover(cfg.CreditResetTime); err != nil {
		return fmt.Errorf("%s: %w", flagCreditResetTime, err)
	}
	cfg.PaginationLimit = v.GetInt64(flagPaginationLimit)

	policy, err := parseUsagePolicy(v.GetString(flagUsagePolicy))
	if err != nil {
		return err
	}
	cfg.UsagePolicy = policy
	return nil
}

func parseUsagePolicy(raw string) (ledger.UsagePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", usagePolicyClamp:
		return ledger.UsagePolicyClamp, nil
	case usagePolicyReject:
		return ledger.UsagePolicyReject, nil
	default:
		return 0, fmt.Errorf("%s must be %s or %s", flagUsagePolicy, usagePolicyClamp, usagePolicyReject)
	}
}

// fallbackConfig feeds flag values to the ledger when app_config has no row.
func (cfg *runtimeConfig) fallbackConfig() ledger.StaticConfig {
	return ledger.StaticConfig{
		ledger.ConfigKeyDailyFreeCredits: fmt.Sprintf("%d", cfg.DailyFreeCredits),
		ledger.ConfigKeyCreditResetTime:  cfg.CreditResetTime,
		ledger.ConfigKeyPaginationLimit:  fmt.Sprintf("%d", cfg.PaginationLimit),
	}
}
