// Package main provides the agent gateway server entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yourorg/agent-gateway/internal/version"
	"github.com/yourorg/agent-gateway/pkg/agent"
	"github.com/yourorg/agent-gateway/pkg/api"
	"github.com/yourorg/agent-gateway/pkg/audit"
	"github.com/yourorg/agent-gateway/pkg/auth"
	"github.com/yourorg/agent-gateway/pkg/db"
	"github.com/yourorg/agent-gateway/pkg/enrollment"
	"github.com/yourorg/agent-gateway/pkg/installer"
	"github.com/yourorg/agent-gateway/pkg/job"
	"github.com/yourorg/agent-gateway/pkg/tenant"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "agent-gateway",
		Short: "Agent Gateway",
		Long:  `Gateway for agent enrollment, authentication, and job exchange.`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/agent-gateway/")
	}

	viper.SetEnvPrefix("AG")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetInfo().String())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() error {
	logger, err := createLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting agent gateway",
		zap.String("version", version.Version))

	database, err := db.NewConnection(databaseConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	jwtSecret := viper.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		jwtSecret = "default-secret-change-in-production"
		logger.Warn("using default JWT secret, change in production!")
	}
	jwtManager := auth.NewJWTManager(jwtSecret, viper.GetString("auth.issuer"), viper.GetDuration("auth.token_expiry"))

	serverURL := viper.GetString("server.public_url")
	if serverURL == "" {
		serverURL = fmt.Sprintf("http://localhost:%d", serverPort())
	}

	auditLogger := audit.NewLogger(database.DB(), logger)

	freshness := viper.GetDuration("auth.freshness_window")
	nonces := auth.NewNonceStore(database.DB(), freshness)
	authenticator := auth.NewAuthenticator(database.DB(), nonces, auditLogger, logger, freshness)

	limiterCfg := auth.DefaultRateLimitConfig()
	if v := viper.GetInt("rate_limit.limit"); v > 0 {
		limiterCfg.Limit = v
	}
	if v := viper.GetDuration("rate_limit.window"); v > 0 {
		limiterCfg.Window = v
	}
	if v := viper.GetDuration("rate_limit.block_for"); v > 0 {
		limiterCfg.BlockFor = v
	}
	limiter := auth.NewRateLimiter(database.DB(), limiterCfg)

	tenantManager := tenant.NewManager(database.DB(), logger)
	issuer := enrollment.NewIssuer(database.DB(), auditLogger, logger)
	registry := agent.NewRegistry(database.DB(), logger, viper.GetDuration("agents.offline_threshold"))
	exchange := job.NewExchange(database.DB(), auditLogger, logger)
	synthesizer := installer.NewSynthesizer(database.DB(), auditLogger, logger,
		serverURL, viper.GetInt("agents.poll_interval_seconds"))

	serverConfig := api.DefaultServerConfig()
	if host := viper.GetString("server.host"); host != "" {
		serverConfig.Host = host
	}
	serverConfig.Port = serverPort()
	serverConfig.Debug = viper.GetBool("server.debug")

	server := api.NewServer(serverConfig, &api.Dependencies{
		Conn:          database,
		Logger:        logger,
		Authenticator: authenticator,
		RateLimiter:   limiter,
		JWTManager:    jwtManager,
		TenantManager: tenantManager,
		Issuer:        issuer,
		Registry:      registry,
		Exchange:      exchange,
		Synthesizer:   synthesizer,
		AuditLogger:   auditLogger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// periodic housekeeping: stale agents, old counters
	go housekeeping(ctx, registry, limiter, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()

		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown server", zap.Error(err))
		}

		if err := auditLogger.Close(); err != nil {
			logger.Error("failed to close audit logger", zap.Error(err))
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return nil
	}
}

func housekeeping(ctx context.Context, registry *agent.Registry, limiter *auth.RateLimiter, logger *zap.Logger) {
	interval := viper.GetDuration("maintenance.interval")
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := registry.MarkOffline(ctx); err != nil {
				logger.Error("offline sweep failed", zap.Error(err))
			}
			if _, err := limiter.Prune(time.Now()); err != nil {
				logger.Error("rate limit prune failed", zap.Error(err))
			}
		}
	}
}

func runMigrations() error {
	logger, err := createLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	database, err := db.NewConnection(databaseConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	return database.AutoMigrate()
}

func databaseConfig() *db.Config {
	cfg := &db.Config{
		Host:               viper.GetString("database.host"),
		Port:               viper.GetInt("database.port"),
		Username:           viper.GetString("database.user"),
		Password:           viper.GetString("database.password"),
		Database:           viper.GetString("database.name"),
		MaxConnections:     viper.GetInt("database.max_open_conns"),
		MaxIdleConnections: viper.GetInt("database.max_idle_conns"),
		ConnectionLifetime: viper.GetDuration("database.conn_max_lifetime"),
		LogLevel:           viper.GetString("database.log_level"),
	}

	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	if cfg.Username == "" {
		cfg.Username = "root"
	}
	if cfg.Database == "" {
		cfg.Database = "agentgateway"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.MaxIdleConnections == 0 {
		cfg.MaxIdleConnections = 5
	}
	if cfg.ConnectionLifetime == 0 {
		cfg.ConnectionLifetime = time.Hour
	}

	return cfg
}

func serverPort() int {
	if port := viper.GetInt("server.port"); port != 0 {
		return port
	}
	return 8080
}

func createLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	if viper.GetBool("logging.development") {
		config = zap.NewDevelopmentConfig()
	}

	level := viper.GetString("logging.level")
	if level != "" {
		var zapLevel zapcore.Level
		if err := zapLevel.UnmarshalText([]byte(level)); err == nil {
			config.Level.SetLevel(zapLevel)
		}
	}

	return config.Build()
}
