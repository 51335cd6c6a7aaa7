package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	oramcp "github.com/rickchristie/oracle-mcp"
	"github.com/rickchristie/oracle-mcp/internal/audit"
	"github.com/rickchristie/oracle-mcp/internal/auth"
	"github.com/rickchristie/oracle-mcp/internal/meta"
	"github.com/rickchristie/oracle-mcp/internal/oracle"
	"github.com/rickchristie/oracle-mcp/internal/registry"
	"github.com/rickchristie/oracle-mcp/internal/security"
)

const (
	defaultConfigPath = ".oramcp/config.json"
	sessionIDHeader   = "Mcp-Session-Id"
	shutdownTimeout   = 10 * time.Second
)

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load ServerConfig
	serverConfig, err := loadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serverConfig.Server.Port <= 0 {
		panic("oramcp: server.port must be > 0")
	}
	if serverConfig.Server.HealthCheckEnabled && serverConfig.Server.HealthCheckPath == "" {
		panic("oramcp: health_check_path must be set when health_check_enabled is true")
	}

	// 2. Setup logger
	logger, closeLogs, err := setupLogger(serverConfig.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer closeLogs()

	// 3. Connection registry
	reg, err := registry.Load(connectionLoaders(serverConfig.Connections)...)
	if err != nil {
		return fmt.Errorf("failed to load connections: %w", err)
	}
	logger.Info().Str("source", reg.Source()).Strs("connections", reg.Names()).Msg("connection registry loaded")

	// 4. Audit log
	auditLog, err := openAuditLog(ctx, serverConfig.Audit, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	// 5. Create OracleMcp instance
	var opts []oramcp.Option
	if len(serverConfig.ServerHooks.Before) > 0 || len(serverConfig.ServerHooks.After) > 0 {
		opts = append(opts, oramcp.WithServerHooks(serverConfig.ServerHooks))
	}
	if a := serverConfig.Audit.Archive; a.Endpoint != "" {
		archiver, err := audit.NewArchiver(ctx, audit.ArchiveConfig{
			Endpoint:  a.Endpoint,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			Bucket:    a.Bucket,
			Prefix:    a.Prefix,
			Region:    a.Region,
			UseSSL:    a.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("failed to connect audit archive: %w", err)
		}
		opts = append(opts, oramcp.WithArchiver(archiver))
	}
	oraMcp := oramcp.New(reg, oracle.NewDriver(logger), auditLog, serverConfig.Config, logger, opts...)
	defer oraMcp.Close(context.Background())

	// 6. Policy file and suspicious-activity sweep
	if path := serverConfig.Security.PolicyFile; path != "" {
		base := serverConfig.Security.Policy()
		policy, err := security.LoadPolicyFile(path, base)
		if err != nil {
			return err
		}
		if err := oraMcp.Validator().SetPolicy(policy); err != nil {
			return fmt.Errorf("policy file %s: %w", path, err)
		}
		go func() {
			if err := oraMcp.Validator().WatchPolicyFile(ctx, path, base); err != nil {
				logger.Error().Err(err).Str("path", path).Msg("policy watcher stopped")
			}
		}()
	}
	if schedule := serverConfig.Audit.SweepSchedule; schedule != "" {
		window := time.Duration(serverConfig.Audit.SweepWindowMinutes) * time.Minute
		if window <= 0 {
			window = audit.DefaultSuspiciousWindow
		}
		stopSweep, err := auditLog.StartSweep(schedule, window)
		if err != nil {
			return err
		}
		defer stopSweep()
	}

	// 7. Test connections. Failures are reported, the server still starts.
	logger.Info().Msg("testing database connections")
	probe := oraMcp.TestAllConnections(ctx)
	for _, r := range probe.Results {
		ev := logger.Info()
		if !r.Success {
			ev = logger.Warn().Str("error", r.Error)
		}
		ev.Str("connection", r.Connection).Str("mode", r.Mode).Int64("latency_ms", r.LatencyMs).Msg("connection test")
	}
	logger.Info().Int("succeeded", probe.Succeeded).Int("failed", probe.Failed).Msg("connection tests complete")

	// 8. Create MCP server with initialize lifecycle logging
	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, id any, req *mcp.InitializeRequest, result *mcp.InitializeResult) {
		logger.Info().
			Str("client_name", req.Params.ClientInfo.Name).
			Str("client_version", req.Params.ClientInfo.Version).
			Str("identity", oramcp.CallerFrom(ctx).Identity).
			Msg("AI agent connected (MCP initialize)")
	})

	mcpServer := server.NewMCPServer(meta.Name, meta.Version,
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
	)
	oramcp.RegisterMCPTools(mcpServer, oraMcp)

	streamableServer := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
		server.WithHTTPContextFunc(callerContext),
	)

	// 9. Start HTTP server
	authn, err := newAuthenticator(serverConfig.Auth, logger)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", serverConfig.Server.Port),
		Handler:           newRouter(serverConfig.Server, streamableServer, authn),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", serverConfig.Server.Port).Bool("auth", authn != nil).Msg("starting oramcp server")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// loadServerConfig reads the config file named by ORAMCP_CONFIG_PATH, or the
// default path, over the built-in defaults, then applies environment
// overrides. A missing default file is not an error; a missing explicit one
// is.
func loadServerConfig() (*oramcp.ServerConfig, error) {
	configPath := os.Getenv("ORAMCP_CONFIG_PATH")
	explicit := configPath != ""
	if !explicit {
		configPath = defaultConfigPath
	}

	config := oramcp.DefaultServerConfig()
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return &config, nil
}

// connectionLoaders lists the registry sources in lookup order.
func connectionLoaders(c oramcp.ConnectionsConfig) []registry.Loader {
	var loaders []registry.Loader
	if c.File != "" {
		loaders = append(loaders, registry.FileLoader{Path: c.File})
	}
	envVar := c.EnvVar
	if envVar == "" {
		envVar = registry.DefaultEnvVar
	}
	return append(loaders, registry.EnvLoader{Var: envVar})
}

func openAuditLog(ctx context.Context, config oramcp.AuditConfig, logger zerolog.Logger) (*audit.Log, error) {
	var (
		store audit.Store
		err   error
	)
	switch strings.ToLower(config.Store) {
	case "", "file":
		store, err = audit.NewFileStore(config.Path, logger)
	case "sqlite":
		store, err = audit.NewSQLiteStore(ctx, config.Path)
	case "postgres":
		store, err = audit.NewPostgresStore(ctx, config.DSN)
	case "clickhouse":
		store, err = audit.NewClickHouseStore(ctx, config.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown audit store %q", config.Store)
	}
	if err != nil {
		return nil, err
	}
	return audit.New(store, logger), nil
}

// newAuthenticator returns nil when auth is disabled.
func newAuthenticator(config oramcp.AuthConfig, logger zerolog.Logger) (*auth.Authenticator, error) {
	if !config.Enabled {
		return nil, nil
	}
	if len(config.Tokens) == 0 {
		return nil, fmt.Errorf("auth.enabled requires at least one entry in auth.tokens")
	}
	tokens := make([]auth.Token, len(config.Tokens))
	for i, t := range config.Tokens {
		tokens[i] = auth.Token{Identity: t.Identity, Hash: t.Hash}
	}
	return auth.NewAuthenticator(tokens, time.Duration(config.CacheTTLSeconds)*time.Second, logger), nil
}

// newRouter mounts the MCP handler behind the auth middleware. The health
// check reports process liveness only and needs no credentials.
func newRouter(config oramcp.ServerSettings, mcpHandler http.Handler, authn *auth.Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if config.HealthCheckEnabled {
		r.Get(config.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(authn))
		r.Handle("/mcp", mcpHandler)
	})
	return r
}

// callerContext copies the authenticated identity, client address and MCP
// session into the context tool handlers see.
func callerContext(ctx context.Context, r *http.Request) context.Context {
	return oramcp.WithCaller(ctx, oramcp.Caller{
		Identity:  auth.IdentityFrom(r.Context()),
		IPAddress: clientIP(r.RemoteAddr),
		SessionID: r.Header.Get(sessionIDHeader),
	})
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// setupLogger builds the process logger. File outputs rotate; error_output,
// when set, additionally receives error-level events only. The returned
// function closes any opened files.
func setupLogger(config oramcp.LoggingConfig) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	switch strings.ToLower(config.Level) {
	case "", "info":
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		return zerolog.Nop(), nil, fmt.Errorf("unknown log level %q", config.Level)
	}

	var closers []io.Closer
	open := func(target string) io.Writer {
		switch target {
		case "", "stderr":
			return os.Stderr
		case "stdout":
			return os.Stdout
		}
		lj := &lumberjack.Logger{
			Filename:   target,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   true,
		}
		closers = append(closers, lj)
		return lj
	}

	output := open(config.Output)
	if config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output}
	}
	writers := []io.Writer{output}
	if config.ErrorOutput != "" {
		writers = append(writers, levelFilter{w: open(config.ErrorOutput), min: zerolog.ErrorLevel})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	return logger, closeAll, nil
}

// levelFilter passes through events at or above min.
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f levelFilter) Write(p []byte) (int, error) {
	return len(p), nil
}

func (f levelFilter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < f.min || l == zerolog.NoLevel {
		return len(p), nil
	}
	return f.w.Write(p)
}
