// Package main is the claudebox control plane: one binary serving the HTTP
// API, the WebSocket gateway and the sandbox supervisor.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claudebox/claudebox/internal/auth"
	"github.com/claudebox/claudebox/internal/common/config"
	"github.com/claudebox/claudebox/internal/common/httpmw"
	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/common/tracing"
	"github.com/claudebox/claudebox/internal/db"
	"github.com/claudebox/claudebox/internal/events"
	"github.com/claudebox/claudebox/internal/extensions"
	"github.com/claudebox/claudebox/internal/gateway/rest"
	gatewayws "github.com/claudebox/claudebox/internal/gateway/websocket"
	"github.com/claudebox/claudebox/internal/mcp"
	"github.com/claudebox/claudebox/internal/sandbox/driver"
	sandboxstore "github.com/claudebox/claudebox/internal/sandbox/store"
	"github.com/claudebox/claudebox/internal/sandbox/supervisor"
	"github.com/claudebox/claudebox/internal/session"
	sessionstore "github.com/claudebox/claudebox/internal/session/store"
	userhandlers "github.com/claudebox/claudebox/internal/user/handlers"
	userservice "github.com/claudebox/claudebox/internal/user/service"
	userstore "github.com/claudebox/claudebox/internal/user/store"
	"github.com/claudebox/claudebox/internal/workspace"
)

// lockerFunc adapts a closure to the extension syncer's per-user lock,
// breaking the construction cycle between syncer and supervisor.
type lockerFunc func(userID int64, fn func() error) error

func (f lockerFunc) WithUserLock(userID int64, fn func() error) error { return f(userID, fn) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting claudebox...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// Host workspace tree and embedded database.
	ws, err := workspace.NewManager(cfg.Workspace.Dir, log)
	if err != nil {
		log.Fatal("Failed to initialize workspace", zap.Error(err))
	}
	if err := ws.EnsureBase(); err != nil {
		log.Fatal("Failed to create workspace tree", zap.Error(err))
	}

	pool, err := db.Open(ws.DatabasePath())
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", ws.DatabasePath()))
	}
	defer pool.Close()
	log.Info("Database initialized", zap.String("path", ws.DatabasePath()))

	users, err := userstore.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize user store", zap.Error(err))
	}
	sandboxes, err := sandboxstore.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize sandbox store", zap.Error(err))
	}
	sessionIndex, err := sessionstore.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	mcpStore, err := mcp.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize mcp store", zap.Error(err))
	}

	tokens := auth.NewTokenManager(cfg.Auth.TokenSigningKey, cfg.Auth.TokenTTL)

	// Container engine.
	engine, err := driver.New(cfg.Sandbox.EngineHost(), log)
	if err != nil {
		log.Fatal("Failed to create engine client", zap.Error(err))
	}
	if err := engine.Ping(ctx); err != nil {
		log.Fatal("Container engine unreachable", zap.Error(err), zap.String("socket", cfg.Sandbox.EngineSocket))
	}
	log.Info("Connected to container engine")

	if cfg.Sandbox.PullImage {
		log.Info("Pulling sandbox image...", zap.String("image", cfg.Sandbox.Image))
		if err := engine.PullImage(ctx, cfg.Sandbox.Image); err != nil {
			log.Fatal("Failed to pull sandbox image", zap.Error(err))
		}
	}

	// Supervisor and extension syncer reference each other: the syncer
	// serializes through the supervisor's per-user lock, the supervisor
	// installs the bundle during provisioning.
	var sup *supervisor.Supervisor
	syncer := extensions.NewSyncer(cfg.Extensions.Source, ws, lockerFunc(func(userID int64, fn func() error) error {
		return sup.WithUserLock(userID, fn)
	}), eventBus, log)
	sup = supervisor.New(engine, ws, sandboxes, syncer, eventBus, cfg.Sandbox, log)

	sessions := session.NewManager(ws, sessionIndex, eventBus, log)
	sup.SetSessionActivity(sessions)

	if err := sup.Reconcile(ctx); err != nil {
		log.Error("Sandbox reconcile failed", zap.Error(err))
	}
	sup.Start()

	sandboxReady := func(ctx context.Context, userID int64) bool {
		record, err := sup.Status(ctx, userID)
		return err == nil && record != nil && record.Status == supervisor.StatusRunning
	}
	userSvc := userservice.NewService(users, tokens, eventBus, sandboxReady, log)

	commandProbe := func(ctx context.Context, userID int64, command string) (bool, error) {
		record, err := sup.Status(ctx, userID)
		if err != nil {
			return false, err
		}
		if record == nil || record.Status != supervisor.StatusRunning || record.EngineID == "" {
			return false, fmt.Errorf("sandbox is not running")
		}
		_, _, exitCode, err := engine.ExecCapture(ctx, record.EngineID, []string{"which", command}, driver.ExecOptions{})
		if err != nil {
			return false, err
		}
		return exitCode == 0, nil
	}
	mcpSvc := mcp.NewService(mcpStore, commandProbe, log)

	gateway := gatewayws.NewHandler(gatewayws.Config{
		Tokens:    tokens,
		Sandbox:   sup,
		Engine:    gatewayws.NewEngineExecer(engine),
		Sessions:  sessions,
		Settings:  userSvc,
		MCP:       mcpSvc,
		Workspace: ws,
		Bus:       eventBus,
		Logger:    log,
	})

	if strings.ToLower(cfg.Logging.Level) != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "claudebox"))
	router.Use(httpmw.OtelTracing("claudebox"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "claudebox"})
	})
	router.GET("/ws", gateway.Handle)

	public := router.Group("/api")
	authed := router.Group("/api", auth.Middleware(tokens))
	admin := auth.AdminOnly(tokens, cfg.Auth.AdminToken)

	userhandlers.NewHandlers(userSvc, log).RegisterRoutes(public, authed)
	mcp.NewHandlers(mcpSvc, log).RegisterRoutes(authed)
	extensions.NewHandlers(syncer, userSvc, log).RegisterRoutes(authed, admin)
	rest.NewHandlers(ws, sessions, sup, log).RegisterRoutes(authed)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down claudebox...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error("Supervisor shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("claudebox stopped")
}

// corsMiddleware allows cross-origin API and WebSocket access.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
