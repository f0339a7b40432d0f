package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mwhitford/aegis/internal/auth"
	"github.com/mwhitford/aegis/internal/background"
	"github.com/mwhitford/aegis/internal/config"
	"github.com/mwhitford/aegis/internal/database"
	"github.com/mwhitford/aegis/internal/gateway"
	"github.com/mwhitford/aegis/internal/handlers"
	"github.com/mwhitford/aegis/internal/migrate"
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/obs"
	"github.com/mwhitford/aegis/internal/ratelimit"
	"github.com/mwhitford/aegis/internal/rbac"
	"github.com/mwhitford/aegis/internal/repositories"
	"github.com/mwhitford/aegis/internal/routes"
	"github.com/mwhitford/aegis/internal/services"
	pkgauth "github.com/mwhitford/aegis/pkg/auth"
	pkghttp "github.com/mwhitford/aegis/pkg/http"
	pkglogger "github.com/mwhitford/aegis/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := migrate.Up(migrateCtx, cfg.Database.DSN()); err != nil {
		migrateCancel()
		logger.Error("failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}
	migrateCancel()

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	roleRepo := repositories.NewRoleRepository(db)
	refreshRepo := repositories.NewRefreshTokenRepository(db)
	banRepo := repositories.NewIPBanRepository(db)
	eventRepo := repositories.NewAuthEventRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)
	policyRepo := repositories.NewPolicyRepository(db)
	routeRepo := repositories.NewRouteRepository(db)

	auditLogger := pkglogger.NewAuditLogger(logger)
	metrics := obs.NewMetrics()
	resolver := rbac.NewResolver(roleRepo)

	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.Issuer,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)

	// Login limiters: one keyed by IP, one by username
	ipLimiter := ratelimit.New(cfg.Security.LoginMaxPerIP, cfg.Security.LoginWindow)
	userLimiter := ratelimit.New(cfg.Security.LoginMaxPerUsername, cfg.Security.LoginWindow)

	// Services
	tokenService := services.NewTokenService(tokenManager, userRepo, refreshRepo, resolver, logger,
		cfg.Auth.AccessTokenExpiry, cfg.Auth.RefreshTokenExpiry)
	securityService := services.NewSecurityService(eventRepo, banRepo, cfg.Security, logger, auditLogger)
	authService := services.NewAuthService(userRepo, eventRepo, tokenService, securityService, resolver,
		ipLimiter, userLimiter, cfg.Security, logger, auditLogger)
	userService := services.NewUserService(userRepo, roleRepo, tokenService, logger, auditLogger)
	roleService := services.NewRoleService(roleRepo, logger)
	policyService := services.NewPolicyService(policyRepo, routeRepo, logger, 10*time.Second)
	auditService := services.NewAuditService(auditRepo, logger)

	proxy := gateway.NewProxy(logger)

	ipConfig := &pkghttp.IPConfig{}
	if cfg.Security.TrustProxyHeaders {
		ipConfig.TrustedProxies = []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	}

	// Handlers
	h := routes.Handlers{
		Auth:     handlers.NewAuthHandler(authService, tokenService, userService, metrics, ipConfig),
		Users:    handlers.NewUserHandler(userService),
		Roles:    handlers.NewRoleHandler(roleService),
		Policies: handlers.NewPolicyHandler(policyService),
		Security: handlers.NewSecurityHandler(securityService),
		Audit:    handlers.NewAuditHandler(auditService, eventRepo),
		Gateway:  handlers.NewGatewayHandler(policyService, auditService, proxy, metrics, logger, ipConfig),
		Health:   handlers.NewHealthHandler(db, logger),
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(bootCtx, userRepo, cfg, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	bootCancel()

	router := chi.NewRouter()
	routes.RegisterRoutes(router, h, tokenService, securityService, metrics, cfg, ipConfig, logger)

	cleanupManager := background.NewCleanupManager(
		refreshRepo, eventRepo, auditRepo, banRepo,
		[]*ratelimit.Limiter{ipLimiter, userLimiter},
		logger, cfg.Auth.CleanupInterval,
	)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go cleanupManager.Start(cleanupCtx)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// ensureAdminUser creates the bootstrap superuser on first start so a fresh
// deployment is administrable. Nothing happens when the account already
// exists or no bootstrap password is configured.
func ensureAdminUser(ctx context.Context, userRepo *repositories.UserRepository, cfg *config.Config, logger *slog.Logger) error {
	username := strings.ToLower(strings.TrimSpace(cfg.Auth.BootstrapAdmin))
	password := cfg.Auth.BootstrapPassword
	if username == "" || password == "" {
		logger.Info("no bootstrap admin configured, skipping")
		return nil
	}

	if _, err := userRepo.GetByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		return err
	}

	_, err = userRepo.Create(ctx, &models.User{
		Username:     username,
		PasswordHash: hash,
		IsActive:     true,
		IsSuperuser:  true,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil // lost a race with another instance
		}
		return err
	}

	logger.Info("bootstrap admin user created", slog.String("username", username))
	return nil
}

func logLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
