package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ctf-gg/nerine/internal/auth"
	"github.com/ctf-gg/nerine/internal/challenge"
	server "github.com/ctf-gg/nerine/pkg"
	"github.com/ctf-gg/nerine/pkg/api"
	"github.com/ctf-gg/nerine/pkg/config"
	"github.com/ctf-gg/nerine/pkg/engine"
	"github.com/ctf-gg/nerine/pkg/hosts"
	"github.com/ctf-gg/nerine/pkg/metrics"
	"github.com/ctf-gg/nerine/pkg/scheduler"
	"github.com/ctf-gg/nerine/pkg/utils"
	"github.com/ctf-gg/nerine/pkg/worker"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var serveCmd = &cobra.Command{
	Use:   "serve [port]",
	Short: "Start the nerine deployer",
	Long:  "Starts the deployer control API. The platform backend calls it to deploy and destroy challenge containers.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		portStr := args[0]
		if !validatePort(portStr) {
			fmt.Fprintf(os.Stderr, "Invalid port: %s\n", portStr)
			os.Exit(1)
		}
		if err := serve(portStr); err != nil {
			zap.S().Fatalf("Server failed: %v", err)
		}
	},
}

func serve(port string) error {
	cfg := config.Get()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = cfg.Auth.JWTSecret
	}
	if jwtSecret == "" {
		return errors.New("JWT_SECRET (or auth.jwt_secret) is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := server.InitDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	catalog, err := challenge.NewIndex(cfg.Deployer.ChallengeDir)
	if err != nil {
		return fmt.Errorf("load challenges: %w", err)
	}
	metrics.SetChallengesIndexed(catalog.CategoryCounts())
	zap.S().Infof("Indexed %d challenges from %s", len(catalog.All()), cfg.Deployer.ChallengeDir)

	keychains, err := hosts.Load(ctx, cfg.Deployer.HostKeychains, cfg.Deployer.VaultAddr)
	if err != nil {
		return fmt.Errorf("load host keychains: %w", err)
	}
	registry, err := hosts.NewRegistry(keychains)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			zap.S().Warnf("Failed to close host clients: %v", err)
		}
	}()
	zap.S().Infof("Loaded host keychains %v", registry.IDs())

	eng := engine.New(db, catalog, registry, config.GlobalProvider{})
	sched := scheduler.NewExpiryScheduler(db, eng, cfg.Deployer.Lookahead, zap.S())
	eng.SetExpiryNotifier(sched)
	zap.S().Infof("Instanced deployments live for %s", utils.FormatDuration(cfg.Deployer.InstanceTTL))

	prometheus.MustRegister(metrics.NewDeploymentCollector(db))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eng.RunReconciler(gctx, 0)
		return nil
	})

	var dispatcher worker.Dispatcher
	var drain func(context.Context) error
	if cfg.Redis.Addr != "" {
		queue, err := worker.NewQueue(worker.QueueConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, zap.S())
		if err != nil {
			return err
		}
		defer queue.Close()
		prometheus.MustRegister(metrics.NewQueueCollector(queue))

		pool := worker.NewPool(worker.PoolConfig{
			NumWorkers: cfg.Deployer.NumWorkers,
			MaxRetries: cfg.Deployer.MaxRetries,
			Queue:      queue,
			Handler:    eng,
			Logger:     zap.S(),
		})
		pool.Start(gctx)
		dispatcher = pool
		drain = func(context.Context) error {
			pool.Stop()
			return nil
		}
	} else {
		zap.S().Info("No Redis configured, running jobs in-process")
		local := worker.NewLocal(eng, zap.S())
		dispatcher = local
		drain = local.Wait
	}

	srv := server.NewServerWithOpts(server.ServerOpts{
		DB:             db,
		Catalog:        catalog,
		ConfigProvider: config.GlobalProvider{},
		Dispatcher:     dispatcher,
	})
	srv.StartScheduler(gctx, sched)

	e := newEcho(cfg, jwtSecret, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	api.RegisterHandlers(e, srv)

	g.Go(func() error {
		zap.S().Infof("Starting server on port %s", port)
		if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shutting down the server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.S().Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	runErr := g.Wait()

	waitCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()
	if err := drain(waitCtx); err != nil {
		zap.S().Errorf("Failed to drain jobs: %v", err)
	}
	if err := srv.Wait(waitCtx); err != nil {
		zap.S().Errorf("Failed to wait for scheduler shutdown: %v", err)
	}
	return runErr
}

func unauthenticated(c echo.Context) bool {
	p := c.Path()
	if p == "" {
		p = c.Request().URL.Path
	}
	return p == "/health" || p == "/metrics"
}

// newEcho builds the HTTP server with logging, metrics, rate limiting and
// JWT role checks. Handlers are registered by the caller.
func newEcho(cfg *config.Config, jwtSecret string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = server.HTTPErrorHandler

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogMethod:   true,
		LogRemoteIP: true,
		LogURI:      true,
		Skipper:     func(c echo.Context) bool { return c.Request().URL.Path == "/health" },
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.S().Infof("| %v | %v | %v | %v", v.RemoteIP, v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "nerine",
		Registerer: reg,
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: gatherer}))

	if cfg.API.RateLimit > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: unauthenticated,
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:  rate.Limit(cfg.API.RateLimit),
				Burst: cfg.API.RateBurst,
			}),
		}))
	}

	e.Use(echojwt.WithConfig(echojwt.Config{
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(auth.Claims)
		},
		SigningKey: []byte(jwtSecret),
		Skipper:    unauthenticated,
	}))
	e.Use(auth.RequireRole(unauthenticated, auth.RolePlatform, auth.RoleAdmin))
	return e
}

func validatePort(port string) bool {
	if port == "" {
		return false
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	if portInt < 1 || portInt > 65535 {
		return false
	}
	return true
}
