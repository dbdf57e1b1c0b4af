package main

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

	"github.com/MicahParks/keyfunc"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"prism-sync/api"
	"prism-sync/changefeed"
	"prism-sync/storage"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded .env")
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("tracer shutdown")
		}
	}()

	logger := log.StandardLogger()

	backend, err := newBackend(logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := changefeed.NewBroker()
	var rc *redis.Client
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		ttl, err := envDur("CACHE_TTL", defaultCacheTTL)
		if err != nil {
			log.Fatal(err)
		}
		rc = redis.NewClient(redisOptions(redisConn))
		backend = storage.NewCache(backend, rc, ttl)
		log.WithField("ttl", ttl).Info("redis read cache enabled")
	}

	// Queued change events reach this instance through the Redis channel
	// fed by prism-sync-changes; otherwise writes notify watchers directly.
	if rc != nil && os.Getenv("CHANGES_QUEUE") != "" && envString("STORAGE_MODE", "azure") == "azure" {
		channel := envString("CHANGES_CHANNEL", changefeed.DefaultChannel)
		go changefeed.Listen(ctx, rc, channel, broker, logger)
		log.WithField("channel", channel).Info("listening for change events")
	} else {
		backend = changefeed.NewNotifying(backend, broker)
	}

	auth, err := newAuth()
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	bodyLimit, err := envInt("MAX_BODY_MB", 4)
	if err != nil {
		log.Fatal(err)
	}
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", bodyLimit)))
	e.Use(api.DecodeRequestBodies(logger))

	api.Register(e, backend, auth, logger)
	api.RegisterChanges(e, broker, auth, logger)

	listenAddr := ":" + envString("PORT", "8080")
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server shutdown")
		}
	}()

	log.WithField("addr", listenAddr).Info("prism-sync api listening")
	if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func newBackend(logger *log.Logger) (storage.Backend, error) {
	switch mode := envString("STORAGE_MODE", "azure"); mode {
	case "memory":
		log.Warn("using in-memory storage; data is lost on restart")
		return storage.NewMemory(), nil
	case "azure":
		cfg := storage.Config{
			ConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
			UsersTable:       envString("USERS_TABLE", "users"),
			TasksTable:       envString("TASKS_TABLE", "tasks"),
			ActivitiesTable:  envString("ACTIVITIES_TABLE", "activities"),
			ChangesQueue:     os.Getenv("CHANGES_QUEUE"),
			Logger:           logger,
		}
		if cfg.ConnectionString == "" {
			return nil, fmt.Errorf("missing STORAGE_CONNECTION_STRING")
		}
		return storage.New(cfg)
	default:
		return nil, fmt.Errorf("unknown STORAGE_MODE %q", mode)
	}
}

func newAuth() (*api.Auth, error) {
	cfg, err := authConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if len(cfg.SharedSecret) == 0 {
		domain := os.Getenv("AUTH0_DOMAIN")
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		cfg.JWKS = jwks
	}
	return api.NewAuth(cfg)
}
