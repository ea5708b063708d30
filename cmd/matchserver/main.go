// Command matchserver is the entry point for the matching-core API: the
// search/heartbeat HTTP surface, the SSE notification stream, the chat and
// call websocket namespaces, and the background matcher/presence/subscription
// schedulers, all wired to one shared Redis bus and Postgres database
// (spec.md §4, §6, §7).
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "github.com/lib/pq"

	"github.com/pairup/match-core/internal/v1/auth"
	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/config"
	"github.com/pairup/match-core/internal/v1/health"
	"github.com/pairup/match-core/internal/v1/httpapi"
	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/match"
	"github.com/pairup/match-core/internal/v1/middleware"
	"github.com/pairup/match-core/internal/v1/notify"
	"github.com/pairup/match-core/internal/v1/presence"
	"github.com/pairup/match-core/internal/v1/queue"
	"github.com/pairup/match-core/internal/v1/ratelimit"
	"github.com/pairup/match-core/internal/v1/roomstore"
	"github.com/pairup/match-core/internal/v1/scheduler"
	"github.com/pairup/match-core/internal/v1/socket"
	"github.com/pairup/match-core/internal/v1/sse"
	"github.com/pairup/match-core/internal/v1/store"
	"github.com/pairup/match-core/internal/v1/token"
)

func main() {
	envPaths := []string{".env", "../../.env", "../../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	if err := logging.Initialize(os.Getenv("GO_ENV") != "production"); err != nil {
		panic(err)
	}
	ctx := context.Background()

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(ctx, "invalid configuration: "+err.Error())
	}

	var redisSvc *bus.Service
	if cfg.RedisEnabled {
		redisSvc, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis: "+err.Error())
		}
		defer redisSvc.Close()
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logging.Fatal(ctx, "failed to open database: "+err.Error())
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logging.Fatal(ctx, "failed to ping database: "+err.Error())
	}

	// --- Relational repositories ---
	messages := store.NewMessageRepository(db)
	friendships := store.NewFriendshipRepository(db)
	notifications := store.NewNotificationRepository(db)
	subscriptions := store.NewSubscriptionRepository(db)
	pointsLedger := store.NewPointsLedger(db)
	calls := store.NewCallRepository(db)

	// --- Core domain collaborators ---
	rooms := roomstore.NewStore(db, redisSvc)
	states := presence.NewStore(redisSvc, pointsLedger)
	chatQueue := queue.NewStore(redisSvc, "chat")
	callQueue := queue.NewStore(redisSvc, "call")
	tokens := token.NewIssuer(cfg.JWTSecret)
	matcher := match.NewMatcher(rooms, states, tokens, friendships)
	notifySvc := notify.NewService(redisSvc, notifications)

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisSvc.Client())
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter: "+err.Error())
	}

	// --- Authentication ---
	skipAuth := os.Getenv("SKIP_AUTH") == "true"
	var authValidator auth.Validator
	if skipAuth {
		logging.Warn(ctx, "authentication disabled via SKIP_AUTH, do not use in production")
		authValidator = &auth.MockValidator{}
	} else {
		domain := os.Getenv("AUTH0_DOMAIN")
		audience := os.Getenv("AUTH0_AUDIENCE")
		if domain == "" || audience == "" {
			logging.Fatal(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH is not true")
		}
		authValidator, err = auth.NewValidator(ctx, domain, audience)
		if err != nil {
			logging.Fatal(ctx, "failed to build auth validator: "+err.Error())
		}
	}

	// --- Scheduler ---
	sched := scheduler.New(redisSvc, matcher, states, subscriptions,
		[]scheduler.Pool{
			{Name: "chat", Store: chatQueue, RoomType: roomstore.Chat},
			{Name: "call", Store: callQueue, RoomType: roomstore.Call},
		},
		scheduler.Config{
			MatchTickEvery:       time.Duration(cfg.MatchTickMs) * time.Millisecond,
			MatchLeaseTTL:        time.Duration(cfg.MatchLeaseTTLMs) * time.Millisecond,
			PresenceEvery:        time.Duration(cfg.PresenceSweepMs) * time.Millisecond,
			PresenceLeaseTTL:     time.Duration(cfg.PresenceLeaseTTLMs) * time.Millisecond,
			SubscriptionCron:     cfg.SubscriptionSweepCron,
			SubscriptionLeaseTTL: time.Duration(cfg.SubscriptionLeaseTTLMs) * time.Millisecond,
		})
	if err := sched.Start(); err != nil {
		logging.Fatal(ctx, "failed to start scheduler: "+err.Error())
	}
	defer sched.Stop()

	// --- Socket namespaces ---
	var subWg sync.WaitGroup
	chatNS := socket.NewChatNamespace(redisSvc, states, messages, friendships, notifySvc)
	callNS := socket.NewCallNamespace(redisSvc, calls, tokens, rateLimiter, friendships, notifySvc)
	chatNS.Subscribe(ctx, &subWg)
	callNS.Subscribe(ctx, &subWg)
	socketServer := socket.NewServer(tokens, chatNS, callNS)

	// --- HTTP server ---
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{cfg.FrontendURL})
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))
	router.Use(rateLimiter.GlobalMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(redisSvc, db, notifySvc)
	router.GET("/health", healthHandler.Summary)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	requireAuth := httpapi.RequireAuth(authValidator)
	httpHandler := httpapi.NewHandler(map[string]*queue.Store{"chat": chatQueue, "call": callQueue}, states)
	httpHandler.Register(router, requireAuth)

	sseHandler := sse.NewHandler(redisSvc, notifySvc)
	sseHandler.Register(router, requireAuth)

	socketServer.Register(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "matchserver starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed: "+err.Error())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down matchserver")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "server forced to shutdown: "+err.Error())
	}

	logging.Info(ctx, "matchserver exited")
}
