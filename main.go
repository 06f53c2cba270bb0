package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-session/internal/chat"
	"chat-session/internal/config"
	"chat-session/internal/db"
	grpcclient "chat-session/internal/grpc"
	"chat-session/internal/handlers"
	"chat-session/internal/identity"
	"chat-session/internal/middleware"
	"chat-session/internal/models"
	"chat-session/internal/moderation"
	"chat-session/internal/observability"
	"chat-session/internal/presence"
	"chat-session/internal/rabbitmq"
	"chat-session/internal/repositories"
	"chat-session/internal/rest"
	"chat-session/internal/telemetry"
	"chat-session/internal/transport"
	"chat-session/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("tracing shutdown failed: %v", err)
		}
	}()

	deps := chat.Dependencies{
		Transport:         cfg.Transport.Channel(),
		PollInterval:      cfg.PollInterval,
		SideEffectTimeout: cfg.SideEffectTimeout,
		Alerter: presence.AlerterFunc(func(delta int) {
			log.Printf("presence: %d new chat request(s)", delta)
		}),
		Directory:     rest.NewDirectoryClient(cfg.DirectoryURL, cfg.ChatURL, cfg.SessionToken, cfg.RESTTimeout),
		Notifications: rest.NewNotificationClient(cfg.NotificationURL, cfg.SessionToken, cfg.RESTTimeout),
		RequestCount:  rest.NewRequestClient(cfg.ChatURL, cfg.SessionToken, cfg.RESTTimeout),
	}

	sessionCtx, closeIdentity := resolveIdentity(ctx, cfg, &deps)
	defer closeIdentity()

	deps.Dialer = newDialer(cfg)

	history, closeHistory := newHistory(cfg)
	defer closeHistory()
	deps.History = history

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.ReportExchange)
	defer publisher.Close()
	log.Printf("moderation publisher mode=%s %s", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	deps.Reporter = moderation.NewReporter(publisher, cfg.ReportKey, cfg.ServiceName, cfg.Environment)

	session := chat.NewSession(sessionCtx, deps)
	if err := session.Start(ctx); err != nil {
		log.Fatalf("failed to start session: %v", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.RequestID())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		state := session.Channel.State()
		code := http.StatusOK
		if state != models.StateConnected {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": state})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api", middleware.SessionAuth(session.Context))
	handlers.NewSessionHandler(session, history).Register(api)
	handlers.RegisterDebugRoutes(api, session, cfg.DebugRoutes)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Printf("chat session participant=%s listening on :%s", session.Context.SelfID(), cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown failed: %v", err)
	}
	if err := session.Logout(); err != nil {
		log.Printf("session logout failed: %v", err)
	}
}

// resolveIdentity validates the session token against the identity service,
// or reads it locally when no service is configured.
func resolveIdentity(ctx context.Context, cfg config.Config, deps *chat.Dependencies) (models.SessionContext, func()) {
	if cfg.AuthGRPCAddr == "" {
		sc, err := identity.SessionFromToken(cfg.SessionToken)
		if err != nil {
			log.Fatalf("invalid session token: %v", err)
		}
		log.Printf("identity service not configured, using token claims participant=%s", sc.SelfID())
		return sc, func() {}
	}

	authConn, err := grpcclient.Dial(cfg.AuthGRPCAddr)
	if err != nil {
		log.Fatalf("failed to connect to auth grpc: %v", err)
	}
	closers := []func() error{authConn.Close}

	var users *grpcclient.UserClient
	if cfg.UserGRPCAddr != "" {
		userConn, err := grpcclient.Dial(cfg.UserGRPCAddr)
		if err != nil {
			log.Fatalf("failed to connect to user grpc: %v", err)
		}
		closers = append(closers, userConn.Close)
		users = grpcclient.NewUserClient(userConn)
		deps.UserLookup = users
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sc, err := grpcclient.NewAuthClient(authConn, users).ResolveSession(callCtx, cfg.SessionToken)
	if err != nil {
		log.Fatalf("failed to resolve session: %v", err)
	}
	return sc, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}

func newDialer(cfg config.Config) transport.Dialer {
	switch cfg.BrokerKind {
	case config.BrokerAMQP:
		return rabbitmq.NewDialer(cfg.AMQPURL, cfg.AMQPExchange)
	case config.BrokerMemory:
		log.Printf("using in-process broker; only this session will see its frames")
		return transport.NewMemoryBroker()
	default:
		return ws.NewDialer(cfg.BrokerURL)
	}
}

func newHistory(cfg config.Config) (repositories.HistoryRepository, func()) {
	switch cfg.HistoryBackend {
	case config.HistoryPostgres:
		database, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to db: %v", err)
		}
		return repositories.NewPostgresHistory(database), func() { _ = database.Close() }
	case config.HistoryRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return repositories.NewRedisHistory(rdb, cfg.RedisStreamLen), func() { _ = rdb.Close() }
	default:
		return repositories.NoopHistory{}, func() {}
	}
}
