// Command broker runs the development websocket broker that chat sessions
// connect to with BROKER_KIND=ws.
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
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-session/internal/config"
	grpcclient "chat-session/internal/grpc"
	"chat-session/internal/identity"
	"chat-session/internal/models"
	"chat-session/internal/observability"
	"chat-session/internal/telemetry"
	"chat-session/internal/ws"
)

func main() {
	cfg, err := config.LoadBroker()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "chat-broker", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup tracing: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	auth, closeAuth := newAuthenticator(cfg)
	defer closeAuth()

	hub := ws.NewHub()
	broker := ws.NewBrokerHandler(hub, auth)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-broker"))
	router.Use(observability.RequestID())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/ws", broker.Handle)
	router.GET("/online", broker.Online)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Printf("broker listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown failed: %v", err)
	}
}

// newAuthenticator prefers the identity service, then a shared JWT secret,
// then unverified token claims for local development.
func newAuthenticator(cfg config.BrokerConfig) (ws.Authenticator, func()) {
	if cfg.AuthGRPCAddr != "" {
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
		}
		return grpcclient.NewAuthClient(authConn, users), func() {
			for _, c := range closers {
				_ = c()
			}
		}
	}

	if cfg.JWTSecret != "" {
		secret := []byte(cfg.JWTSecret)
		return ws.AuthenticatorFunc(func(_ context.Context, token string) (models.Participant, error) {
			return identity.VerifyParticipant(token, secret)
		}), func() {}
	}

	log.Printf("broker auth: no identity service or jwt secret, trusting token claims")
	return ws.AuthenticatorFunc(func(_ context.Context, token string) (models.Participant, error) {
		sc, err := identity.SessionFromToken(token)
		if err != nil {
			return models.Participant{}, err
		}
		return sc.Self, nil
	}), func() {}
}
