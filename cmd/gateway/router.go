package main

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"assistant-relay/cmd/gateway/internal/handler"
	"assistant-relay/cmd/gateway/internal/middleware"
	"assistant-relay/pkg/logger"
	"assistant-relay/pkg/relay"
)

const (
	authRateLimit  = 20
	authRateWindow = time.Minute
)

type routerDeps struct {
	ServiceName    string
	AllowedOrigins []string
	BodyLimit      int64

	Relay    *relay.Relay
	Verifier middleware.Verifier
	Tokens   handler.TokenIssuer

	// optional; nil disables the dependent feature
	Users   handler.UserStore
	Cache   handler.Cache
	Billing handler.Billing
	Counter middleware.Counter

	Log *zap.Logger
}

func newRouter(d routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(logger.Gin(d.Log), logger.Recovery(d.Log))
	r.Use(cors.New(corsConfig(d.AllowedOrigins)))

	r.GET("/", handler.Root)
	r.GET("/health", handler.Health(d.ServiceName))

	authH := handler.NewAuthHandler(d.Users, d.Tokens, d.Cache, d.Log)
	chatH := handler.NewChatHandler(d.Relay)
	payH := handler.NewPaymentHandler(d.Billing, d.Users, d.Cache, d.Log)
	requireAuth := middleware.JwtAuth(d.Verifier)

	api := r.Group("/api")
	{
		// the signature covers the exact bytes, so no body limit or rewrite here
		api.POST("/payment/webhook", payH.Webhook)

		limited := api.Group("")
		limited.Use(middleware.BodyLimit(d.BodyLimit))

		authGroup := limited.Group("/auth")
		if d.Counter != nil {
			authGroup.Use(middleware.RateLimit(d.Counter, "auth", authRateLimit, authRateWindow, d.Log))
		}
		authGroup.POST("/register", authH.Register)
		authGroup.POST("/login", authH.Login)

		limited.GET("/me", requireAuth, authH.Me)
		limited.POST("/payment/create-checkout-session", requireAuth, payH.CreateCheckoutSession)

		// the relay session authenticates these itself
		limited.POST("/chat", chatH.Chat)
		limited.POST("/whisper", chatH.Whisper)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Stripe-Signature"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
