package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/essentialpopstar/powerd/internal/webhook"
	"github.com/essentialpopstar/powerd/pkg/power"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const authClaimsKey = "auth_claims"

// Server is the HTTP façade over the power service and webhook pipeline.
type Server struct {
	cfg    Config
	logger *zap.Logger
	router *gin.Engine
}

// NewServer validates the configuration and assembles the router.
func NewServer(cfg Config, service *power.Service, processor *webhook.Processor, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, fmt.Errorf("power service is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("webhook processor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:    logger,
		service:   service,
		processor: processor,
	}

	return &Server{
		cfg:    cfg,
		logger: logger,
		router: setupRouter(cfg, handler, sessionValidator),
	}, nil
}

// Router exposes the gin engine, primarily for tests.
func (server *Server) Router() *gin.Engine {
	return server.router
}

// Run serves until the context is cancelled, then drains gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("powerd listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/purchase-events", handler.handlePurchaseEvent)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(authClaimsKey))

	api.GET("/me/power", handler.handleGetPower)
	api.POST("/me/power/spend", handler.handleSpend)
	api.GET("/me/power/history", handler.handleHistory)

	admin := router.Group("/api/admin")
	admin.Use(adminKeyMiddleware(cfg.AdminKey))

	admin.GET("/power/config", handler.handleGetConfig)
	admin.PUT("/power/config", handler.handleUpdateConfig)
	admin.POST("/power/grant", handler.handleAdminGrant)
	admin.GET("/users/:userId/power", handler.handleAdminGetPower)
	admin.GET("/users/:userId/power/history", handler.handleAdminHistory)

	return router
}

func adminKeyMiddleware(adminKey string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		provided := ctx.GetHeader("X-Admin-Key")
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid admin key"))
			return
		}
		ctx.Next()
	}
}
