package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"topshot-backend/internal/database"
	"topshot-backend/internal/service"
)

// New builds the HTTP server: public callback and health endpoints, the
// authenticated order API, and the admin surface.
func New(addr string, orders service.OrderService, callbacks service.CallbackService, db *sql.DB, logger *slog.Logger) *http.Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(logger))
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-User-ID", "X-User-Name", "X-User-Phone", "X-User-Email", "X-User-Admin"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(Identity())

	h := &orderHandler{orders: orders, callbacks: callbacks, logger: logger}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, database.Health(c.Request.Context(), db))
	})

	api := engine.Group("/api/orders")
	{
		// public: the gateway posts settlements here, unauthenticated
		api.POST("/mpesa/callback", h.mpesaCallback)

		authed := api.Group("", RequireAuth())
		{
			authed.POST("", h.createOrder)
			authed.GET("/my", h.listMyOrders)
			authed.GET("/:id", h.getOrder)
			authed.POST("/:id/retry", h.retryPayment)
			authed.POST("/:id/cancel", h.cancelOrder)
		}

		admin := api.Group("", RequireAdmin())
		{
			admin.GET("", h.listOrders)
			admin.PUT("/:id/status", h.updateFulfillment)
		}
	}

	return &http.Server{
		Addr:              ":" + addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
