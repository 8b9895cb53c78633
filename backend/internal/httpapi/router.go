package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"collabsync/backend/internal/httpapi/handlers"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/ws"
)

type RouterDeps struct {
	Documents      *handlers.DocumentHandler
	WS             *ws.Manager
	Auth           middleware.AuthOptions
	AllowedOrigins []string
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(d.AllowedOrigins) == 0 {
		corsCfg.AllowOrigins = []string{"http://localhost:3000"}
	} else {
		corsCfg.AllowOrigins = d.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/collab", middleware.AuthMiddleware(d.Auth))
	if d.WS != nil {
		api.GET("/ws", d.WS.WebSocketConnect)
	}
	if d.Documents != nil {
		d.Documents.Register(api)
	}
	return r
}
