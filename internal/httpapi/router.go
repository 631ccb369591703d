// Package httpapi serves a local read API over the progress store, with a
// server-sent event stream per job.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"taqeem-console/internal/httpapi/handler"
	"taqeem-console/internal/httpapi/middleware"
	"taqeem-console/internal/logger"
)

// Deps are the components the API reads from. Conn, Rooms and Events may be
// nil when the console runs without a live channel.
type Deps struct {
	Store     handler.ProgressStore
	Conn      handler.ConnectionStatus
	Rooms     handler.RoomLister
	Events    handler.EventCounter
	Log       *logger.Logger
	Origins   []string
	KeepAlive time.Duration
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Deps, mode string) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(deps.Log))
	r.Use(middleware.CORS(deps.Origins))

	healthHandler := handler.NewHealthHandler()
	progressHandler := handler.NewProgressHandler(deps.Store, deps.KeepAlive)
	connHandler := handler.NewConnectionHandler(deps.Conn, deps.Rooms, deps.Events)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/progress", progressHandler.List)
		v1.GET("/progress/:jobId", progressHandler.Get)
		v1.DELETE("/progress/:jobId", progressHandler.Delete)
		v1.GET("/progress/:jobId/stream", progressHandler.Stream)

		v1.GET("/connection", connHandler.Status)
	}

	return r
}
