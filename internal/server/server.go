// Package server is the HTTP face of the service: the device management
// endpoint the fleet posts to, the direct JSON update API, and the
// operational endpoints.
package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/danmuck/novadm/internal/dm"
	"github.com/danmuck/novadm/internal/observability"
)

// DMEndpoint is the POST path legacy handhelds have baked into firmware;
// it is not negotiable.
const DMEndpoint = "/palmcsext/swupdateserver"

// Server owns the router and the protocol engine behind it.
type Server struct {
	name       string
	addr       string
	packageDir string
	engine     *dm.Engine
	router     *gin.Engine
	logger     zerolog.Logger
	started    time.Time
}

// New builds the router with the standard middleware chain.
func New(name, addr, packageDir string, engine *dm.Engine, corsOrigins []string, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		name:       name,
		addr:       addr,
		packageDir: packageDir,
		engine:     engine,
		router:     r,
		logger:     logger,
		started:    time.Now(),
	}
}

// Router exposes the underlying engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Serve registers all routes and blocks on the listener.
func (s *Server) Serve() error {
	s.RegisterRoutes()
	return s.router.Run(s.addr)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
