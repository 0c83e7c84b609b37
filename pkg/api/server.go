package api

import (
	"fmt"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/kubestellar/cluster-proxy/pkg/api/handlers"
	"github.com/kubestellar/cluster-proxy/pkg/api/middleware"
	"github.com/kubestellar/cluster-proxy/pkg/catalog"
	"github.com/kubestellar/cluster-proxy/pkg/cluster"
	"github.com/kubestellar/cluster-proxy/pkg/k8s"
	"github.com/kubestellar/cluster-proxy/pkg/watch"
)

const shutdownTimeout = 5 * time.Second

// Config holds server configuration
type Config struct {
	Port        int
	DevMode     bool
	JWTSecret   string
	FrontendURL string
	// ProxyURL is the shared proxy endpoint advertised to the UI
	ProxyURL string
}

// Deps are the services the API exposes
type Deps struct {
	Registry    *cluster.Registry
	Manager     *k8s.Manager
	Catalog     catalog.Catalog
	Multiplexer *watch.Multiplexer
}

// Server represents the management API server
type Server struct {
	app    *fiber.App
	config Config
	deps   Deps
	hub    *handlers.Hub
}

// NewServer creates a new API server
func NewServer(cfg Config, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		ReadBufferSize:        16384,
		DisableStartupMessage: true,
	})

	server := &Server{
		app:    app,
		config: cfg,
		deps:   deps,
		hub:    handlers.NewHub(deps.Multiplexer, cfg.JWTSecret),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the watch hub
func (s *Server) Hub() *handlers.Hub {
	return s.hub
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
		Output:     log.StandardLogger().Writer(),
	}))

	if s.config.FrontendURL != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins:     s.config.FrontendURL,
			AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
			AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
			AllowCredentials: true,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"clusters":    len(s.deps.Registry.List()),
			"proxyUrl":    s.config.ProxyURL,
			"watchKeys":   len(s.deps.Multiplexer.Keys()),
			"connections": s.hub.ConnectionCount(),
		})
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.app.Group("/api", middleware.JWTAuth(s.config.JWTSecret))

	clusters := handlers.NewClusterHandlers(s.deps.Registry, s.deps.Manager, s.deps.Catalog, s.config.ProxyURL)
	api.Get("/clusters", clusters.ListClusters)
	api.Post("/clusters", clusters.AddCluster)
	api.Get("/clusters/stream", clusters.StreamClusters)
	api.Get("/clusters/:id", clusters.GetCluster)
	api.Delete("/clusters/:id", clusters.RemoveCluster)
	api.Put("/clusters/:id/preferences", clusters.UpdatePreferences)
	api.Post("/clusters/:id/connect", clusters.Connect)
	api.Post("/clusters/:id/disconnect", clusters.Disconnect)
	api.Post("/clusters/:id/refresh", clusters.Refresh)
	api.Get("/kubeconfig/contexts", clusters.ListContexts)

	api.Post("/network/offline", clusters.NetworkOffline)
	api.Post("/network/online", clusters.NetworkOnline)

	entities := handlers.NewCatalogHandlers(s.deps.Catalog)
	api.Get("/catalog/entities", entities.ListEntities)
	api.Put("/catalog/entities/:uid", entities.PutEntity)
	api.Delete("/catalog/entities/:uid", entities.DeleteEntity)

	// WebSocket authenticates with its first message
	s.app.Use("/ws", middleware.WebSocketUpgrade())
	s.app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		s.hub.HandleConnection(c)
	}))
}

// Start serves the API and blocks until the server stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.config.Port)
	log.Printf("[API] starting server on %s (dev=%v)", addr, s.config.DevMode)
	return s.app.Listen(addr)
}

// Shutdown closes WebSocket clients and stops the server
func (s *Server) Shutdown() error {
	s.hub.Close()
	return s.app.ShutdownWithTimeout(shutdownTimeout)
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": message,
	})
}
