package delivery

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"support-chat-ws/internal/config"
	"support-chat-ws/internal/domain"
	"support-chat-ws/internal/lifecycle"
	"support-chat-ws/internal/metrics"
	"support-chat-ws/internal/registry"
	"support-chat-ws/internal/router"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const (
	localsEmployee = "employee"
	localsCustomer = "customer"
	localsShopID   = "shop_id"
)

// BackplaneStatus reports the state of this instance's backplane subscription.
type BackplaneStatus interface {
	InstanceID() string
	Connected() bool
}

type Dependencies struct {
	Store     domain.SessionStore
	Identity  domain.IdentityProvider
	Registry  *registry.Registry
	Router    *router.Router
	Lifecycle *lifecycle.Manager
	Presence  domain.Presence
	// PresenceTTL is the expiry of presence entries; connections refresh
	// theirs at half this interval.
	PresenceTTL time.Duration
	Backplane   BackplaneStatus
	Metrics     *metrics.Metrics
	Log         logrus.FieldLogger
}

type Server struct {
	config    *config.Config
	deps      Dependencies
	wsManager *WSManager
	log       logrus.FieldLogger
	app       *fiber.App
}

func NewServer(cfg *config.Config, deps Dependencies) *Server {
	s := &Server{
		config: cfg,
		deps:   deps,
		wsManager: NewWSManager(deps.Store, deps.Registry, deps.Router, deps.Lifecycle,
			deps.Presence, deps.PresenceTTL, deps.Metrics, deps.Log),
		log: deps.Log.WithField("component", "http"),
	}
	s.app = s.routes()
	return s
}

// App exposes the fiber application for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Support Chat WebSocket & REST Server",
		DisableStartupMessage: !s.config.IsDevelopment(),
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,Access-Control-Request-Method,Access-Control-Request-Headers",
		ExposeHeaders:    "Content-Length,Access-Control-Allow-Origin,Access-Control-Allow-Headers,Content-Type",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400, // 24 hours
	}

	// Set origins based on environment
	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
		s.log.Infof("CORS configured for production with origins: %s", corsConfig.AllowOrigins)
	} else {
		corsConfig.AllowOrigins = "*"
		corsConfig.AllowCredentials = false // Never allow credentials with wildcard origin
		s.log.Info("CORS configured for development with wildcard origin")
	}
	app.Use(cors.New(corsConfig))

	app.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(s.deps.Metrics.Handler()))
	}

	// REST API routes
	api := app.Group("/api")
	api.Post("/sessions", s.handleCreateSession)

	employee := api.Group("", s.requireEmployee)
	employee.Get("/shops/:shop_id/sessions/waiting", s.handleListWaiting)
	employee.Get("/sessions/:session_id", s.handleGetSession)
	employee.Get("/sessions/:session_id/messages", s.handleListMessages)
	employee.Put("/sessions/:session_id/assign", s.handleAssignSession)
	employee.Put("/sessions/:session_id/close", s.handleCloseSession)
	employee.Get("/sessions/:session_id/connection-status", s.handleGetSessionConnectionStatus)
	employee.Post("/announcements", s.handleAnnouncement)

	// WebSocket middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/employee/:employee_id", s.authorizeEmployeeUpgrade, websocket.New(func(c *websocket.Conn) {
		id, _ := c.Locals(localsEmployee).(domain.EmployeeIdentity)
		s.wsManager.HandleEmployee(c, id)
	}))

	app.Get("/ws/customer/:customer_email", s.resolveCustomerUpgrade, websocket.New(func(c *websocket.Conn) {
		customer, _ := c.Locals(localsCustomer).(*domain.Customer)
		shopID, _ := c.Locals(localsShopID).(int64)
		s.wsManager.HandleCustomer(c, customer, shopID)
	}))

	return app
}

func (s *Server) Start() error {
	s.log.Infof("Support chat server (WebSocket + REST) starting on port %s", s.config.Port)
	return s.app.Listen(":" + s.config.Port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	stats := s.deps.Registry.Stats()
	return c.JSON(fiber.Map{
		"status":              "ok",
		"message":             "Support chat server is running",
		"instance_id":         s.deps.Backplane.InstanceID(),
		"backplane_connected": s.deps.Backplane.Connected(),
		"port":                s.config.Port,
		"environment":         s.config.Environment,
		"connections": fiber.Map{
			"employees": stats.Employees,
			"customers": stats.Customers,
			"sessions":  stats.Sessions,
		},
	})
}

// authorizeEmployeeUpgrade verifies the employee credential before the
// websocket is opened. The token comes from the Authorization header or the
// token query parameter, since browsers cannot set headers on upgrades.
func (s *Server) authorizeEmployeeUpgrade(c *fiber.Ctx) error {
	credential := c.Get(fiber.HeaderAuthorization)
	if credential == "" {
		credential = c.Query("token")
	}

	id, err := s.deps.Identity.VerifyEmployee(c.UserContext(), credential)
	if err != nil {
		s.log.WithError(err).Warn("Refused employee connection")
		return errorResponse(c, err, "Invalid credentials")
	}

	pathID, err := strconv.ParseInt(c.Params("employee_id"), 10, 64)
	if err != nil || pathID != id.EmployeeID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success": false,
			"message": "Token does not match employee",
			"error":   domain.ErrUnauthorized.Error(),
		})
	}

	c.Locals(localsEmployee, id)
	return c.Next()
}

func (s *Server) resolveCustomerUpgrade(c *fiber.Ctx) error {
	email, err := url.PathUnescape(c.Params("customer_email"))
	if err != nil {
		email = c.Params("customer_email")
	}

	customer, err := s.deps.Identity.GetOrCreateCustomer(c.UserContext(), email)
	if err != nil {
		s.log.WithError(err).Warn("Refused customer connection")
		return errorResponse(c, err, "Invalid customer")
	}

	var shopID int64
	if raw := strings.TrimSpace(c.Query("shop_id")); raw != "" {
		shopID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Invalid shop ID",
				"error":   err.Error(),
			})
		}
	}

	c.Locals(localsCustomer, customer)
	c.Locals(localsShopID, shopID)
	return c.Next()
}
