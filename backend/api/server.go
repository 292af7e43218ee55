package api

import (
	"embed"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andi/barkest/backend/metrics"
	"github.com/andi/barkest/backend/models"
	"github.com/andi/barkest/backend/runner"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/template/html/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed templates/*.html
var templateFS embed.FS

// StatusPage is where a started task sends the browser
const StatusPage = "/status/current"

// HistoryStore defines the interface for reading task run history
type HistoryStore interface {
	List(name string, limit, offset int) ([]*models.TaskRun, error)
	Count(name string) (int, error)
}

// Options configures the HTTP server
type Options struct {
	Runner       *runner.Runner
	Registry     *runner.Registry
	History      HistoryStore
	AppLog       string // log file served by /api/logs
	LogDir       string // directory of the access log
	CookieName   string
	SessionTTL   time.Duration
	HistoryLimit int
	Version      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Server represents the HTTP API server
type Server struct {
	app      *fiber.App
	runner   *runner.Runner
	registry *runner.Registry
	history  HistoryStore
	sessions *session.Store
	wsHub    *WebSocketHub
	opts     Options
	logger   *slog.Logger
}

// New creates a new API server
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.CookieName == "" {
		opts.CookieName = "barkest_session"
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}

	views, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, err
	}
	engine := html.NewFileSystem(http.FS(views), ".html")

	app := fiber.New(fiber.Config{
		Views:                 engine,
		ErrorHandler:          errorHandler,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())

	// Access log goes to its own file, never to the console
	var accessLog io.Writer = io.Discard
	if opts.LogDir != "" {
		accessLogPath := filepath.Join(opts.LogDir, "access.log")
		f, err := os.OpenFile(accessLogPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			opts.Logger.Warn("failed to open access log, access logging disabled", "path", accessLogPath, "error", err)
		} else {
			accessLog = f
		}
	}
	app.Use(logger.New(logger.Config{
		Output: accessLog,
	}))
	app.Use(requestMetrics)

	server := &Server{
		app:      app,
		runner:   opts.Runner,
		registry: opts.Registry,
		history:  opts.History,
		sessions: session.New(session.Config{
			Expiration:     opts.SessionTTL,
			KeyLookup:      "cookie:" + opts.CookieName,
			CookieHTTPOnly: true,
			CookieSameSite: "Lax",
		}),
		wsHub:  NewWebSocketHub(opts.Logger),
		opts:   opts,
		logger: opts.Logger.With("component", "api"),
	}

	server.setupRoutes()
	return server, nil
}

// setupRoutes sets up all routes
func (s *Server) setupRoutes() {
	// Pages
	s.app.Get("/", s.renderIndex)
	s.app.Get(StatusPage, s.renderStatus)
	s.app.Post("/tasks/:name", s.startTaskForm)

	// API routes
	api := s.app.Group("/api")

	// Status polling
	api.Get("/status", s.getStatus)
	api.Get("/status/first", s.pollFirst)
	api.Get("/status/more", s.pollMore)
	api.Get("/status/completion", s.getCompletion)

	// Tasks
	api.Get("/tasks", s.listTasks)
	api.Get("/tasks/history", s.listHistory)
	api.Post("/tasks/:name", s.startTask)

	// Log viewer
	api.Get("/logs", s.listLogEntries)

	// Live tail
	s.app.Use("/ws", s.requireUpgrade)
	s.app.Get("/ws/status", s.HandleWebSocket)

	// Monitoring
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	s.app.Get("/health", s.health)
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the websocket hub fed by the status watcher
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.logger.Info("starting HTTP server", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.wsHub.Stop()
	return s.app.Shutdown()
}

// Error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// errorHandler handles fiber errors
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}

func requestMetrics(c *fiber.Ctx) error {
	err := c.Next()

	status := c.Response().StatusCode()
	var e *fiber.Error
	if errors.As(err, &e) {
		status = e.Code
	}
	metrics.HTTPRequests.WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(status)).Inc()
	return err
}

// sessionID returns the id of the caller's session, creating it and
// setting the cookie on first use
func (s *Server) sessionID(c *fiber.Ctx) (string, error) {
	sess, err := s.sessions.Get(c)
	if err != nil {
		return "", err
	}
	id := sess.ID()
	if sess.Fresh() {
		sess.Set("created_at", time.Now().Unix())
		if err := sess.Save(); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"version": s.opts.Version,
		"locked":  s.runner.Manager().Locked(),
	})
}
