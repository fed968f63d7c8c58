package imports

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/restaurant-ops/inventory/internal/mapping"
	"github.com/restaurant-ops/inventory/internal/scanning"
)

const identityContextKey = "identity"

// ServerOptions configures the HTTP surface
type ServerOptions struct {
	// AuthEnabled requires HTTP Basic credentials of a stored user on every
	// route but /health
	AuthEnabled bool
	// MaxUploadBytes caps the multipart body of POST /ocr-forms/process
	MaxUploadBytes int64
	// ProcessRate and ProcessBurst limit form uploads per client; a zero
	// rate disables the limit
	ProcessRate  rate.Limit
	ProcessBurst int
	// TrustedProxies are the proxy addresses or CIDRs whose X-Forwarded-For
	// header names the client. Empty means the socket peer is the client.
	TrustedProxies []string
	Version        string
}

// DefaultServerOptions returns the options used when none are configured
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		MaxUploadBytes: 10 << 20,
		ProcessRate:    rate.Every(6 * time.Second),
		ProcessBurst:   10,
		Version:        "dev",
	}
}

// Server handles HTTP requests for the intake pipeline and the review queue
type Server struct {
	service   *Service
	opts      ServerOptions
	engine    *gin.Engine
	limiter   *clientLimiter
	startedAt time.Time
}

// NewServer creates a new Server with a fresh gin engine
func NewServer(service *Service, opts ServerOptions) *Server {
	return NewServerWithEngine(service, opts, gin.New())
}

// NewServerWithEngine creates a new Server on a caller-provided engine for testing
func NewServerWithEngine(service *Service, opts ServerOptions, engine *gin.Engine) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultServerOptions().MaxUploadBytes
	}
	if err := engine.SetTrustedProxies(opts.TrustedProxies); err != nil {
		slog.Warn("Invalid trusted proxies, trusting none", "proxies", opts.TrustedProxies, "error", err)
		_ = engine.SetTrustedProxies(nil)
	}
	s := &Server{
		service:   service,
		opts:      opts,
		engine:    engine,
		startedAt: time.Now(),
	}
	if opts.ProcessRate > 0 {
		s.limiter = newClientLimiter(opts.ProcessRate, opts.ProcessBurst)
	}
	s.registerRoutes()
	return s
}

// registerRoutes registers all API routes on the server's engine
func (s *Server) registerRoutes() {
	s.engine.Use(gin.Recovery(), accessLog(), cors())

	// global middleware also runs here, so preflights for any path get a 204 from cors
	s.engine.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "not_found", "Route not found")
	})

	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/")
	api.Use(s.requireAuth())

	api.POST("/ocr-forms/process", s.rateLimit(), s.handleProcessForm)

	api.GET("/imports/pending", s.handleListPending)
	api.GET("/imports", s.handleListImports)
	api.GET("/imports/:id", s.handleGetImport)
	api.GET("/imports/:id/image", s.handleGetImportImage)
	api.POST("/imports/:id/approve", s.handleApprove)
	api.POST("/imports/:id/reject", s.handleReject)

	api.GET("/form-templates", s.handleListTemplates)
	api.GET("/form-templates/:type", s.handleGetTemplate)

	api.GET("/inventory/stock", s.handleStock)
}

// Handler returns the http.Handler serving every route
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// cors adds CORS headers to responses and answers preflight requests
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Max-Age", "3600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// accessLog logs every request through slog
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client", c.ClientIP(),
		}
		if id, ok := c.Get(identityContextKey); ok {
			attrs = append(attrs, "identity", id)
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			slog.Error("HTTP request", attrs...)
		default:
			slog.Info("HTTP request", attrs...)
		}
	}
}

// requireAuth checks HTTP Basic credentials against the stored users and
// records the caller's identity
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.opts.AuthEnabled {
			c.Set(identityContextKey, AnonymousIdentity)
			c.Next()
			return
		}

		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="Inventory"`)
			writeErrorCode(c, http.StatusUnauthorized, "unauthorized", "Authentication required")
			c.Abort()
			return
		}
		user, err := s.service.Authenticate(c.Request.Context(), username, password)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="Inventory"`)
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(identityContextKey, user.Username)
		c.Next()
	}
}

func identity(c *gin.Context) string {
	if v, ok := c.Get(identityContextKey); ok {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return AnonymousIdentity
}

// clientLimiter keeps one token bucket per client address
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const maxTrackedClients = 4096

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	// a bucket untouched for this long has refilled and equals a fresh one
	idle := time.Minute
	if limit > 0 && limit != rate.Inf {
		idle = max(idle, time.Duration(float64(burst)/float64(limit)*float64(time.Second)))
	}
	return &clientLimiter{
		limit:   limit,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		clients: make(map[string]*clientBucket),
	}
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			l.evict(now)
		}
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// evict drops refilled buckets. When every tracked client is still active
// the most recently seen one goes, so established clients keep their limits.
func (l *clientLimiter) evict(now time.Time) {
	var (
		newestKey string
		newest    time.Time
	)
	for key, b := range l.clients {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.clients, key)
			continue
		}
		if newestKey == "" || b.lastSeen.After(newest) {
			newestKey, newest = key, b.lastSeen
		}
	}
	if len(l.clients) >= maxTrackedClients {
		delete(l.clients, newestKey)
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.allow(c.ClientIP()) {
			writeErrorCode(c, http.StatusTooManyRequests, "rate_limited", "Too many uploads, please wait a moment and retry")
			c.Abort()
			return
		}
		c.Next()
	}
}

// errorStatus maps an error kind to its HTTP status and code
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, mapping.ErrUnknownTemplate):
		return http.StatusBadRequest, "unknown_template"
	case errors.Is(err, mapping.ErrMapping):
		return http.StatusUnprocessableEntity, "mapping_error"
	case errors.Is(err, scanning.ErrRecognition):
		return http.StatusUnprocessableEntity, "recognition_error"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, ErrPersistence):
		return http.StatusServiceUnavailable, "persistence_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError writes the JSON error body for err
func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)

	message := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		message = "The database is unavailable, please retry"
	case http.StatusInternalServerError:
		message = "Internal server error"
	case http.StatusUnauthorized:
		message = "Invalid username or password"
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.Request.URL.Path, "error", err)
	}
	writeErrorCode(c, status, code, message)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   code,
		"message": strings.TrimSpace(message),
	})
}
