package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuihairu/infopopup/internal/audit/chain"
	"github.com/cuihairu/infopopup/internal/auth/rbac"
	"github.com/cuihairu/infopopup/internal/auth/token"
	"github.com/cuihairu/infopopup/internal/messages"
	"github.com/cuihairu/infopopup/internal/seen"
	"github.com/cuihairu/infopopup/internal/telemetry"
	"github.com/gin-gonic/gin"
)

const DefaultBasePath = "/InfoPopup"

type Config struct {
	Repo      *messages.Repository
	Ledger    *seen.Ledger
	Tokens    *token.Manager
	Policy    rbac.Policy
	Audit     *chain.Writer
	Telemetry *telemetry.Provider
	BasePath  string
	Logger    *slog.Logger
}

type Server struct {
	repo      *messages.Repository
	ledger    *seen.Ledger
	jwtMgr    *token.Manager
	rbac      rbac.Policy
	audit     *chain.Writer
	telemetry *telemetry.Provider
	metrics   *telemetry.PopupMetrics
	basePath  string
	logger    *slog.Logger

	mu      sync.RWMutex
	msgSubs map[chan struct{}]struct{}
	httpSrv *http.Server
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Repo == nil || cfg.Ledger == nil {
		return nil, errors.New("repository and ledger are required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token manager is required")
	}
	s := &Server{
		repo:      cfg.Repo,
		ledger:    cfg.Ledger,
		jwtMgr:    cfg.Tokens,
		rbac:      cfg.Policy,
		audit:     cfg.Audit,
		telemetry: cfg.Telemetry,
		basePath:  "/" + strings.Trim(cfg.BasePath, "/"),
		logger:    cfg.Logger,
		msgSubs:   make(map[chan struct{}]struct{}),
	}
	if s.basePath == "/" {
		s.basePath = DefaultBasePath
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.Telemetry != nil {
		s.metrics = cfg.Telemetry.Metrics
	}
	return s, nil
}

// Handler returns the full HTTP handler, traced when telemetry is configured.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.ginEngine()
	if s.telemetry != nil {
		h = s.telemetry.HTTPMiddleware(h)
	}
	return h
}

func (s *Server) ginEngine() *gin.Engine {
	r := gin.New()
	r.ContextWithFallback = true
	r.Use(s.ginReqID(), s.ginCORS(), s.ginLogger(), gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	s.registerMessageRoutes(r.Group(s.basePath))
	return r
}

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("http api listening", "addr", addr, "base_path", s.basePath)
	s.mu.Lock()
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpSrv
	s.mu.Unlock()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// gin middlewares
func (s *Server) ginCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		w := c.Writer
		r := c.Request
		allowOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS")) // e.g. "https://a.com,https://b.com" or "*"
		allowHeaders := strings.TrimSpace(os.Getenv("CORS_ALLOW_HEADERS"))
		allowMethods := strings.TrimSpace(os.Getenv("CORS_ALLOW_METHODS"))
		allowCreds := strings.EqualFold(strings.TrimSpace(os.Getenv("CORS_ALLOW_CREDENTIALS")), "true") || os.Getenv("CORS_ALLOW_CREDENTIALS") == "1"
		if allowHeaders == "" {
			allowHeaders = "Content-Type, Authorization, X-Request-ID"
		}
		if allowMethods == "" {
			allowMethods = "GET, POST, PUT, DELETE, OPTIONS"
		}
		origin := r.Header.Get("Origin")
		if allowOrigins == "*" || allowOrigins == "" {
			// credentials forbid the wildcard, echo the concrete origin instead
			if allowCreds && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
		} else if origin != "" {
			for _, o := range strings.Split(allowOrigins, ",") {
				if strings.TrimSpace(o) == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
		w.Header().Set("Access-Control-Allow-Methods", allowMethods)
		if allowCreds {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// ginReqID injects/propagates an X-Request-ID for traceability.
func (s *Server) ginReqID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.Request.Header.Get("X-Request-ID")
		if strings.TrimSpace(rid) == "" {
			b := make([]byte, 16)
			if _, err := rand.Read(b); err == nil {
				rid = hex.EncodeToString(b)
			} else {
				rid = fmt.Sprintf("%d", time.Now().UnixNano())
			}
		}
		c.Set("reqid", rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

func (s *Server) ginLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start)
		st := c.Writer.Status()
		lvl := slog.LevelInfo
		if st >= 500 {
			lvl = slog.LevelError
		} else if st >= 400 {
			lvl = slog.LevelWarn
		}
		user := c.GetString("user")
		rid, _ := c.Get("reqid")
		s.logger.Log(c, lvl, "http",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", st,
			"bytes", c.Writer.Size(),
			"remote", c.ClientIP(),
			"user", user,
			"reqid", rid,
			"dur_ms", dur.Milliseconds(),
		)
	}
}

// respondError sends a unified JSON error body.
func (s *Server) respondError(c *gin.Context, status int, code, message string) {
	type errBody struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	}
	rid, _ := c.Get("reqid")
	s.JSON(c, status, errBody{Code: code, Message: message, RequestID: fmt.Sprint(rid)})
	c.Abort()
}

// auth extracts the user id and roles from Authorization: Bearer <token>.
// EventSource cannot set headers, so a ?token= query parameter is accepted
// when allowQuery is set.
func (s *Server) auth(r *http.Request, allowQuery bool) (string, []string, bool) {
	tok := ""
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		tok = strings.TrimPrefix(authz, "Bearer ")
	} else if allowQuery {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return "", nil, false
	}
	user, roles, err := s.jwtMgr.Verify(tok)
	if err != nil {
		return "", nil, false
	}
	return user, roles, true
}

// identity is the caller as the message core sees it.
type identity struct {
	UserID  string
	IsAdmin bool
}

// require authenticates the request and, with admin set, demands the
// message management permission. On failure the error is written and ok is
// false.
func (s *Server) require(c *gin.Context, admin bool) (identity, bool) {
	user, roles, ok := s.auth(c.Request, false)
	if !ok {
		s.respondError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return identity{}, false
	}
	c.Set("user", user)
	id := identity{UserID: user, IsAdmin: s.rbac != nil && s.rbac.Can(user, roles, rbac.PermManageMessages)}
	if admin && !id.IsAdmin {
		s.respondError(c, http.StatusForbidden, "forbidden", "forbidden")
		return id, false
	}
	return id, true
}

// --- message SSE helpers ---
func (s *Server) msgAddSub() chan struct{} {
	ch := make(chan struct{}, 8)
	s.mu.Lock()
	s.msgSubs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) msgRemoveSub(ch chan struct{}) {
	s.mu.Lock()
	delete(s.msgSubs, ch)
	s.mu.Unlock()
	close(ch)
}

func (s *Server) msgNotify() {
	s.mu.RLock()
	for ch := range s.msgSubs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.RUnlock()
}

func (s *Server) auditLog(kind, actor, target string, meta map[string]string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(kind, actor, target, meta); err != nil {
		s.logger.Error("audit write failed", "kind", kind, "target", target, "error", err)
	}
}
