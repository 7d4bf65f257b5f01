// Package channel holds the front ends: the HTTP API and the Telegram bot.
package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"uniq/internal/agent"
	"uniq/internal/config"
	"uniq/internal/domain"
	"uniq/internal/knowledge"
)

const (
	maxBodySize    = 1 << 20 // 1MB
	adminKeyHeader = "X-Admin-Key"
	requestIDKey   = "X-Request-ID"
)

// Authenticator issues and checks bearer tokens.
type Authenticator interface {
	Login(ctx context.Context, rollNo, password string) (string, domain.Student, error)
	Verify(ctx context.Context, token string) (domain.StudentContext, error)
	Logout(token string)
}

// StudentRegistry is the account store behind the admin routes.
type StudentRegistry interface {
	CreateStudent(ctx context.Context, st domain.Student) (domain.Student, error)
	ListStudents(ctx context.Context) ([]domain.Student, error)
}

// Answerer runs the question pipeline.
type Answerer interface {
	Answer(ctx context.Context, question string, student domain.StudentContext, sink agent.Sink) (agent.Answer, error)
}

// ResearchService runs the three research steps.
type ResearchService interface {
	Plan(ctx context.Context, query string) (domain.ResearchPlan, bool)
	Execute(ctx context.Context, query string, plan domain.ResearchPlan) ([]domain.WebSearchResult, error)
	Synthesize(ctx context.Context, query string, plan domain.ResearchPlan, results []domain.WebSearchResult, sink agent.Sink) (agent.StreamOutcome, error)
}

// KnowledgeUpdater runs ingestion cycles.
type KnowledgeUpdater interface {
	Update(ctx context.Context, req knowledge.UpdateRequest) (knowledge.UpdateReport, error)
}

// IndexStatter reports index contents for /status.
type IndexStatter interface {
	Stats() (knowledge.Stats, error)
}

// DocumentLocator resolves a citation file name to its path on disk.
type DocumentLocator interface {
	SourcePath(fileName string) (string, error)
}

// RequestLimiter throttles expensive routes per student.
type RequestLimiter interface {
	Allow(key string) bool
}

// PasswordHasher hashes initial passwords for registered students.
type PasswordHasher func(password string) (string, error)

// Web is the HTTP API.
type Web struct {
	host            string
	port            int
	adminKey        string
	allowedOrigins  []string
	shutdownTimeout time.Duration
	version         string

	auth         Authenticator
	students     StudentRegistry
	hashPassword PasswordHasher
	assistant    Answerer
	research     ResearchService // nil = research mode disabled
	knowledge    KnowledgeUpdater
	index        IndexStatter
	documents    DocumentLocator
	limiter      RequestLimiter // nil = unlimited
	metrics      http.Handler   // nil = no metrics endpoint
	metricsPath  string
	cfg          *config.Config

	logger  *slog.Logger
	server  *http.Server
	started time.Time
}

type WebConfig struct {
	Host            string
	Port            int
	AdminKey        string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	Version         string

	Auth         Authenticator
	Students     StudentRegistry
	HashPassword PasswordHasher
	Assistant    Answerer
	Research     ResearchService
	Knowledge    KnowledgeUpdater
	Index        IndexStatter
	Documents    DocumentLocator
	Limiter      RequestLimiter
	Metrics      http.Handler
	MetricsPath  string
	Config       *config.Config // served sanitized on /admin/config

	Logger *slog.Logger
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Web{
		host:            cfg.Host,
		port:            cfg.Port,
		adminKey:        cfg.AdminKey,
		allowedOrigins:  cfg.AllowedOrigins,
		shutdownTimeout: cfg.ShutdownTimeout,
		version:         cfg.Version,
		auth:            cfg.Auth,
		students:        cfg.Students,
		hashPassword:    cfg.HashPassword,
		assistant:       cfg.Assistant,
		research:        cfg.Research,
		knowledge:       cfg.Knowledge,
		index:           cfg.Index,
		documents:       cfg.Documents,
		limiter:         cfg.Limiter,
		metrics:         cfg.Metrics,
		metricsPath:     cfg.MetricsPath,
		cfg:             cfg.Config,
		logger:          cfg.Logger,
		started:         time.Now(),
	}
}

func (w *Web) Name() string { return "web" }

// Handler builds the route table wrapped in the recover, request-id and
// CORS middleware.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", w.handleLogin)
	mux.HandleFunc("GET /auth/me", w.requireAuth(w.handleMe))
	mux.HandleFunc("POST /auth/logout", w.requireAuth(w.handleLogout))

	mux.HandleFunc("POST /students/register", w.requireAdmin(w.handleRegister))
	mux.HandleFunc("GET /students", w.requireAdmin(w.handleListStudents))
	mux.HandleFunc("POST /update_knowledge_base", w.requireAdmin(w.handleUpdateKnowledge))
	mux.HandleFunc("GET /admin/config", w.requireAdmin(w.handleGetConfig))

	mux.HandleFunc("POST /chat/stream", w.requireAuth(w.throttle(w.handleChatStream)))

	mux.HandleFunc("POST /research/plan", w.requireResearch(w.throttle(w.handleResearchPlan)))
	mux.HandleFunc("POST /research/execute", w.requireResearch(w.throttle(w.handleResearchExecute)))
	mux.HandleFunc("POST /research/stream", w.requireResearch(w.throttle(w.handleResearchStream)))

	mux.HandleFunc("GET /documents/{filename}", w.handleDocument)
	mux.HandleFunc("GET /status", w.handleStatus)
	if w.metrics != nil {
		mux.Handle("GET "+w.metricsPath, w.metrics)
	}

	return w.recoverer(w.withRequestID(w.cors(mux)))
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (w *Web) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.logger.Info("http api started", "addr", "http://"+addr, "admin_key", w.adminKey != "", "research", w.research != nil)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
		defer cancel()
		if err := w.server.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("http shutdown", "error", err)
		}
	}()

	if err := w.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// --- middleware ---

type studentCtxKey struct{}

func studentFrom(ctx context.Context) domain.StudentContext {
	sc, _ := ctx.Value(studentCtxKey{}).(domain.StudentContext)
	return sc
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// requireAuth resolves the bearer token to a student or answers 401.
func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(rw, http.StatusUnauthorized, "Authentication required.")
			return
		}
		sc, err := w.auth.Verify(r.Context(), token)
		if err != nil {
			writeError(rw, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next(rw, r.WithContext(context.WithValue(r.Context(), studentCtxKey{}, sc)))
	}
}

// requireAdmin checks the admin key header. An unset key leaves the admin
// routes open.
func (w *Web) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if w.adminKey != "" {
			got := r.Header.Get(adminKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(w.adminKey)) != 1 {
				writeError(rw, http.StatusUnauthorized, "admin key required")
				return
			}
		}
		next(rw, r)
	}
}

// throttle applies the per-student limit. Requests without a resolved
// student are keyed by remote address.
func (w *Web) throttle(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if w.limiter != nil {
			key := r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			}
			if sc, ok := r.Context().Value(studentCtxKey{}).(domain.StudentContext); ok {
				key = "student:" + sc.RollNo
			}
			if !w.limiter.Allow(key) {
				rw.Header().Set("Retry-After", "60")
				writeError(rw, http.StatusTooManyRequests, "Too many requests, please wait a moment.")
				return
			}
		}
		next(rw, r)
	}
}

func (w *Web) requireResearch(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if w.research == nil {
			writeError(rw, http.StatusBadRequest, "Research mode is disabled")
			return
		}
		next(rw, r)
	}
}

func (w *Web) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if allowed := w.allowOrigin(origin); allowed != "" {
				h := rw.Header()
				h.Set("Access-Control-Allow-Origin", allowed)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+adminKeyHeader)
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				rw.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(rw, r)
	})
}

func (w *Web) allowOrigin(origin string) string {
	for _, o := range w.allowedOrigins {
		if o == "*" {
			return "*"
		}
		if strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func (w *Web) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDKey)
		if id == "" {
			id = uuid.NewString()
		}
		rw.Header().Set(requestIDKey, id)
		next.ServeHTTP(rw, r)
	})
}

func (w *Web) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				w.logger.Error("handler panic", "path", r.URL.Path, "panic", p, "stack", string(debug.Stack()))
				writeError(rw, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

// --- helpers ---

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// textStream prepares rw for a chunked text/plain response and returns a
// sink that writes and flushes every fragment. wrote reports whether any
// fragment went out.
func textStream(rw http.ResponseWriter, r *http.Request) (sink agent.Sink, wrote func() bool) {
	flusher, _ := rw.(http.Flusher)
	started := false
	sink = func(fragment string) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		if !started {
			rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
			rw.Header().Set("Cache-Control", "no-cache")
			rw.Header().Set("X-Content-Type-Options", "nosniff")
			rw.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(rw, fragment); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	return sink, func() bool { return started }
}

// --- status ---

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"version":  w.version,
		"time":     time.Now().Format(time.RFC3339),
		"uptime":   time.Since(w.started).Round(time.Second).String(),
		"research": w.research != nil,
	}
	if w.index != nil {
		stats, err := w.index.Stats()
		if err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
		} else {
			body["index"] = stats
		}
	}
	writeJSON(rw, http.StatusOK, body)
}
