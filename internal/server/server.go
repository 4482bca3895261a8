// Package server implements the worker's HTTP/SSE/WebSocket frontdoor:
// stateless transport, routing, bearer-token authentication, and SSE/
// WebSocket multiplexing over the job engine, thread projection, and
// terminal manager.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaykit/worker/internal/apierror"
	"github.com/relaykit/worker/internal/auth"
	"github.com/relaykit/worker/internal/cache"
	"github.com/relaykit/worker/internal/config"
	"github.com/relaykit/worker/internal/jobengine"
	"github.com/relaykit/worker/internal/push"
	"github.com/relaykit/worker/internal/terminal"
	"github.com/relaykit/worker/internal/threadprojection"
)

// maxJSONBodyBytes bounds request bodies per spec.md §4.6 ("request body
// limited to 1 MiB for JSON").
const maxJSONBodyBytes = 1 << 20

// Server is the HTTP server for the worker.
type Server struct {
	cfg          *config.Config
	log          *slog.Logger
	httpServer   *http.Server
	jwtValidator *auth.JWTValidator

	engine     *jobengine.Engine
	projector  *threadprojection.Projector
	terminals  *terminal.Manager
	dispatcher *push.Dispatcher
	store      *cache.Store

	done chan struct{}
}

// Deps collects the already-constructed components New wires into routes.
type Deps struct {
	Engine     *jobengine.Engine
	Projector  *threadprojection.Projector
	Terminals  *terminal.Manager
	Dispatcher *push.Dispatcher
	Store      *cache.Store
	Logger     *slog.Logger
}

// New constructs a Server and its HTTP handler tree. It does not start
// listening; call Start for that.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var jwtValidator *auth.JWTValidator
	if cfg.JWKSEndpoint != "" {
		v, err := auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("create JWT validator: %w", err)
		}
		jwtValidator = v
	}

	s := &Server{
		cfg:          cfg,
		log:          logger.With("component", "frontdoor"),
		jwtValidator: jwtValidator,
		engine:       deps.Engine,
		projector:    deps.Projector,
		terminals:    deps.Terminals,
		dispatcher:   deps.Dispatcher,
		store:        deps.Store,
		done:         make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally left at zero: SSE and WebSocket
	// connections are long-lived and a write deadline set on the underlying
	// net.Conn before the handler runs would kill them after the timeout.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(s.authMiddleware(mux), cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// setupRoutes registers the exact route table of spec.md §6.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /v1/projects", s.handleListProjects)

	mux.HandleFunc("POST /v1/threads", s.handleCreateThread)
	mux.HandleFunc("GET /v1/threads", s.handleListThreads)
	mux.HandleFunc("POST /v1/threads/{id}/activate", s.handleActivateThread)
	mux.HandleFunc("POST /v1/threads/{id}/archive", s.handleArchiveThread)
	mux.HandleFunc("POST /v1/threads/{id}/unarchive", s.handleUnarchiveThread)
	mux.HandleFunc("POST /v1/threads/{id}/export", s.handleExportThread)
	mux.HandleFunc("POST /v1/threads/import", s.handleImportThread)
	mux.HandleFunc("GET /v1/threads/{id}/events", s.handleThreadEvents)
	mux.HandleFunc("POST /v1/threads/{id}/turns", s.handleStartTurn)

	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobEvents)
	mux.HandleFunc("POST /v1/jobs/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)

	mux.HandleFunc("POST /v1/push/devices/register", s.handleRegisterPushDevice)
	mux.HandleFunc("POST /v1/push/devices/unregister", s.handleUnregisterPushDevice)

	mux.HandleFunc("GET /v1/threads/{id}/terminal", s.handleTerminalState)
	mux.HandleFunc("POST /v1/threads/{id}/terminal/open", s.handleOpenTerminal)
	mux.HandleFunc("POST /v1/terminals/{id}/resize", s.handleResizeTerminal)
	mux.HandleFunc("POST /v1/terminals/{id}/close", s.handleCloseTerminal)
	mux.HandleFunc("GET /v1/terminals/{id}/stream", s.handleTerminalStream)
}

// Start begins serving. It blocks until the listener stops; callers
// typically run it in a goroutine and use Stop to shut down.
func (s *Server) Start() error {
	s.log.Info("frontdoor listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down, stopping background components in the order
// the teacher's Server.Stop closes dependent resources: signal goroutines,
// stop the terminal manager, flush the push dispatcher, close the cache
// store, then shut down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)

	if s.terminals != nil {
		s.terminals.Stop()
	}
	if s.dispatcher != nil {
		s.dispatcher.Shutdown()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("failed to close cache store", "error", err)
		}
	}
	if s.jwtValidator != nil {
		s.jwtValidator.Close()
	}

	return s.httpServer.Shutdown(ctx)
}

// authMiddleware enforces bearer-token auth on every path except /health.
// It accepts either an exact match against the configured static token or,
// when JWKS is configured, a valid JWT.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			renderError(w, apierror.New(apierror.CodeUnauthorized, "missing bearer token"))
			return
		}

		if s.cfg.BearerToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.BearerToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		if s.jwtValidator != nil {
			if _, err := s.jwtValidator.Validate(token); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		renderError(w, apierror.New(apierror.CodeUnauthorized, "invalid bearer token"))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

// corsMiddleware adds CORS headers, supporting wildcard subdomain patterns
// like "https://*.example.com".
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
		if strings.Contains(o, "*.") && matchWildcardOrigin(origin, o) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern, e.g.
// "https://*.example.com" matches "https://foo.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// readJSON decodes a request body into v, bounding it to maxJSONBodyBytes
// and rejecting malformed JSON with the spec's taxonomy codes.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if err.Error() == "http: request body too large" {
			return apierror.New(apierror.CodePayloadTooLarge, "request body exceeds 1 MiB")
		}
		return apierror.New(apierror.CodeInvalidJSON, fmt.Sprintf("invalid JSON body: %v", err))
	}
	if _, err := dec.Token(); err != io.EOF {
		return apierror.New(apierror.CodeInvalidJSON, "body must contain exactly one JSON value")
	}
	return nil
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// renderError renders err as {error:{code,message}}, using apierror's status
// mapping when err is a *apierror.Error and 500/INTERNAL otherwise.
func renderError(w http.ResponseWriter, err error) {
	code := apierror.CodeInternal
	msg := err.Error()
	if ae, ok := err.(*apierror.Error); ok {
		code = ae.Code
		msg = ae.Message
	}
	var body errorBody
	body.Error.Code = code
	body.Error.Message = msg
	writeJSON(w, apierror.StatusFor(code), body)
}
