package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/xerrors"

	"github.com/mindfulware/companionapi/lib/dialogue"
)

const (
	eventBufferSize = 1024
	// How long Stop waits for in-flight requests before giving up.
	shutdownTimeout = 5 * time.Second
)

type ServerConfig struct {
	Logger  *slog.Logger
	Backend dialogue.Backend
	Port    int
	// AllowedHosts are hostnames (no ports) accepted in the Host header.
	// "*" allows all.
	AllowedHosts   []string
	AllowedOrigins []string
	// Clock drives reveal-delay timers; nil means the real clock.
	Clock quartz.Clock
	Auth  *AuthConfig
}

// Server exposes one dialogue session over HTTP + SSE.
type Server struct {
	logger     *slog.Logger
	api        huma.API
	router     chi.Router
	srv        *http.Server
	port       int
	dispatcher *dialogue.Dispatcher
	emitter    *EventEmitter
}

func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if cfg.Backend == nil {
		return nil, xerrors.New("backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	emitter := NewEventEmitter(clock, eventBufferSize)
	session := dialogue.NewSession(dialogue.SessionConfig{
		Clock:   clock,
		Emitter: emitter,
	})
	dispatcher := dialogue.NewDispatcher(session, dialogue.DispatcherConfig{
		Backend: cfg.Backend,
		Logger:  logger,
	})
	handler := NewSessionHandler(dispatcher, emitter, logger)

	router := chi.NewRouter()
	router.Use(hostCheckMiddleware(cfg.AllowedHosts))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.Auth != nil {
		router.Use(cfg.Auth.AuthMiddleware())
	}

	humaConfig := huma.DefaultConfig("companionapi", "1.0.0")
	humaConfig.Info.Description = "HTTP control API for a companion dialogue session"
	api := humachi.New(router, humaConfig)

	registerRoutes(api, handler)

	s := &Server{
		logger:     logger,
		api:        api,
		router:     router,
		port:       cfg.Port,
		dispatcher: dispatcher,
		emitter:    emitter,
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	return s, nil
}

func registerRoutes(api huma.API, handler *SessionHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/login",
		Summary:     "Log in and start a dialogue session",
	}, handler.Login)
	huma.Register(api, huma.Operation{
		OperationID: "createMessage",
		Method:      http.MethodPost,
		Path:        "/message",
		Summary:     "Submit one user turn",
	}, handler.CreateMessage)
	huma.Register(api, huma.Operation{
		OperationID: "getMessages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "Get the full transcript",
	}, handler.GetMessages)
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Get session status",
	}, handler.GetStatus)
	huma.Register(api, huma.Operation{
		OperationID: "toggleReflection",
		Method:      http.MethodPost,
		Path:        "/reflection",
		Summary:     "Toggle deep reflection mode",
	}, handler.ToggleReflection)
	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/logout",
		Summary:     "End the session",
	}, handler.Logout)
	sse.Register(api, huma.Operation{
		OperationID: "subscribeEvents",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Subscribe to transcript and status events",
	}, map[string]any{
		string(EventTypeMessageAppend): MessageAppendBody{},
		string(EventTypeStatusChange):  StatusChangeBody{},
	}, handler.SubscribeEvents)
}

// Dispatcher returns the dispatcher backing this server. Used by tests
// and by embedding callers.
func (s *Server) Dispatcher() *dialogue.Dispatcher {
	return s.dispatcher
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// GetOpenAPI returns the OpenAPI schema as YAML.
func (s *Server) GetOpenAPI() string {
	b, err := s.api.OpenAPI().YAML()
	if err != nil {
		data, jsonErr := json.Marshal(s.api.OpenAPI())
		if jsonErr != nil {
			return ""
		}
		return string(data)
	}
	return string(b)
}

// hostCheckMiddleware rejects requests whose Host header is not in the
// allow list. Ports are ignored during matching.
func hostCheckMiddleware(allowedHosts []string) func(http.Handler) http.Handler {
	allowAll := len(allowedHosts) == 0
	allowed := make(map[string]bool, len(allowedHosts))
	for _, host := range allowedHosts {
		if host == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(host)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowAll {
				next.ServeHTTP(w, r)
				return
			}
			host := r.Host
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			if !allowed[strings.ToLower(host)] {
				http.Error(w, "host not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
