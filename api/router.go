// Package api exposes the clearing service's operations (spec.md §6) over
// HTTP and WebSocket, grounded on the reference stack's api.APIServer
// (gorilla/mux subrouters, rs/cors, a JSON Response envelope, a logging
// middleware keyed on request_id). Routing policy and auth middleware
// ownership are explicitly out of scope for the core engine (spec.md §1);
// this package is the thin, replaceable surface around it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/voltgrid/clearing-engine/internal/clearing"
	appconfig "github.com/voltgrid/clearing-engine/internal/config"
	"github.com/voltgrid/clearing-engine/internal/domain"
	"github.com/voltgrid/clearing-engine/internal/ports"
	"github.com/voltgrid/clearing-engine/pkg/observability"
	"golang.org/x/time/rate"
)

// Config contains API server configuration.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	EnableCORS   bool
}

// Response is the standard API response envelope.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

type requestIDKey struct{}

// Server wires the HTTP/WebSocket surface onto a clearing.Service.
type Server struct {
	logger   *observability.Logger
	config   Config
	router   *mux.Router
	server   *http.Server
	engine   *clearing.Service
	hub      *ports.Hub
	limiters *ipRateLimiters
}

// NewServer constructs the router and binds every route named in spec.md §6.
func NewServer(logger *observability.Logger, config Config, engine *clearing.Service, hub *ports.Hub, rateLimit appconfig.RateLimitConfig) *Server {
	if config.Host == "" {
		config.Host = "0.0.0.0"
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		engine:   engine,
		hub:      hub,
		limiters: newIPRateLimiters(rateLimit),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	trading := s.router.PathPrefix("/api/trading").Subrouter()
	trading.HandleFunc("/orders", s.withLogging(s.handleSubmitOrder)).Methods("POST")
	trading.HandleFunc("/orders/{id}", s.withLogging(s.handleCancelOrder)).Methods("DELETE")

	market := s.router.PathPrefix("/api/market").Subrouter()
	market.HandleFunc("/book", s.withLogging(s.handleOrderBook)).Methods("GET")
	market.HandleFunc("/epochs/current", s.withLogging(s.handleCurrentEpoch)).Methods("GET")
	market.HandleFunc("/epochs/{id}", s.withLogging(s.handleGetEpoch)).Methods("GET")
	market.HandleFunc("/epochs", s.withLogging(s.handleListEpochs)).Methods("GET")
	market.HandleFunc("/epochs/{id}/stats", s.withLogging(s.handleMarketStats)).Methods("GET")

	admin := s.router.PathPrefix("/api/admin").Subrouter()
	admin.HandleFunc("/epochs/{id}/clear", s.withLogging(s.handleTriggerClearing)).Methods("POST")

	s.router.HandleFunc("/ws/market", s.hub.ServeHTTP)

	s.router.PathPrefix("/").Handler(http.FileServer(http.Dir("./web/dist/")))
}

// Start begins serving HTTP traffic in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var handler http.Handler = s.router
	if s.config.EnableCORS {
		c := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*", "Authorization"},
		})
		handler = c.Handler(s.router)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(ctx, "API server error", err)
		}
	}()

	s.logger.Info(ctx, "API server started", map[string]interface{}{"address": addr})
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.allow(r) {
			s.sendError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		start := time.Now()
		ctx := context.WithValue(r.Context(), requestIDKey{}, fmt.Sprintf("%d", start.UnixNano()))
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ctx = ports.WithRemoteAddr(ctx, host)
		r = r.WithContext(ctx)

		next.ServeHTTP(w, r)

		s.logger.Info(r.Context(), "API request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	}
}

// ipRateLimiters hands out a token-bucket limiter per client IP, grounded
// on the reference stack's RateLimitConfig (requests/minute + burst).
// Entries are created lazily and never evicted; a long-lived deployment
// would want an idle-reaper, out of scope here.
type ipRateLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
}

func newIPRateLimiters(cfg appconfig.RateLimitConfig) *ipRateLimiters {
	rps := cfg.RequestsPerMinute
	if rps <= 0 {
		rps = 600
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}
	return &ipRateLimiters{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(float64(rps) / 60),
		burst:   burst,
	}
}

func (l *ipRateLimiters) allow(r *http.Request) bool {
	if l == nil {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	l.mu.Lock()
	limiter, ok := l.buckets[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.buckets[host] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

func (s *Server) sendJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := Response{Success: statusCode < 400, Data: data, Timestamp: time.Now().UTC(), RequestID: requestID(r)}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error(r.Context(), "Failed to encode JSON response", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := Response{Success: false, Error: message, Timestamp: time.Now().UTC(), RequestID: requestID(r)}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error(r.Context(), "Failed to encode error response", err)
	}
}

func requestID(r *http.Request) string {
	if v, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, r, http.StatusOK, map[string]interface{}{"status": "healthy", "timestamp": time.Now().UTC()})
}

// errorStatus maps the domain error taxonomy (spec.md §7) onto HTTP
// status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrEpochNotActive):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEpochFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return auth
}

type submitOrderRequest struct {
	Side   string `json:"side"`
	Price  string `json:"price_per_kwh"`
	Energy string `json:"energy_amount"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	var side domain.Side
	switch req.Side {
	case "buy":
		side = domain.SideBuy
	case "sell":
		side = domain.SideSell
	default:
		s.sendError(w, r, http.StatusBadRequest, "side must be buy or sell")
		return
	}

	price, err := domain.NewAmountFromString(req.Price)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid price_per_kwh")
		return
	}
	energy, err := domain.NewAmountFromString(req.Energy)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid energy_amount")
		return
	}

	orderID, epochNumber, err := s.engine.SubmitOrder(r.Context(), bearerToken(r), side, price, energy)
	if err != nil {
		s.sendError(w, r, errorStatus(err), err.Error())
		return
	}

	s.sendJSON(w, r, http.StatusCreated, map[string]interface{}{
		"order_id":     orderID,
		"epoch_number": epochNumber,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid order id")
		return
	}
	if err := s.engine.CancelOrder(r.Context(), bearerToken(r), id); err != nil {
		s.sendError(w, r, errorStatus(err), err.Error())
		return
	}
	s.sendJSON(w, r, http.StatusOK, map[string]interface{}{"order_id": id, "status": "cancelled"})
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	depth := 20
	if v := r.URL.Query().Get("depth"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			depth = n
		}
	}
	s.sendJSON(w, r, http.StatusOK, s.engine.GetOrderBookSnapshot(depth))
}

func (s *Server) handleCurrentEpoch(w http.ResponseWriter, r *http.Request) {
	e := s.engine.GetCurrentEpoch()
	if e == nil {
		s.sendError(w, r, http.StatusNotFound, "no current epoch")
		return
	}
	s.sendJSON(w, r, http.StatusOK, e)
}

func (s *Server) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	if id, err := uuid.Parse(idStr); err == nil {
		e, err := s.engine.GetEpoch(r.Context(), id)
		if err != nil {
			s.sendError(w, r, errorStatus(err), err.Error())
			return
		}
		s.sendJSON(w, r, http.StatusOK, e)
		return
	}
	number, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "id must be a UUID or epoch_number")
		return
	}
	e, err := s.engine.GetEpochByNumber(r.Context(), number)
	if err != nil {
		s.sendError(w, r, errorStatus(err), err.Error())
		return
	}
	s.sendJSON(w, r, http.StatusOK, e)
}

func (s *Server) handleListEpochs(w http.ResponseWriter, r *http.Request) {
	limit, offset := 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	epochs, err := s.engine.ListEpochs(r.Context(), limit, offset)
	if err != nil {
		s.sendError(w, r, errorStatus(err), err.Error())
		return
	}
	s.sendJSON(w, r, http.StatusOK, epochs)
}

func (s *Server) handleMarketStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid epoch id")
		return
	}
	stats, err := s.engine.GetMarketStats(r.Context(), id)
	if err != nil {
		s.sendError(w, r, errorStatus(err), err.Error())
		return
	}
	s.sendJSON(w, r, http.StatusOK, stats)
}

func (s *Server) handleTriggerClearing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid epoch id")
		return
	}
	if err := s.engine.TriggerClearing(r.Context(), id); err != nil {
		s.sendError(w, r, errorStatus(err), err.Error())
		return
	}
	s.sendJSON(w, r, http.StatusOK, map[string]interface{}{"epoch_id": id, "status": "cleared"})
}
