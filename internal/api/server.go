// Package api provides the HTTP and WebSocket admin surface: account
// registration/login, the order log, and strategy control, alongside a
// live event stream over WebSocket and a Prometheus /metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Pranav0209/trade-replicator/internal/accountdir"
	"github.com/Pranav0209/trade-replicator/internal/broker"
	"github.com/Pranav0209/trade-replicator/internal/orchestrator"
	"github.com/Pranav0209/trade-replicator/internal/orderlog"
	"github.com/Pranav0209/trade-replicator/internal/strategystate"
	"github.com/Pranav0209/trade-replicator/pkg/types"
)

// Server is the admin HTTP/WebSocket server.
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub

	dir    *accountdir.Directory
	state  *strategystate.Store
	orders *orderlog.Log
	orch   *orchestrator.Orchestrator
	broker broker.Client
}

// NewServer creates the admin API server, wiring it to the engine's
// components. Callers must run Hub() in its own goroutine before Start.
func NewServer(
	logger *zap.Logger,
	config *types.ServerConfig,
	dir *accountdir.Directory,
	state *strategystate.Store,
	orders *orderlog.Log,
	orch *orchestrator.Orchestrator,
	client broker.Client,
) *Server {
	s := &Server{
		logger: logger.Named("api"),
		config: config,
		router: mux.NewRouter(),
		hub:    NewHub(logger.Named("api.hub")),
		dir:    dir,
		state:  state,
		orders: orders,
		orch:   orch,
		broker: client,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	orders.OnAppend(func(entry types.OrderLogEntry) {
		s.hub.BroadcastOrderLogEntry(entry)
	})
	state.OnChange(func(snap types.StrategyStateSnapshot) {
		s.hub.BroadcastStrategyState(snap)
	})

	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub, so callers can run it and feed it
// broadcasts from the replicator.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/accounts/register", s.handleRegisterAccount).Methods("POST")
	s.router.HandleFunc("/api/v1/accounts/login", s.handleLogin).Methods("GET")
	s.router.HandleFunc("/api/v1/accounts/callback", s.handleCallback).Methods("GET")
	s.router.HandleFunc("/api/v1/accounts", s.handleListAccounts).Methods("GET")
	s.router.HandleFunc("/api/v1/accounts/{id}/cap", s.handleUpdateCap).Methods("PATCH")

	s.router.HandleFunc("/api/v1/orders", s.handleListOrders).Methods("GET")

	s.router.HandleFunc("/api/v1/strategy/reset", s.handleStrategyReset).Methods("POST")
	s.router.HandleFunc("/api/v1/strategy", s.handleStrategySnapshot).Methods("GET")

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)

	if s.config.EnableMetrics {
		s.router.Handle(s.config.MetricsPath, promhttp.Handler()).Methods("GET")
	}
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting admin API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying mux router, for tests that prefer
// httptest.NewServer over Start/Stop.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// registerAccountRequest is the register endpoint's request body.
type registerAccountRequest struct {
	AccountID       string          `json:"account_id"`
	Role            types.AccountRole `json:"role"`
	BrokerKey       string          `json:"broker_key"`
	BrokerSecret    string          `json:"broker_secret"`
	Capital         string          `json:"capital"`
	MaxCapitalUsage string          `json:"max_capital_usage"`
}

func (s *Server) handleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == "" || (req.Role != types.RoleMaster && req.Role != types.RoleChild) {
		s.writeError(w, http.StatusBadRequest, "account_id and role (master|child) are required")
		return
	}

	capital, maxUsage, err := parseDecimalPair(req.Capital, req.MaxCapitalUsage)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account := types.Account{
		AccountID:       req.AccountID,
		Role:            req.Role,
		BrokerKey:       req.BrokerKey,
		BrokerSecret:    req.BrokerSecret,
		Status:          types.StatusPending,
		Capital:         capital,
		MaxCapitalUsage: maxUsage,
	}
	if err := s.dir.Register(account); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, account.Redacted())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		s.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if _, ok, err := s.dir.Lookup(accountID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !ok {
		s.writeError(w, http.StatusNotFound, "account not found")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"login_url": s.broker.LoginURL(accountID),
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	requestToken := r.URL.Query().Get("request_token")
	if accountID == "" || requestToken == "" {
		s.writeError(w, http.StatusBadRequest, "account_id and request_token are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	accessToken, err := s.broker.ExchangeToken(ctx, requestToken)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("exchanging request token: %v", err))
		return
	}

	margins, err := s.broker.Margins(ctx, accessToken)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("fetching margins: %v", err))
		return
	}

	if err := s.dir.UpdateCredentials(accountID, accessToken, types.Account{Capital: margins.Equity()}); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	account, _, _ := s.dir.Lookup(accountID)
	s.hub.Broadcast(MsgTypeAccountUpdate, account.Redacted())

	s.writeJSON(w, http.StatusOK, account.Redacted())
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.dir.All()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

type updateCapRequest struct {
	MaxCapitalUsage string `json:"max_capital_usage"`
}

func (s *Server) handleUpdateCap(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	var req updateCapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	maxUsage, err := decimalFromString(req.MaxCapitalUsage)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.dir.UpdateCapLimit(accountID, types.Account{MaxCapitalUsage: maxUsage}); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	account, _, _ := s.dir.Lookup(accountID)
	s.writeJSON(w, http.StatusOK, account.Redacted())
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	childID := r.URL.Query().Get("child_id")
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	entries, err := s.orders.ForChild(childID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": entries,
		"count":  len(entries),
	})
}

func (s *Server) handleStrategySnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.state.Snapshot()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// handleStrategyReset clears the durable strategy state and requests a
// clean re-hydration on the orchestrator's next tick, for an operator to
// recover from a state the engine cannot reconcile on its own.
func (s *Server) handleStrategyReset(w http.ResponseWriter, r *http.Request) {
	if err := s.state.Clear(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.orch.RequestReset()

	snapshot, _ := s.state.Snapshot()
	s.hub.BroadcastStrategyState(snapshot)

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func parseDecimalPair(capital, maxUsage string) (c, m decimal.Decimal, err error) {
	c, err = decimalFromString(capital)
	if err != nil {
		return c, m, fmt.Errorf("capital: %w", err)
	}
	m, err = decimalFromString(maxUsage)
	if err != nil {
		return c, m, fmt.Errorf("max_capital_usage: %w", err)
	}
	return c, m, nil
}

// decimalFromString parses s as a decimal, treating an empty string as
// zero rather than an error — most of the admin API's decimal fields are
// optional.
func decimalFromString(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
