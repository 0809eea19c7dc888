package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
	"github.com/flamingrickpat/kektrade/pkg/storage"
)

// Server serves recorded run history over REST and live snapshots over
// WebSocket. It only reads from the store.
type Server struct {
	store  storage.Reader
	router *mux.Router
	hub    *Hub
	logger *zap.SugaredLogger
}

func NewServer(store storage.Reader, hub *Hub, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{
		store:  store,
		router: mux.NewRouter(),
		hub:    hub,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/subaccounts", s.handleListSubaccounts).Methods("GET")
	api.HandleFunc("/subaccounts/{id}", s.handleGetSubaccount).Methods("GET")
	api.HandleFunc("/subaccounts/{id}/wallets", s.handleGetWallets).Methods("GET")
	api.HandleFunc("/subaccounts/{id}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/subaccounts/{id}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/subaccounts/{id}/executions", s.handleGetExecutions).Methods("GET")
	api.HandleFunc("/subaccounts/{id}/summary", s.handleGetSummary).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// handleListSubaccounts accepts ?trial=true|false to filter optimizer trials.
func (s *Server) handleListSubaccounts(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.Subaccounts()
	if err != nil {
		s.internalError(w, err)
		return
	}

	filter := r.URL.Query().Get("trial")
	response := make([]SubaccountInfo, 0, len(subs))
	for _, sub := range subs {
		if filter != "" && strconv.FormatBool(sub.Trial) != filter {
			continue
		}
		response = append(response, toSubaccountInfo(sub))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetSubaccount(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, toSubaccountInfo(sub))
}

func (s *Server) handleGetWallets(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}
	records, err := s.store.Wallets(sub.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	records = tail(records, limit(r))
	response := make([]WalletInfo, len(records))
	for i, rec := range records {
		response[i] = toWalletInfo(rec.Timestamp, rec.Wallet)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}
	records, err := s.store.Positions(sub.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	records = tail(records, limit(r))
	response := make([]PositionInfo, len(records))
	for i, rec := range records {
		response[i] = toPositionInfo(rec.Timestamp, rec.Position)
	}
	respondJSON(w, response)
}

// handleGetOrders accepts ?snapshots=false to return only order events.
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}
	records, err := s.store.Orders(sub.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	withSnapshots := r.URL.Query().Get("snapshots") != "false"
	response := make([]OrderInfo, 0, len(records))
	for _, rec := range records {
		if rec.Snapshot && !withSnapshots {
			continue
		}
		response = append(response, toOrderInfo(rec))
	}
	respondJSON(w, tail(response, limit(r)))
}

func (s *Server) handleGetExecutions(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}
	execs, err := s.store.Executions(sub.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	execs = tail(execs, limit(r))
	response := make([]ExecutionInfo, len(execs))
	for i, x := range execs {
		response[i] = toExecutionInfo(x)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}
	wallets, err := s.store.Wallets(sub.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	execs, err := s.store.Executions(sub.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	respondJSON(w, summarize(sub, wallets, execs))
}

// summarize reduces a subaccount's history. Drawdown is measured on the
// margin balance, so open losses count.
func summarize(sub storage.Subaccount, wallets []storage.WalletRecord, execs []exchange.Execution) Summary {
	out := Summary{
		Subaccount:   sub.ID,
		FinalBalance: money(sub.FinalBalance),
		Executions:   make(map[string]int),
		Snapshots:    len(wallets),
	}

	var peak, maxDD float64
	for i, rec := range wallets {
		v := rec.Wallet.MarginBalance
		if i == 0 || v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	out.MaxDrawdown = money(maxDD)
	if len(wallets) > 0 {
		first, last := wallets[0].Wallet, wallets[len(wallets)-1].Wallet
		out.InitialBalance = money(first.Deposit)
		out.FinalBalance = money(last.AccountBalance)
		out.RealizedPnL = money(last.TotalRealizedPnL)
	} else {
		out.InitialBalance = money(0)
		out.RealizedPnL = money(0)
	}

	var fees float64
	for _, x := range execs {
		out.Executions[x.Type.String()]++
		fees += x.FeeCost
	}
	out.Fees = money(fees)
	return out
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (storage.Subaccount, bool) {
	id := mux.Vars(r)["id"]
	subs, err := s.store.Subaccounts()
	if err != nil {
		s.internalError(w, err)
		return storage.Subaccount{}, false
	}
	for _, sub := range subs {
		if sub.ID == id {
			return sub, true
		}
	}
	respondError(w, http.StatusNotFound, "subaccount not found", id)
	return storage.Subaccount{}, false
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Errorw("api_store_failed", "err", err)
	respondError(w, http.StatusInternalServerError, "store error", err.Error())
}

// limit parses ?limit=N; zero or invalid means everything.
func limit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// tail returns the last n elements of xs, or all of them when n is 0.
func tail[T any](xs []T, n int) []T {
	if n == 0 || n >= len(xs) {
		return xs
	}
	return xs[len(xs)-n:]
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
