// Package orchestrator implements the HTTP/WebSocket surface: gorilla/mux
// routing, rs/cors for browser access, respondJSON/respondError helpers,
// and a /ws upgrade wired to the same Hub used for event publication.
package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/web3guy0/spotx/internal/apperr"
	"github.com/web3guy0/spotx/internal/asset"
	"github.com/web3guy0/spotx/internal/audit"
	"github.com/web3guy0/spotx/internal/balance"
	"github.com/web3guy0/spotx/internal/events"
	"github.com/web3guy0/spotx/internal/money"
	"github.com/web3guy0/spotx/internal/order"
	"github.com/web3guy0/spotx/internal/orchestrator/authstub"
	"github.com/web3guy0/spotx/internal/store"
)

// InitialUSDBalance, InitialBTC, and InitialETH are the seed values
// assigned to every newly registered user.
var (
	InitialUSDBalance = money.MustParse("10000.00000000")
	InitialBTC        = money.MustParse("1.00000000")
	InitialETH        = money.MustParse("10.00000000")
)

// Server wires the engine's services to an HTTP router.
type Server struct {
	store  *store.Store
	orders *order.Service
	hub    *events.Hub
	tokens *authstub.TokenStore
	router *mux.Router
	txTime time.Duration
}

// New builds a Server and registers all routes.
func New(s *store.Store, orders *order.Service, hub *events.Hub, tokens *authstub.TokenStore, txTimeout time.Duration) *Server {
	srv := &Server{store: s, orders: orders, hub: hub, tokens: tokens, router: mux.NewRouter(), txTime: txTimeout}
	srv.setupRoutes()
	return srv
}

// Handler returns the CORS-wrapped router ready to pass to http.Server.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/login", s.handleLogin).Methods("POST")

	authed := api.PathPrefix("").Subrouter()
	authed.Use(s.requireAuth)
	authed.HandleFunc("/logout", s.handleLogout).Methods("POST")
	authed.HandleFunc("/me", s.handleMe).Methods("GET")
	authed.HandleFunc("/profile", s.handleProfile).Methods("GET")
	authed.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	authed.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	authed.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	authed.HandleFunc("/orderbook", s.handleOrderbook).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// ===================== Auth middleware & context =====================

type ctxKey int

const userIDKey ctxKey = 0

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authz, "Bearer ")
		if token == "" || token == authz {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, ok := s.tokens.UserID(token)
		if !ok {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFromContext(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

// ===================== Register / Login / Logout / Me =====================

type registerRequest struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

type userView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		respondError(w, http.StatusUnprocessableEntity, "name, email, and password are required")
		return
	}
	if req.Password != req.PasswordConfirmation {
		respondError(w, http.StatusUnprocessableEntity, "password confirmation does not match")
		return
	}

	hash, err := authstub.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	u := store.User{
		ID:           "user_" + uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		Balance:      InitialUSDBalance,
	}

	err = s.store.WithTx(r.Context(), s.txTime, func(tx *gorm.DB) error {
		if err := tx.Create(&u).Error; err != nil {
			return apperr.Wrap(apperr.ValidationError, "email already registered", err)
		}
		if err := asset.Credit(tx, u.ID, money.BTC, InitialBTC); err != nil {
			return err
		}
		if err := asset.Credit(tx, u.ID, money.ETH, InitialETH); err != nil {
			return err
		}
		audit.Log(tx, audit.Entry{UserID: u.ID, Action: "REGISTER", EntityKind: "user", EntityID: u.ID, IP: r.RemoteAddr})
		return nil
	})
	if err != nil {
		respondAppErr(w, err)
		return
	}

	token := s.tokens.Issue(u.ID)
	respondJSON(w, http.StatusCreated, map[string]any{
		"user":  userView{ID: u.ID, Name: u.Name, Email: u.Email},
		"token": token,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	var u store.User
	if err := s.store.DB().First(&u, "email = ?", req.Email).Error; err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := authstub.ComparePassword(u.PasswordHash, req.Password); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token := s.tokens.Issue(u.ID)
	respondJSON(w, http.StatusOK, map[string]any{
		"user":  userView{ID: u.ID, Name: u.Name, Email: u.Email},
		"token": token,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	authz := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authz, "Bearer ")
	s.tokens.Revoke(token)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r)
	var u store.User
	if err := s.store.DB().First(&u, "id = ?", userID).Error; err != nil {
		respondError(w, http.StatusUnauthorized, "user not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user": userView{ID: u.ID, Name: u.Name, Email: u.Email}})
}

// ===================== Profile =====================

type assetView struct {
	Symbol       string        `json:"symbol"`
	Amount       money.Decimal `json:"amount"`
	LockedAmount money.Decimal `json:"locked_amount"`
	TotalAmount  money.Decimal `json:"total_amount"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r)
	var u store.User
	if err := s.store.DB().First(&u, "id = ?", userID).Error; err != nil {
		respondError(w, http.StatusUnauthorized, "user not found")
		return
	}

	bal, err := balance.GetBalance(s.store.DB(), userID)
	if err != nil {
		respondAppErr(w, err)
		return
	}
	holdings, err := asset.GetAssets(s.store.DB(), userID)
	if err != nil {
		respondAppErr(w, err)
		return
	}

	assets := make([]assetView, 0, len(holdings))
	for sym, h := range holdings {
		assets = append(assets, assetView{Symbol: string(sym), Amount: h.Available, LockedAmount: h.Locked, TotalAmount: h.Total})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"user":    userView{ID: u.ID, Name: u.Name, Email: u.Email},
		"balance": bal.Balance,
		"assets":  assets,
	})
}

// ===================== Orders =====================

type createOrderRequest struct {
	Symbol string        `json:"symbol"`
	Side   string        `json:"side"`
	Price  money.Decimal `json:"price"`
	Amount money.Decimal `json:"amount"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r)
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	o, err := s.orders.CreateOrder(r.Context(), order.NewOrderRequest{
		UserID: userID,
		Symbol: money.Symbol(req.Symbol),
		Side:   req.Side,
		Price:  req.Price,
		Amount: req.Amount,
	})
	if err != nil {
		respondAppErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"order": o})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r)
	status := r.URL.Query().Get("status")
	orders, err := s.orders.ListOrders(userID, status)
	if err != nil {
		respondAppErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r)
	orderID := mux.Vars(r)["id"]
	o, err := s.orders.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		respondAppErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"order": o})
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := money.Symbol(r.URL.Query().Get("symbol"))
	if !money.ValidSymbol(symbol) {
		respondAppErr(w, apperr.New(apperr.ValidationError, "invalid symbol: "+string(symbol)))
		return
	}
	book, err := s.orders.Orderbook(symbol)
	if err != nil {
		respondAppErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"symbol":      symbol,
		"buy_orders":  book.BuyOrders,
		"sell_orders": book.SellOrders,
	})
}

// ===================== WebSocket & health =====================

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, ok := s.tokens.UserID(token)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}
	if err := s.hub.ServeUpgrade(w, r, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("orchestrator: websocket upgrade failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ===================== Response helpers =====================

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func respondAppErr(w http.ResponseWriter, err error) {
	respondError(w, apperr.HTTPStatus(err), err.Error())
}
