// Package api exposes the engine over HTTP. Callers are authenticated
// upstream; the gateway passes the user id in X-User-ID.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/liquidity"
	"github.com/yesno/market-engine/internal/model"
	"github.com/yesno/market-engine/internal/notify"
	"github.com/yesno/market-engine/internal/orderbook"
	"github.com/yesno/market-engine/internal/settlement"
	"github.com/yesno/market-engine/internal/store"
	"github.com/yesno/market-engine/internal/trade"
)

const (
	userHeader  = "X-User-ID"
	adminHeader = "X-Admin-Token"

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Handler serves the engine's HTTP surface.
type Handler struct {
	store      store.Store
	trades     *trade.Executor
	book       *orderbook.Book
	liquidity  *liquidity.Manager
	settlement *settlement.Engine
	hub        *notify.WSHub
	adminToken string
}

// Deps are the services a Handler dispatches to. Hub may be nil.
type Deps struct {
	Store      store.Store
	Trades     *trade.Executor
	Book       *orderbook.Book
	Liquidity  *liquidity.Manager
	Settlement *settlement.Engine
	Hub        *notify.WSHub
	AdminToken string
}

func New(d Deps) *Handler {
	return &Handler{
		store:      d.Store,
		trades:     d.Trades,
		book:       d.Book,
		liquidity:  d.Liquidity,
		settlement: d.Settlement,
		hub:        d.Hub,
		adminToken: d.AdminToken,
	}
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/markets/{marketID}/price", h.GetPrice)
	r.Get("/markets/{marketID}/history", h.GetMarketHistory)
	r.Get("/markets/{marketID}/orderbook", h.GetOrderBook)
	r.Get("/markets/{marketID}/liquidity", h.GetLiquidity)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/trade/buy", h.Buy)
		r.Post("/trade/sell", h.Sell)

		r.Post("/orders/limit", h.PlaceLimitOrder)
		r.Post("/orders/market", h.PlaceMarketOrder)
		r.Delete("/orders/{orderID}", h.CancelOrder)

		r.Post("/liquidity/add", h.AddLiquidity)
		r.Post("/liquidity/remove", h.RemoveLiquidity)

		r.Get("/me/balance", h.GetBalance)
		r.Get("/me/positions", h.GetPositions)
	})

	r.With(h.requireAdmin).Post("/admin/markets/{marketID}/resolve", h.ResolveMarket)
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(userHeader) == "" {
			writeError(w, "X-User-ID header is required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin rejects everything when no admin token is configured.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(adminHeader)
		if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			writeError(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string { return r.Header.Get(userHeader) }

// GetMarket handles GET /api/v1/markets/{marketID}.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// PriceResponse is the current price of a market.
type PriceResponse struct {
	MarketID string          `json:"market_id"`
	YesPrice decimal.Decimal `json:"yes_price"`
	NoPrice  decimal.Decimal `json:"no_price"`
	Status   string          `json:"status"`
}

// GetPrice handles GET /api/v1/markets/{marketID}/price.
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		MarketID: m.ID,
		YesPrice: m.YesPrice,
		NoPrice:  m.NoPrice,
		Status:   m.Status,
	})
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history?limit=N.
func (h *Handler) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	history, err := h.store.ListPriceHistory(r.Context(), chi.URLParam(r, "marketID"), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if history == nil {
		history = []model.PriceHistory{}
	}
	writeJSON(w, http.StatusOK, history)
}

// GetOrderBook handles GET /api/v1/markets/{marketID}/orderbook?side=yes.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	side := model.Side(r.URL.Query().Get("side"))
	if side == "" {
		side = model.SideYes
	}
	snap, err := h.book.GetOrderBook(r.Context(), chi.URLParam(r, "marketID"), side)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetLiquidity handles GET /api/v1/markets/{marketID}/liquidity. The
// caller's stake is included when X-User-ID is set.
func (h *Handler) GetLiquidity(w http.ResponseWriter, r *http.Request) {
	info, err := h.liquidity.GetLpInfo(r.Context(), chi.URLParam(r, "marketID"), userID(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// TradeRequest is the body of a direct AMM buy or sell. Amount is USDT for
// a buy; Shares is the share count for a sell.
type TradeRequest struct {
	MarketID string          `json:"market_id"`
	Side     model.Side      `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
	Shares   decimal.Decimal `json:"shares"`
}

// Buy handles POST /api/v1/trade/buy.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.trades.ExecuteBuy(r.Context(), userID(r), req.MarketID, req.Side, req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/trade/sell.
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.trades.ExecuteSell(r.Context(), userID(r), req.MarketID, req.Side, req.Shares)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PlaceLimitOrder handles POST /api/v1/orders/limit.
func (h *Handler) PlaceLimitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderbook.LimitOrderRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID(r)
	res, err := h.book.PlaceLimitOrder(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// PlaceMarketOrder handles POST /api/v1/orders/market.
func (h *Handler) PlaceMarketOrder(w http.ResponseWriter, r *http.Request) {
	var req orderbook.MarketOrderRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID(r)
	res, err := h.book.PlaceMarketOrder(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.book.CancelOrder(r.Context(), userID(r), chi.URLParam(r, "orderID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// LiquidityRequest adds Amount USDT or removes Shares LP shares.
type LiquidityRequest struct {
	MarketID string          `json:"market_id"`
	Amount   decimal.Decimal `json:"amount"`
	Shares   decimal.Decimal `json:"shares"`
}

// AddLiquidity handles POST /api/v1/liquidity/add.
func (h *Handler) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	dep, err := h.liquidity.AddLiquidity(r.Context(), userID(r), req.MarketID, req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// RemoveLiquidity handles POST /api/v1/liquidity/remove.
func (h *Handler) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	wd, err := h.liquidity.RemoveLiquidity(r.Context(), userID(r), req.MarketID, req.Shares)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

// GetBalance handles GET /api/v1/me/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.store.GetBalance(r.Context(), userID(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetPositions handles GET /api/v1/me/positions.
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.GetPositions(r.Context(), userID(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ResolveRequest is the body of an admin resolution.
type ResolveRequest struct {
	Outcome model.Side `json:"outcome"`
	TxHash  string     `json:"tx_hash"`
}

// ResolveMarket handles POST /api/v1/admin/markets/{marketID}/resolve.
func (h *Handler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	report, err := h.settlement.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), req.Outcome, req.TxHash)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.State, apperr.ReserveDepletion, apperr.Duplicate:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeEngineError reports err to the caller. Internal failures are logged
// and answered with a generic message.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"kind", kind.String(),
			"err", err,
		)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, apperr.Message(err), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
