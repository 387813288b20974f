package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/stockfolio/ledger/internal/ledger"
	"github.com/stockfolio/ledger/internal/quota"
)

// Authentication lives upstream: the gateway verifies the session and
// forwards the resolved identity in headers. An invalid role claim falls
// back to the most restricted tier instead of widening a quota.

func identity(r *http.Request) (string, quota.Role, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return "", "", errors.New("missing user identity")
	}
	role, err := quota.ParseRole(r.Header.Get("X-User-Role"))
	if err != nil {
		role = quota.RoleGuest
	}
	return userID, role, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		vErr *ledger.ValidationError
		sErr *ledger.StateError
		qErr *ledger.QuotaError
		nErr *ledger.NotFoundError
		cErr *ledger.ConsistencyError
	)
	switch {
	case errors.As(err, &vErr), errors.As(err, &sErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
	case errors.As(err, &nErr):
		writeJSON(w, http.StatusNotFound, errorResponse{Message: err.Error()})
	case errors.As(err, &qErr):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Message: err.Error()})
	case errors.As(err, &cErr):
		s.logger.Error("ledger consistency fault", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "ledger data inconsistency, contact support"})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "internal server error"})
	}
}

func (s *Server) writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorResponse{Message: "authentication required"})
}

// --- asset handlers ---

type assetRequest struct {
	StockID  string  `json:"stockId"`
	BuyPrice float64 `json:"buyPrice"`
	Quantity int     `json:"quantity"`
	BuyCost  float64 `json:"buyCost"`
	BuyDate  string  `json:"buyDate"`
	Note     string  `json:"note"`
}

func (s *Server) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	userID, role, err := identity(r)
	if err != nil {
		s.writeUnauthorized(w)
		return
	}

	var req assetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid payload"})
		return
	}

	result, err := s.engine.CreateLot(r.Context(), userID, role, ledger.CreateLotInput{
		StockID:  req.StockID,
		BuyPrice: decimal.NewFromFloat(req.BuyPrice),
		Quantity: req.Quantity,
		BuyCost:  decimal.NewFromFloat(req.BuyCost),
		BuyDate:  req.BuyDate,
		Note:     req.Note,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleEditLot(w http.ResponseWriter, r *http.Request) {
	userID, _, err := identity(r)
	if err != nil {
		s.writeUnauthorized(w)
		return
	}

	var req assetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid payload"})
		return
	}

	err = s.engine.EditLot(r.Context(), userID, r.PathValue("lotId"), ledger.EditLotInput{
		StockID:  req.StockID,
		BuyDate:  req.BuyDate,
		BuyPrice: decimal.NewFromFloat(req.BuyPrice),
		Quantity: req.Quantity,
		BuyCost:  decimal.NewFromFloat(req.BuyCost),
		Note:     req.Note,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "asset updated"})
}

func (s *Server) handleDeleteLot(w http.ResponseWriter, r *http.Request) {
	userID, _, err := identity(r)
	if err != nil {
		s.writeUnauthorized(w)
		return
	}

	if err := s.engine.DeleteLot(r.Context(), userID, r.PathValue("lotId")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "asset deleted"})
}

type sellRequest struct {
	SellPrice   float64 `json:"sellPrice"`
	SellQty     int     `json:"sellQty"`
	SellCost    float64 `json:"sellCost"`
	RealizedPnl float64 `json:"realizedPnl"`
	SellDate    string  `json:"sellDate"`
	Note        string  `json:"note"`
}

func (s *Server) handleSellLot(w http.ResponseWriter, r *http.Request) {
	userID, role, err := identity(r)
	if err != nil {
		s.writeUnauthorized(w)
		return
	}

	var req sellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid payload"})
		return
	}

	tradeID, err := s.engine.SellLot(r.Context(), userID, role, r.PathValue("lotId"), ledger.SellLotInput{
		SellPrice:   decimal.NewFromFloat(req.SellPrice),
		SellQty:     req.SellQty,
		SellCost:    decimal.NewFromFloat(req.SellCost),
		RealizedPnl: decimal.NewFromFloat(req.RealizedPnl),
		SellDate:    req.SellDate,
		Note:        req.Note,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"tradeId": tradeID})
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	userID, _, err := identity(r)
	if err != nil {
		s.writeUnauthorized(w)
		return
	}

	page := queryInt(r, "page", 1)
	result, err := s.engine.ListOpenLots(r.Context(), userID, page, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	userID, _, err := identity(r)
	if err != nil {
		s.writeUnauthorized(w)
		return
	}

	result, err := s.engine.PortfolioSummary(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- dashboard handlers ---

type reportBuyPayload struct {
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
	Cost     float64 `json:"cost"`
	Date     string  `json:"date"`
	Note     string  `json:"note"`
}

type reportSellPayload struct {
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	Cost        float64 `json:"cost"`
	RealizedPnl float64 `json:"realizedPnl"`
	Date        string  `json:"date"`
	Note        string  `json:"note"`
}

type newReportRequest struct {
	StockID string            `json:"stockId"`
	Buy     reportBuyPayload  `json:"buy"`
	Sell    reportSellPayload `json:"sell"`
}

func toHistoricalSell(p reportSellPayload) ledger.HistoricalSell {
	return ledger.HistoricalSell{
		Price:       decimal.NewFromFloat(p.Price),
		Quantity:    p.Quantity,
		Cost:        decimal.NewFromFloat(p.Cost),
		RealizedPnl: decimal.NewFromFloat(p.RealizedPnl),
		Date:        p.Date,
		Note:        p.Note,
	}
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	userID, role, err := identity(r)
	if err != nil {
		s.writeUnauthorized(w)
		return
	}

	var req newReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid payload"})
		return
	}

	result, err := s.engine.CreateHistoricalReport(r.Context(), userID, role, ledger.CreateReportInput{
		StockID: req.StockID,
		Buy: ledger.HistoricalBuy{
			Price:    decimal.NewFromFloat(req.Buy.Price),
			Quantity: req.Buy.Quantity,
			Cost:     decimal.NewFromFloat(req.Buy.Cost),
			Date:     req.Buy.Date,
			Note:     req.Buy.Note,
		},
		Sell: toHistoricalSell(req.Sell),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	userID, role, err := identity(r)
	if err != nil {
		s.writeUnauthorized(w)
		return
	}

	var req reportSellPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid payload"})
		return
	}

	tradeID, err := s.engine.UpdateHistoricalReport(r.Context(), userID, role,
		r.PathValue("tradeId"), toHistoricalSell(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tradeId": tradeID})
}

func (s *Server) handleCancelReport(w http.ResponseWriter, r *http.Request) {
	userID, _, err := identity(r)
	if err != nil {
		s.writeUnauthorized(w)
		return
	}

	if err := s.engine.CancelHistoricalReport(r.Context(), userID, r.PathValue("tradeId")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "report canceled"})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	userID, _, err := identity(r)
	if err != nil {
		s.writeUnauthorized(w)
		return
	}

	year := queryInt(r, "year", 0)
	month := queryInt(r, "month", 0)
	page := queryInt(r, "page", 1)

	result, err := s.engine.ListReports(r.Context(), userID, year, month, page)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	userID, _, err := identity(r)
	if err != nil {
		s.writeUnauthorized(w)
		return
	}

	series, err := s.engine.MonthlyTrendSeries(r.Context(), userID, queryInt(r, "year", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": series})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
