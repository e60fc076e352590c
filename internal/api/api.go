// Package api provides the HTTP handlers for wagering, fund lifecycle,
// settlement, and cashier operations. Handlers are thin: validation and
// JSON plumbing here, money movement in the ledger and engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/betpool/fund-engine/internal/cashier"
	"github.com/betpool/fund-engine/internal/ledger"
	"github.com/betpool/fund-engine/internal/lifecycle"
	"github.com/betpool/fund-engine/internal/model"
	"github.com/betpool/fund-engine/internal/store"
)

// Service bundles the handlers' collaborators.
type Service struct {
	store   store.Store
	ledger  *ledger.Ledger
	engine  *lifecycle.Engine
	cashier *cashier.Cashier
}

// NewService creates the HTTP service.
func NewService(st store.Store, lg *ledger.Ledger, engine *lifecycle.Engine, csh *cashier.Cashier) *Service {
	return &Service{store: st, ledger: lg, engine: engine, cashier: csh}
}

// --- Request/Response types ---

// WagerRequest is the JSON body for POST /wagers.
type WagerRequest struct {
	UserID string `json:"user_id"`
	FundID string `json:"fund_id"`
	Amount int64  `json:"amount"` // cents
	Fade   bool   `json:"fade"`
}

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	UserID  string `json:"user_id"`
	OrderID string `json:"order_id"`
}

// WithdrawRequest is the JSON body for POST /withdrawals.
type WithdrawRequest struct {
	UserID  string `json:"user_id"`
	Amount  int64  `json:"amount"` // cents
	Address string `json:"address"`
}

// CreateFundRequest is the JSON body for POST /funds.
type CreateFundRequest struct {
	Name           string `json:"name"`
	ManagerID      string `json:"manager_id"`
	League         string `json:"league"`
	Sport          string `json:"sport"`
	MaxBalance     int64  `json:"max_balance"`
	MinInvestment  int64  `json:"min_investment"`
	MaxInvestment  int64  `json:"max_investment"`
	OpenTimeMillis int64  `json:"open_time_millis"`
	ClosingTime    int64  `json:"closing_time"` // unix seconds
}

// CreateBetRequest is the JSON body for POST /bets.
type CreateBetRequest struct {
	FundID     string          `json:"fund_id"`
	ManagerID  string          `json:"manager_id"`
	GameID     string          `json:"game_id"`
	GameLeague string          `json:"game_league"`
	Type       string          `json:"type"`
	TeamID     string          `json:"team_id"`
	Line       decimal.Decimal `json:"line"`
	OverUnder  string          `json:"over_under"`
	Returning  decimal.Decimal `json:"returning"`
	PctOfFund  int64           `json:"pct_of_fund"`
	Wagered    int64           `json:"wagered"`
	Live       bool            `json:"live"` // place immediately
}

// SettleRequest is the JSON body for POST /bets/{betID}/settle when an
// operator supplies a manual amount.
type SettleRequest struct {
	Amount *int64 `json:"amount,omitempty"` // cents; nil = auto-score
}

// DocumentRequest is the JSON body for POST /users/{userID}/documents.
type DocumentRequest struct {
	Status string `json:"status"` // VERIFIED | FAIL
}

type receiptResponse struct {
	Committed bool   `json:"committed"`
	Message   string `json:"message,omitempty"`
}

// --- Wagering ---

// PlaceWager handles POST /api/v1/wagers.
func (s *Service) PlaceWager(w http.ResponseWriter, r *http.Request) {
	var req WagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.FundID == "" {
		writeError(w, "user_id and fund_id are required", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	receipt, err := s.ledger.UserWager(r.Context(), req.UserID, req.FundID, req.Amount, req.Fade)
	s.writeReceipt(w, receipt, err)
}

// --- Cashier ---

// Deposit handles POST /api/v1/deposits.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.OrderID == "" {
		writeError(w, "user_id and order_id are required", http.StatusBadRequest)
		return
	}

	receipt, err := s.cashier.Deposit(r.Context(), req.UserID, req.OrderID)
	s.writeReceipt(w, receipt, err)
}

// Withdraw handles POST /api/v1/withdrawals.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	receipt, err := s.cashier.Withdraw(r.Context(), req.UserID, req.Amount, req.Address)
	s.writeReceipt(w, receipt, err)
}

// UpdateDocumentStatus handles POST /api/v1/users/{userID}/documents.
func (s *Service) UpdateDocumentStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.cashier.UpdateUserDocumentStatus(r.Context(), userID, req.Status)
	s.writeReceipt(w, receipt, err)
}

// --- Fund lifecycle ---

// CreateFund handles POST /api/v1/funds.
func (s *Service) CreateFund(w http.ResponseWriter, r *http.Request) {
	var req CreateFundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.ManagerID == "" {
		writeError(w, "name and manager_id are required", http.StatusBadRequest)
		return
	}
	if req.ClosingTime <= 0 {
		writeError(w, "closing_time is required", http.StatusBadRequest)
		return
	}

	f := &model.Fund{
		Name:           req.Name,
		ManagerID:      req.ManagerID,
		League:         req.League,
		Sport:          req.Sport,
		MaxBalance:     req.MaxBalance,
		MinInvestment:  req.MinInvestment,
		MaxInvestment:  req.MaxInvestment,
		OpenTimeMillis: req.OpenTimeMillis,
		ClosingTime:    req.ClosingTime,
	}
	if err := s.engine.CreateFund(r.Context(), f); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// GetFund handles GET /api/v1/funds/{fundID}.
func (s *Service) GetFund(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFund(r.Context(), chi.URLParam(r, "fundID"))
	if err != nil {
		writeNotFoundOr(w, err, "fund not found")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// GetFundBets handles GET /api/v1/funds/{fundID}/bets.
func (s *Service) GetFundBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.store.GetFundBets(r.Context(), chi.URLParam(r, "fundID"))
	if err != nil {
		writeError(w, "failed to list bets", http.StatusInternalServerError)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// OpenFund handles POST /api/v1/funds/{fundID}/open.
func (s *Service) OpenFund(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.engine.OpenFund(r.Context(), chi.URLParam(r, "fundID"))
	s.writeReceipt(w, receipt, err)
}

// CloseFund handles POST /api/v1/funds/{fundID}/close.
func (s *Service) CloseFund(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.engine.CloseFund(r.Context(), chi.URLParam(r, "fundID"))
	s.writeReceipt(w, receipt, err)
}

// ReturnFund handles POST /api/v1/funds/{fundID}/return.
func (s *Service) ReturnFund(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.ReturnFund(r.Context(), chi.URLParam(r, "fundID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !res.Committed {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteFund handles DELETE /api/v1/funds/{fundID}.
func (s *Service) DeleteFund(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.engine.DeleteFund(r.Context(), chi.URLParam(r, "fundID"))
	s.writeReceipt(w, receipt, err)
}

// --- Bets ---

// CreateBet handles POST /api/v1/bets. Creates the bet and its mirrored
// fade leg; with live set, both legs are placed immediately.
func (s *Service) CreateBet(w http.ResponseWriter, r *http.Request) {
	var req CreateBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FundID == "" || req.GameID == "" || req.GameLeague == "" {
		writeError(w, "fund_id, game_id, and game_league are required", http.StatusBadRequest)
		return
	}
	switch req.Type {
	case model.BetMoneyline, model.BetSpread, model.BetOverUnder, model.BetProp:
	default:
		writeError(w, "unknown bet type", http.StatusBadRequest)
		return
	}
	if req.Returning.LessThanOrEqual(decimal.Zero) {
		writeError(w, "returning multiplier must be positive", http.StatusBadRequest)
		return
	}
	if req.Wagered <= 0 && req.PctOfFund <= 0 {
		writeError(w, "either wagered or pct_of_fund is required", http.StatusBadRequest)
		return
	}

	b := &model.Bet{
		FundID:     req.FundID,
		ManagerID:  req.ManagerID,
		GameID:     req.GameID,
		GameLeague: req.GameLeague,
		Type:       req.Type,
		TeamID:     req.TeamID,
		Line:       req.Line,
		OverUnder:  req.OverUnder,
		Returning:  req.Returning,
		PctOfFund:  req.PctOfFund,
		Wagered:    req.Wagered,
	}
	ids, err := s.engine.CreateBet(r.Context(), b)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if req.Live {
		for _, id := range ids {
			if receipt, err := s.engine.PlaceBet(r.Context(), id); err != nil {
				writeError(w, err.Error(), http.StatusInternalServerError)
				return
			} else if !receipt.Committed {
				writeJSON(w, http.StatusConflict, receiptResponse{Message: receipt.Reason})
				return
			}
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"bet_ids": ids})
}

// PlaceBet handles POST /api/v1/bets/{betID}/place.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.engine.PlaceBet(r.Context(), chi.URLParam(r, "betID"))
	s.writeReceipt(w, receipt, err)
}

// SettleBet handles POST /api/v1/bets/{betID}/settle. With an amount in
// the body the settlement is manual; otherwise the bet is auto-scored
// against its game.
func (s *Service) SettleBet(w http.ResponseWriter, r *http.Request) {
	betID := chi.URLParam(r, "betID")
	var req SettleRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	var receipt lifecycle.SettleReceipt
	var err error
	if req.Amount != nil {
		receipt, err = s.engine.SettleBetManual(r.Context(), betID, *req.Amount)
	} else {
		receipt, err = s.engine.SettleBet(r.Context(), betID)
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !receipt.Committed {
		writeJSON(w, http.StatusConflict, receipt)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// DeleteBet handles DELETE /api/v1/bets/{betID}.
func (s *Service) DeleteBet(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.engine.DeleteBet(r.Context(), chi.URLParam(r, "betID"))
	s.writeReceipt(w, receipt, err)
}

// --- Games ---

// PutGame handles PUT /api/v1/games. The results feed pushes score
// updates here; terminal games unblock settlement and returns.
func (s *Service) PutGame(w http.ResponseWriter, r *http.Request) {
	var g model.Game
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if g.ID == "" || g.League == "" {
		writeError(w, "id and league are required", http.StatusBadRequest)
		return
	}
	if err := s.store.PutGame(r.Context(), &g); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, &g)
}

// --- Queries ---

// GetUser handles GET /api/v1/users/{userID}.
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeNotFoundOr(w, err, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetInteractions handles GET /api/v1/interactions.
func (s *Service) GetInteractions(w http.ResponseWriter, r *http.Request) {
	ins, err := s.store.ListInteractions(r.Context())
	if err != nil {
		writeError(w, "failed to list interactions", http.StatusInternalServerError)
		return
	}
	if ins == nil {
		ins = []model.Interaction{}
	}
	writeJSON(w, http.StatusOK, ins)
}

// --- Helpers ---

func (s *Service) writeReceipt(w http.ResponseWriter, receipt ledger.Receipt, err error) {
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !receipt.Committed {
		writeJSON(w, http.StatusConflict, receiptResponse{Message: receipt.Reason})
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{Committed: true})
}

func writeNotFoundOr(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, msg, http.StatusNotFound)
		return
	}
	writeError(w, err.Error(), http.StatusInternalServerError)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
