package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stockhold/stockhold/internal/core/domain"
	"github.com/stockhold/stockhold/internal/core/service"
)

type StockHandler struct {
	stock *service.StockService
}

func NewStockHandler(stock *service.StockService) *StockHandler {
	return &StockHandler{stock: stock}
}

type CreateItemRequest struct {
	ItemID       string `json:"item_id"`
	InitialStock int    `json:"initial_stock"`
}

type CreateItemResponse struct {
	ItemID     string `json:"item_id"`
	TotalStock int    `json:"total_stock"`
}

type ReserveRequest struct {
	ItemID     string `json:"item_id"`
	Quantity   int    `json:"quantity"`
	HolderRef  string `json:"holder_ref"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type ReserveResponse struct {
	ReservationID string    `json:"reservation_id"`
	ItemID        string    `json:"item_id"`
	Quantity      int       `json:"quantity"`
	State         string    `json:"state"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type ConfirmRequest struct {
	ReservationID string `json:"reservation_id"`
}

type ReleaseRequest struct {
	ReservationID string `json:"reservation_id"`
	Reason        string `json:"reason"`
}

type AdjustRequest struct {
	ItemID string `json:"item_id"`
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

type AdjustResponse struct {
	ItemID    string `json:"item_id"`
	Available int    `json:"available"`
}

type AvailabilityResponse struct {
	ItemID    string `json:"item_id"`
	Available int    `json:"available"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse carries a machine-readable code so callers can tell an
// expired hold from a confirmed one without parsing the message. State is
// set for invalid_state errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	State string `json:"state,omitempty"`
}

func (h *StockHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "validation"})
		return
	}

	item, err := h.stock.CreateItem(r.Context(), req.ItemID, req.InitialStock)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateItemResponse{
		ItemID:     item.ID,
		TotalStock: item.TotalStock,
	})
}

func (h *StockHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "validation"})
		return
	}

	resv, err := h.stock.Reserve(r.Context(), req.ItemID, req.Quantity, req.HolderRef,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ReserveResponse{
		ReservationID: resv.ID,
		ItemID:        resv.ItemID,
		Quantity:      resv.Quantity,
		State:         string(resv.State),
		ExpiresAt:     resv.ExpiresAt,
	})
}

func (h *StockHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "validation"})
		return
	}

	if err := h.stock.Confirm(r.Context(), req.ReservationID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "confirmed"})
}

func (h *StockHandler) Release(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "validation"})
		return
	}

	if err := h.stock.Release(r.Context(), req.ReservationID, req.Reason); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "released"})
}

func (h *StockHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "validation"})
		return
	}

	available, err := h.stock.Adjust(r.Context(), req.ItemID, req.Delta, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AdjustResponse{ItemID: req.ItemID, Available: available})
}

func (h *StockHandler) Availability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	itemID := r.URL.Query().Get("item_id")

	var (
		available int
		err       error
	)
	// cached=1 serves the Redis projection for catalog pages; it can lag
	// behind the store and must not gate a sale.
	if cached := r.URL.Query().Get("cached"); cached == "1" || cached == "true" {
		available, err = h.stock.CachedAvailable(r.Context(), itemID)
	} else {
		available, err = h.stock.Available(r.Context(), itemID)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AvailabilityResponse{ItemID: itemID, Available: available})
}

func (h *StockHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := h.stock.Reconcile(r.Context(), r.URL.Query().Get("item_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (h *StockHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: err.Error(), Code: "internal"}

	var transition *domain.InvalidTransitionError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, resp.Code = http.StatusBadRequest, "validation"
	case errors.As(err, &transition):
		status, resp.Code = http.StatusConflict, "invalid_state"
		resp.State = string(transition.From)
	case errors.Is(err, domain.ErrInsufficientStock):
		status, resp.Code = http.StatusConflict, "insufficient_stock"
	case errors.Is(err, domain.ErrItemExists):
		status, resp.Code = http.StatusConflict, "item_exists"
	case errors.Is(err, domain.ErrItemNotFound):
		status, resp.Code = http.StatusNotFound, "item_not_found"
	case errors.Is(err, domain.ErrReservationNotFound):
		status, resp.Code = http.StatusNotFound, "reservation_not_found"
	case errors.Is(err, domain.ErrLockTimeout):
		status, resp.Code = http.StatusServiceUnavailable, "busy"
		w.Header().Set("Retry-After", "1")
	}

	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
