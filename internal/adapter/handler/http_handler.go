package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kabidey/privity-inventory/internal/core/domain"
	"github.com/kabidey/privity-inventory/internal/core/service"
)

const dateLayout = "2006-01-02"

type HTTPHandler struct {
	inventory *service.InventoryService
	actions   *service.CorporateActionService
	reconcile *service.ReconcileService
}

func NewHTTPHandler(inventory *service.InventoryService, actions *service.CorporateActionService, reconcile *service.ReconcileService) *HTTPHandler {
	return &HTTPHandler{inventory: inventory, actions: actions, reconcile: reconcile}
}

type createInstrumentRequest struct {
	Symbol    string          `json:"symbol"`
	FaceValue decimal.Decimal `json:"face_value"`
	Sector    string          `json:"sector"`
	Exchange  string          `json:"exchange"`
}

type purchaseRequest struct {
	InstrumentID string          `json:"instrument_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	AcquiredOn   string          `json:"acquired_on,omitempty"`
}

type reserveRequest struct {
	BookingID    string          `json:"booking_id,omitempty"`
	InstrumentID string          `json:"instrument_id"`
	Quantity     decimal.Decimal `json:"quantity"`
}

type confirmSaleRequest struct {
	SellingPrice decimal.Decimal `json:"selling_price"`
}

type createActionRequest struct {
	InstrumentID string           `json:"instrument_id"`
	Type         string           `json:"type"`
	RatioFrom    int64            `json:"ratio_from"`
	RatioTo      int64            `json:"ratio_to"`
	NewFaceValue *decimal.Decimal `json:"new_face_value,omitempty"`
	RecordDate   string           `json:"record_date"`
}

type reconcileRequest struct {
	InstrumentID string `json:"instrument_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *HTTPHandler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req createInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	ins, err := h.inventory.CreateInstrument(r.Context(), req.Symbol, req.FaceValue, req.Sector, req.Exchange)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ins)
}

func (h *HTTPHandler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	instrumentID, err := uuid.Parse(req.InstrumentID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid instrument_id"})
		return
	}
	var acquiredOn time.Time
	if req.AcquiredOn != "" {
		if acquiredOn, err = time.Parse(dateLayout, req.AcquiredOn); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid acquired_on, want YYYY-MM-DD"})
			return
		}
	}

	lot, err := h.inventory.RecordPurchase(r.Context(), instrumentID, req.Quantity, req.UnitPrice, acquiredOn, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lot)
}

func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	instrumentID, err := uuid.Parse(req.InstrumentID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid instrument_id"})
		return
	}
	bookingID := uuid.Nil
	if req.BookingID != "" {
		if bookingID, err = uuid.Parse(req.BookingID); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid booking_id"})
			return
		}
	}

	booking, err := h.inventory.Reserve(r.Context(), bookingID, instrumentID, req.Quantity, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (h *HTTPHandler) Release(w http.ResponseWriter, r *http.Request) {
	bookingID, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid booking id"})
		return
	}

	booking, err := h.inventory.Release(r.Context(), bookingID, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTPHandler) ConfirmSale(w http.ResponseWriter, r *http.Request) {
	bookingID, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid booking id"})
		return
	}
	var req confirmSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	booking, err := h.inventory.ConfirmSale(r.Context(), bookingID, req.SellingPrice, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTPHandler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	instrumentID, err := uuid.Parse(chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid instrument id"})
		return
	}

	agg, err := h.inventory.GetAggregate(r.Context(), instrumentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (h *HTTPHandler) CreateCorporateAction(w http.ResponseWriter, r *http.Request) {
	var req createActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	instrumentID, err := uuid.Parse(req.InstrumentID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid instrument_id"})
		return
	}
	recordDate, err := time.Parse(dateLayout, req.RecordDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid record_date, want YYYY-MM-DD"})
		return
	}

	action, err := h.actions.Create(r.Context(), instrumentID, domain.ActionType(req.Type),
		req.RatioFrom, req.RatioTo, req.NewFaceValue, recordDate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

func (h *HTTPHandler) ApplyCorporateAction(w http.ResponseWriter, r *http.Request) {
	actionID, err := uuid.Parse(chi.URLParam(r, "actionID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid action id"})
		return
	}

	summary, err := h.actions.Apply(r.Context(), actionID, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}
	var instrumentID *uuid.UUID
	if req.InstrumentID != "" {
		id, err := uuid.Parse(req.InstrumentID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid instrument_id"})
			return
		}
		instrumentID = &id
	}

	reports, err := h.reconcile.Recalculate(r.Context(), instrumentID, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "system"
}

func writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Message})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInstrumentNotFound),
		errors.Is(err, domain.ErrAggregateNotFound),
		errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrActionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientInventory),
		errors.Is(err, domain.ErrAlreadyApplied),
		errors.Is(err, domain.ErrReservationClosed),
		errors.Is(err, domain.ErrDuplicateRequest):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotOnRecordDate):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConcurrencyConflict):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
