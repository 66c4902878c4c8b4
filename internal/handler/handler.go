// Package handler содержит HTTP-обработчики API сервиса loyaltypos.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/avolkov/loyaltypos/internal/checkout"
	"github.com/avolkov/loyaltypos/internal/middleware"
	"github.com/avolkov/loyaltypos/internal/model"
	"github.com/avolkov/loyaltypos/internal/repository"
	"github.com/avolkov/loyaltypos/internal/service"
	"github.com/avolkov/loyaltypos/internal/stream"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AddItem(ctx context.Context, name string, stock, price int64) (*model.MenuItem, error)
	ListItems(ctx context.Context) ([]model.MenuItem, error)
	UpdateStock(ctx context.Context, id string, stock int64) (*model.MenuItem, error)
	UpdatePrice(ctx context.Context, id string, price int64) (*model.MenuItem, error)
	DecrementStock(ctx context.Context, id string, qty int64) (*model.MenuItem, error)
	DeleteItem(ctx context.Context, id string) error

	GetAccount(ctx context.Context, id string) (*model.Account, error)
	FindAccountByName(ctx context.Context, name string) (*model.Account, error)
	GetPointEntries(ctx context.Context, accountID string) ([]model.PointEntry, error)

	CreateReservation(ctx context.Context, customerID string, in service.CreateReservationInput) (res *model.Reservation, warn error, err error)
	CancelReservation(ctx context.Context, customerID, id string) (res *model.Reservation, warn error, err error)
	SetReservationStatus(ctx context.Context, id string, status model.ReservationStatus) (*model.Reservation, error)
	ListReservations(ctx context.Context, viewerID string, role model.Role) ([]model.Reservation, error)
}

// Handler реализует HTTP-обработчики API сервиса loyaltypos.
type Handler struct {
	service        Service
	carts          *checkout.Manager
	hub            *stream.Hub
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, carts *checkout.Manager, hub *stream.Hub, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		carts:          carts,
		hub:            hub,
		logger:         logger,
		authMiddleware: auth,
	}
}

// writeError переводит ошибку ядра в HTTP-статус согласно таксономии:
// ошибки валидации исправимы клиентом, конфликты статусов не ретраятся,
// всё прочее — отказ хранилища.
func (h *Handler) writeError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrConfirmationRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrItemNotFound),
		errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, repository.ErrReservationNotFound),
		errors.Is(err, checkout.ErrLineNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, repository.ErrStatusConflict),
		errors.Is(err, service.ErrAmbiguousAccount),
		errors.Is(err, checkout.ErrOutOfStock):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error(logMsg, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func identityOr401(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

// ListMenu возвращает все позиции каталога.
func (h *Handler) ListMenu(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListItems(r.Context())
	if err != nil {
		h.writeError(w, err, "list menu error")
		return
	}
	if items == nil {
		items = []model.MenuItem{}
	}
	h.writeJSON(w, http.StatusOK, items)
}

type addItemRequest struct {
	Name  string `json:"name"`
	Stock int64  `json:"stock"`
	Price int64  `json:"price"`
}

// AddMenuItem добавляет позицию каталога.
func (h *Handler) AddMenuItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	item, err := h.service.AddItem(r.Context(), req.Name, req.Stock, req.Price)
	if err != nil {
		h.writeError(w, err, "add menu item error")
		return
	}

	h.writeJSON(w, http.StatusCreated, item)
}

// UpdateMenuStock устанавливает остаток позиции.
func (h *Handler) UpdateMenuStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stock int64 `json:"stock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	item, err := h.service.UpdateStock(r.Context(), chi.URLParam(r, "id"), req.Stock)
	if err != nil {
		h.writeError(w, err, "update stock error")
		return
	}

	h.writeJSON(w, http.StatusOK, item)
}

// UpdateMenuPrice устанавливает цену позиции.
func (h *Handler) UpdateMenuPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price int64 `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	item, err := h.service.UpdatePrice(r.Context(), chi.URLParam(r, "id"), req.Price)
	if err != nil {
		h.writeError(w, err, "update price error")
		return
	}

	h.writeJSON(w, http.StatusOK, item)
}

// DecrementMenuStock уменьшает остаток позиции с отсечкой в нуле.
func (h *Handler) DecrementMenuStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Qty int64 `json:"qty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	item, err := h.service.DecrementStock(r.Context(), chi.URLParam(r, "id"), req.Qty)
	if err != nil {
		h.writeError(w, err, "decrement stock error")
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, item)
}

// DeleteMenuItem удаляет позицию каталога.
func (h *Handler) DeleteMenuItem(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err, "delete menu item error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAccount возвращает действующую учётную запись с балансом баллов.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	acc, err := h.service.GetAccount(r.Context(), id.AccountID)
	if err != nil {
		h.writeError(w, err, "get account error")
		return
	}

	h.writeJSON(w, http.StatusOK, acc)
}

// GetPointEntries возвращает журнал движения баллов действующей учётной записи.
func (h *Handler) GetPointEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	entries, err := h.service.GetPointEntries(r.Context(), id.AccountID)
	if err != nil {
		h.writeError(w, err, "get point entries error")
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, entries)
}

// SearchAccount ищет учётную запись по точному имени для привязки к чеку.
func (h *Handler) SearchAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.service.FindAccountByName(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		h.writeError(w, err, "search account error")
		return
	}

	h.writeJSON(w, http.StatusOK, acc)
}

// ListReservations возвращает брони согласно роли запрашивающего.
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	reservations, err := h.service.ListReservations(r.Context(), id.AccountID, id.Role)
	if err != nil {
		h.writeError(w, err, "list reservations error")
		return
	}
	if reservations == nil {
		reservations = []model.Reservation{}
	}

	h.writeJSON(w, http.StatusOK, reservations)
}

type createReservationRequest struct {
	ItemID   string `json:"itemId"`
	Date     string `json:"date"`
	TimeSlot string `json:"timeSlot"`
	Quantity int64  `json:"quantity"`
}

type reservationResponse struct {
	Reservation *model.Reservation `json:"reservation"`
	Warning     string             `json:"warning,omitempty"`
}

// CreateReservation создаёт бронь от имени клиента. Сбой начисления
// баллов не отменяет бронь и возвращается предупреждением.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, warn, err := h.service.CreateReservation(r.Context(), id.AccountID, service.CreateReservationInput{
		ItemID:   req.ItemID,
		Date:     req.Date,
		TimeSlot: req.TimeSlot,
		Quantity: req.Quantity,
	})
	if err != nil {
		h.writeError(w, err, "create reservation error")
		return
	}

	resp := reservationResponse{Reservation: res}
	if warn != nil {
		h.logger.Warn("reservation point grant failed", zap.Error(warn), zap.String("reservation", res.ID))
		resp.Warning = warn.Error()
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// CancelReservation отменяет бронь клиента, пока она в pending.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	res, warn, err := h.service.CancelReservation(r.Context(), id.AccountID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err, "cancel reservation error")
		return
	}

	resp := reservationResponse{Reservation: res}
	if warn != nil {
		h.logger.Warn("reservation point reversal failed", zap.Error(warn), zap.String("reservation", res.ID))
		resp.Warning = warn.Error()
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// SetReservationStatus переводит бронь в финальный статус от имени персонала.
func (h *Handler) SetReservationStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.SetReservationStatus(r.Context(), chi.URLParam(r, "id"), model.ReservationStatus(req.Status))
	if err != nil {
		h.writeError(w, err, "set reservation status error")
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// GetCart возвращает корзину действующего кассира.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, h.carts.View(id.AccountID))
}

// AddCartLine добавляет позицию каталога в корзину кассира.
func (h *Handler) AddCartLine(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	var req struct {
		ItemID string `json:"itemId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cart, err := h.carts.AddLine(r.Context(), id.AccountID, req.ItemID)
	if err != nil {
		h.writeError(w, err, "add cart line error")
		return
	}

	h.writeJSON(w, http.StatusOK, cart)
}

// RemoveCartLine сторнирует строку корзины; требуется подтверждение
// через query-параметр confirm=true.
func (h *Handler) RemoveCartLine(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	confirmed := r.URL.Query().Get("confirm") == "true"
	cart, err := h.carts.RemoveLine(id.AccountID, chi.URLParam(r, "id"), confirmed)
	if err != nil {
		h.writeError(w, err, "remove cart line error")
		return
	}

	h.writeJSON(w, http.StatusOK, cart)
}

type linkCustomerRequest struct {
	AccountID string `json:"accountId"`
	Name      string `json:"name"`
}

// LinkCartCustomer привязывает учётную запись клиента к текущему чеку.
func (h *Handler) LinkCartCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	var req linkCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var (
		cart *checkout.Cart
		err  error
	)
	switch {
	case req.AccountID != "":
		cart, err = h.carts.LinkCustomerByID(r.Context(), id.AccountID, req.AccountID)
	case req.Name != "":
		cart, err = h.carts.LinkCustomerByName(r.Context(), id.AccountID, req.Name)
	default:
		http.Error(w, "accountId or name is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, err, "link customer error")
		return
	}

	h.writeJSON(w, http.StatusOK, cart)
}

// UnlinkCartCustomer отвязывает клиента от текущего чека.
func (h *Handler) UnlinkCartCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, h.carts.UnlinkCustomer(id.AccountID))
}

type checkoutResponse struct {
	Receipt *model.Receipt `json:"receipt"`
	Warning string         `json:"warning,omitempty"`
}

// Checkout фиксирует чек: баллы клиенту, списание остатков, очистка корзины.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	receipt, warn, err := h.carts.Checkout(r.Context(), id.AccountID)
	if err != nil {
		h.writeError(w, err, "checkout error")
		return
	}

	resp := checkoutResponse{Receipt: receipt}
	if warn != nil {
		h.logger.Warn("checkout stock decrement failed", zap.Error(warn), zap.String("cashier", id.AccountID))
		resp.Warning = warn.Error()
	}

	h.writeJSON(w, http.StatusOK, resp)
}
