package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/loyaltypos/internal/checkout"
	custommiddleware "github.com/avolkov/loyaltypos/internal/middleware"
	"github.com/avolkov/loyaltypos/internal/model"
	"github.com/avolkov/loyaltypos/internal/repository"
	"github.com/avolkov/loyaltypos/internal/service"
	"github.com/avolkov/loyaltypos/internal/stream"
)

type stubService struct {
	itemResp *model.MenuItem
	itemErr  error

	itemsResp []model.MenuItem
	itemsErr  error

	deleteErr error

	accountResp *model.Account
	accountErr  error

	entriesResp []model.PointEntry
	entriesErr  error

	reservationResp *model.Reservation
	reservationWarn error
	reservationErr  error

	reservationsResp []model.Reservation
	reservationsErr  error
}

func (s *stubService) AddItem(ctx context.Context, name string, stock, price int64) (*model.MenuItem, error) {
	return s.itemResp, s.itemErr
}

func (s *stubService) ListItems(ctx context.Context) ([]model.MenuItem, error) {
	return s.itemsResp, s.itemsErr
}

func (s *stubService) UpdateStock(ctx context.Context, id string, stock int64) (*model.MenuItem, error) {
	return s.itemResp, s.itemErr
}

func (s *stubService) UpdatePrice(ctx context.Context, id string, price int64) (*model.MenuItem, error) {
	return s.itemResp, s.itemErr
}

func (s *stubService) DecrementStock(ctx context.Context, id string, qty int64) (*model.MenuItem, error) {
	return s.itemResp, s.itemErr
}

func (s *stubService) DeleteItem(ctx context.Context, id string) error {
	return s.deleteErr
}

func (s *stubService) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.accountResp, s.accountErr
}

func (s *stubService) FindAccountByName(ctx context.Context, name string) (*model.Account, error) {
	return s.accountResp, s.accountErr
}

func (s *stubService) GetPointEntries(ctx context.Context, accountID string) ([]model.PointEntry, error) {
	return s.entriesResp, s.entriesErr
}

func (s *stubService) CreateReservation(ctx context.Context, customerID string, in service.CreateReservationInput) (*model.Reservation, error, error) {
	return s.reservationResp, s.reservationWarn, s.reservationErr
}

func (s *stubService) CancelReservation(ctx context.Context, customerID, id string) (*model.Reservation, error, error) {
	return s.reservationResp, s.reservationWarn, s.reservationErr
}

func (s *stubService) SetReservationStatus(ctx context.Context, id string, status model.ReservationStatus) (*model.Reservation, error) {
	return s.reservationResp, s.reservationErr
}

func (s *stubService) ListReservations(ctx context.Context, viewerID string, role model.Role) ([]model.Reservation, error) {
	return s.reservationsResp, s.reservationsErr
}

type stubCatalog struct {
	item *model.MenuItem
	err  error
}

func (s *stubCatalog) GetItem(ctx context.Context, id string) (*model.MenuItem, error) {
	return s.item, s.err
}

func (s *stubCatalog) DecrementStock(ctx context.Context, id string, qty int64) (*model.MenuItem, error) {
	return s.item, s.err
}

type stubLedger struct{}

func (s *stubLedger) AdjustPoints(ctx context.Context, accountID string, delta int64, reason model.PointReason, ref string) (*model.Account, error) {
	return &model.Account{ID: accountID, Points: delta}, nil
}

type stubDirectory struct {
	acc *model.Account
	err error
}

func (s *stubDirectory) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.acc, s.err
}

func (s *stubDirectory) FindAccountByName(ctx context.Context, name string) (*model.Account, error) {
	return s.acc, s.err
}

func newTestHandler(t *testing.T, svc Service, catalog checkout.Catalog) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	if catalog == nil {
		catalog = &stubCatalog{err: repository.ErrItemNotFound}
	}
	carts := checkout.NewManager(catalog, &stubLedger{}, &stubDirectory{err: repository.ErrAccountNotFound})
	auth := custommiddleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, carts, stream.NewHub(), logger, auth)
}

func authCookie(t *testing.T, h *Handler, accountID string, role model.Role) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, custommiddleware.Identity{AccountID: accountID, Role: role})
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("auth cookie not set")
	}
	return cookies[0]
}

func doRequest(t *testing.T, h *Handler, method, path string, body any, cookie *http.Cookie) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if cookie != nil {
		req.AddCookie(cookie)
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func TestListMenu_JSONResponse(t *testing.T) {
	svc := &stubService{
		itemsResp: []model.MenuItem{{ID: "i1", Name: "Burger", Stock: 3, Price: 100}},
	}
	h := newTestHandler(t, svc, nil)

	res := doRequest(t, h, http.MethodGet, "/api/menu", nil, authCookie(t, h, "c1", model.RoleCustomer))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var items []model.MenuItem
	if err := json.NewDecoder(res.Body).Decode(&items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0].Name != "Burger" {
		t.Fatalf("unexpected payload: %+v", items)
	}
}

func TestAPI_UnauthorizedWithoutCookie(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)

	res := doRequest(t, h, http.MethodGet, "/api/menu", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestGetPointEntries_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)

	res := doRequest(t, h, http.MethodGet, "/api/account/points", nil, authCookie(t, h, "c1", model.RoleCustomer))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestCreateReservation_Created(t *testing.T) {
	svc := &stubService{
		reservationResp: &model.Reservation{ID: "r1", Status: model.ReservationPending},
	}
	h := newTestHandler(t, svc, nil)

	body := createReservationRequest{ItemID: "i1", Date: "2025-06-01", TimeSlot: "18:30", Quantity: 1}
	res := doRequest(t, h, http.MethodPost, "/api/reservations", body, authCookie(t, h, "c1", model.RoleCustomer))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp reservationResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reservation == nil || resp.Reservation.ID != "r1" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.Warning != "" {
		t.Fatalf("warning = %q, want empty", resp.Warning)
	}
}

func TestCreateReservation_WarningSurfaced(t *testing.T) {
	svc := &stubService{
		reservationResp: &model.Reservation{ID: "r1", Status: model.ReservationPending},
		reservationWarn: errors.New("award points: connection refused"),
	}
	h := newTestHandler(t, svc, nil)

	body := createReservationRequest{ItemID: "i1", Date: "2025-06-01", TimeSlot: "18:30", Quantity: 1}
	res := doRequest(t, h, http.MethodPost, "/api/reservations", body, authCookie(t, h, "c1", model.RoleCustomer))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp reservationResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Warning == "" {
		t.Fatalf("degraded success must carry a warning")
	}
}

func TestCreateReservation_ValidationBadRequest(t *testing.T) {
	svc := &stubService{reservationErr: service.ErrValidation}
	h := newTestHandler(t, svc, nil)

	res := doRequest(t, h, http.MethodPost, "/api/reservations", createReservationRequest{}, authCookie(t, h, "c1", model.RoleCustomer))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCancelReservation_ConflictOnTerminal(t *testing.T) {
	svc := &stubService{reservationErr: repository.ErrStatusConflict}
	h := newTestHandler(t, svc, nil)

	res := doRequest(t, h, http.MethodPost, "/api/reservations/r1/cancel", nil, authCookie(t, h, "c1", model.RoleCustomer))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestSetReservationStatus_ForbiddenForCustomer(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)

	body := map[string]string{"status": "completed"}
	res := doRequest(t, h, http.MethodPost, "/api/reservations/r1/status", body, authCookie(t, h, "c1", model.RoleCustomer))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestSetReservationStatus_OKForCashier(t *testing.T) {
	svc := &stubService{
		reservationResp: &model.Reservation{ID: "r1", Status: model.ReservationCompleted},
	}
	h := newTestHandler(t, svc, nil)

	body := map[string]string{"status": "completed"}
	res := doRequest(t, h, http.MethodPost, "/api/reservations/r1/status", body, authCookie(t, h, "s1", model.RoleCashier))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestSearchAccount_Statuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "found", err: nil, want: http.StatusOK},
		{name: "not found", err: repository.ErrAccountNotFound, want: http.StatusNotFound},
		{name: "ambiguous", err: service.ErrAmbiguousAccount, want: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				accountResp: &model.Account{ID: "c1", Name: "Maria"},
				accountErr:  tt.err,
			}
			h := newTestHandler(t, svc, nil)

			res := doRequest(t, h, http.MethodGet, "/api/accounts/search?name=Maria", nil, authCookie(t, h, "s1", model.RoleCashier))
			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestMenuMutations_AdminOnly(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)

	body := addItemRequest{Name: "Burger", Stock: 3, Price: 100}
	res := doRequest(t, h, http.MethodPost, "/api/menu", body, authCookie(t, h, "s1", model.RoleCashier))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestDecrementMenuStock_MissingItemNoContent(t *testing.T) {
	// Сервис возвращает nil без ошибки для отсутствующей позиции.
	h := newTestHandler(t, &stubService{}, nil)

	body := map[string]int64{"qty": 1}
	res := doRequest(t, h, http.MethodPost, "/api/menu/ghost/decrement", body, authCookie(t, h, "a1", model.RoleAdmin))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestCart_ForbiddenForCustomer(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)

	res := doRequest(t, h, http.MethodGet, "/api/cart", nil, authCookie(t, h, "c1", model.RoleCustomer))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestCart_AddAndCheckout(t *testing.T) {
	catalog := &stubCatalog{
		item: &model.MenuItem{ID: "i1", Name: "Burger", Stock: 5, Price: 100},
	}
	h := newTestHandler(t, &stubService{}, catalog)
	cookie := authCookie(t, h, "cash1", model.RoleCashier)

	res := doRequest(t, h, http.MethodPost, "/api/cart/items", map[string]string{"itemId": "i1"}, cookie)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add line status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var cart checkout.Cart
	if err := json.NewDecoder(res.Body).Decode(&cart); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	if cart.Total != 100 {
		t.Fatalf("total = %d, want 100", cart.Total)
	}

	res = doRequest(t, h, http.MethodPost, "/api/cart/checkout", nil, cookie)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("checkout status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp checkoutResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if resp.Receipt == nil || resp.Receipt.Total != 100 {
		t.Fatalf("unexpected receipt: %+v", resp.Receipt)
	}
}

func TestCheckout_EmptyCartBadRequest(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)

	res := doRequest(t, h, http.MethodPost, "/api/cart/checkout", nil, authCookie(t, h, "cash1", model.RoleCashier))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestRemoveCartLine_ConfirmationRequired(t *testing.T) {
	catalog := &stubCatalog{
		item: &model.MenuItem{ID: "i1", Name: "Burger", Stock: 5, Price: 100},
	}
	h := newTestHandler(t, &stubService{}, catalog)
	cookie := authCookie(t, h, "cash1", model.RoleCashier)

	res := doRequest(t, h, http.MethodPost, "/api/cart/items", map[string]string{"itemId": "i1"}, cookie)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add line status = %d", res.StatusCode)
	}

	res = doRequest(t, h, http.MethodDelete, "/api/cart/items/i1", nil, cookie)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unconfirmed void status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res = doRequest(t, h, http.MethodDelete, "/api/cart/items/i1?confirm=true", nil, cookie)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirmed void status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestStream_DeliversScopedEvents(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)
	cookie := authCookie(t, h, "c1", model.RoleCustomer)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil).WithContext(ctx)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.SetupRouter().ServeHTTP(rec, req)
	}()

	// Подписка создаётся внутри обработчика, поэтому публикуем до тех
	// пор, пока соединение не закрыто.
	publishCtx, stopPublish := context.WithCancel(context.Background())
	defer stopPublish()
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-publishCtx.Done():
				return
			case <-ticker.C:
				h.hub.Publish(stream.Event{
					Topic:    stream.TopicCatalog,
					EntityID: "i1",
					Payload:  []byte(`{"id":"i1"}`),
				})
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done
	stopPublish()

	body := rec.Body.String()
	if !strings.Contains(body, "event: catalog") {
		t.Fatalf("stream body missing catalog event:\n%s", body)
	}
	if !strings.Contains(body, `data: {"id":"i1"}`) {
		t.Fatalf("stream body missing payload:\n%s", body)
	}
}
