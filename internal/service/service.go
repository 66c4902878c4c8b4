// Package service реализует бизнес-логику сервиса loyaltypos.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avolkov/loyaltypos/internal/identity"
	"github.com/avolkov/loyaltypos/internal/model"
	"github.com/avolkov/loyaltypos/internal/repository"
	"github.com/avolkov/loyaltypos/internal/stream"
)

// Баллы за создание брони; ровно столько же снимается при отмене
// клиентом, пока бронь оставалась в pending.
const reservationPoints = 10

// ErrValidation возвращается при отсутствующих или некорректных входных данных.
var (
	ErrValidation = errors.New("validation error")
	// ErrAmbiguousAccount возвращается, если имени соответствует несколько учётных записей.
	ErrAmbiguousAccount = errors.New("account name is ambiguous")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateItem(ctx context.Context, item *model.MenuItem) error
	GetItem(ctx context.Context, id string) (*model.MenuItem, error)
	ListItems(ctx context.Context) ([]model.MenuItem, error)
	UpdateItemStock(ctx context.Context, id string, stock int64) (*model.MenuItem, error)
	UpdateItemPrice(ctx context.Context, id string, price int64) (*model.MenuItem, error)
	DecrementItemStock(ctx context.Context, id string, qty int64) (*model.MenuItem, error)
	DeleteItem(ctx context.Context, id string) error

	GetAccount(ctx context.Context, id string) (*model.Account, error)
	FindAccountsByName(ctx context.Context, name string) ([]model.Account, error)
	UpsertAccount(ctx context.Context, acc *model.Account) error
	AdjustPoints(ctx context.Context, accountID string, delta int64, reason model.PointReason, ref string) (*model.Account, error)
	GetPointEntries(ctx context.Context, accountID string) ([]model.PointEntry, error)

	CreateReservation(ctx context.Context, res *model.Reservation) error
	GetReservation(ctx context.Context, id string) (*model.Reservation, error)
	ListReservations(ctx context.Context) ([]model.Reservation, error)
	ListReservationsByCustomer(ctx context.Context, customerID string) ([]model.Reservation, error)
	TransitionReservation(ctx context.Context, id string, to model.ReservationStatus) (*model.Reservation, error)
}

// Service содержит бизнес-логику сервиса loyaltypos.
type Service struct {
	repo     Repository
	events   stream.Publisher
	identity *identity.Client
}

// NewService создаёт новый сервис с указанным репозиторием, издателем
// событий и клиентом сервиса идентификации (может быть nil).
func NewService(repo Repository, events stream.Publisher, identityClient *identity.Client) *Service {
	return &Service{
		repo:     repo,
		events:   events,
		identity: identityClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) publish(topic stream.Topic, ownerID, entityID string, deleted bool, doc any) {
	if s.events == nil {
		return
	}

	var payload json.RawMessage
	if doc != nil {
		b, err := json.Marshal(doc)
		if err != nil {
			return
		}
		payload = b
	}

	s.events.Publish(stream.Event{
		Topic:    topic,
		OwnerID:  ownerID,
		EntityID: entityID,
		Deleted:  deleted,
		Payload:  payload,
		At:       time.Now(),
	})
}

// AddItem добавляет позицию каталога. Отрицательные остаток и цена
// обрезаются до нуля.
func (s *Service) AddItem(ctx context.Context, name string, stock, price int64) (*model.MenuItem, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: item name is required", ErrValidation)
	}
	if stock < 0 {
		stock = 0
	}
	if price < 0 {
		price = 0
	}

	item := &model.MenuItem{
		ID:    uuid.NewString(),
		Name:  name,
		Stock: stock,
		Price: price,
	}

	if err := s.repo.CreateItem(ctx, item); err != nil {
		return nil, err
	}

	s.publish(stream.TopicCatalog, "", item.ID, false, item)
	return item, nil
}

// ListItems возвращает все позиции каталога.
func (s *Service) ListItems(ctx context.Context) ([]model.MenuItem, error) {
	return s.repo.ListItems(ctx)
}

// GetItem возвращает позицию каталога по идентификатору.
func (s *Service) GetItem(ctx context.Context, id string) (*model.MenuItem, error) {
	return s.repo.GetItem(ctx, id)
}

// UpdateStock устанавливает остаток позиции; отрицательное значение
// обрезается до нуля.
func (s *Service) UpdateStock(ctx context.Context, id string, stock int64) (*model.MenuItem, error) {
	item, err := s.repo.UpdateItemStock(ctx, id, stock)
	if err != nil {
		return nil, err
	}

	s.publish(stream.TopicCatalog, "", item.ID, false, item)
	return item, nil
}

// UpdatePrice устанавливает цену позиции. Уже добавленные в корзины и
// брони снимки цен не затрагиваются.
func (s *Service) UpdatePrice(ctx context.Context, id string, price int64) (*model.MenuItem, error) {
	item, err := s.repo.UpdateItemPrice(ctx, id, price)
	if err != nil {
		return nil, err
	}

	s.publish(stream.TopicCatalog, "", item.ID, false, item)
	return item, nil
}

// DecrementStock атомарно уменьшает остаток, не опуская его ниже нуля.
// Для отсутствующей позиции операция ничего не делает.
func (s *Service) DecrementStock(ctx context.Context, id string, qty int64) (*model.MenuItem, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
	}

	item, err := s.repo.DecrementItemStock(ctx, id, qty)
	if err != nil {
		if errors.Is(err, repository.ErrItemNotFound) {
			return nil, nil
		}
		return nil, err
	}

	s.publish(stream.TopicCatalog, "", item.ID, false, item)
	return item, nil
}

// DeleteItem удаляет позицию каталога. Повторное удаление не считается
// ошибкой.
func (s *Service) DeleteItem(ctx context.Context, id string) error {
	err := s.repo.DeleteItem(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrItemNotFound) {
			return nil
		}
		return err
	}

	s.publish(stream.TopicCatalog, "", id, true, nil)
	return nil
}

// GetAccount возвращает учётную запись. При промахе локального зеркала
// запись дотягивается из сервиса идентификации.
func (s *Service) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	acc, err := s.repo.GetAccount(ctx, id)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) || s.identity == nil {
		return nil, err
	}

	rec, idErr := s.identity.Account(ctx, id)
	if idErr != nil {
		return nil, err
	}

	mirrored := &model.Account{
		ID:    rec.ID,
		Role:  model.Role(rec.Role),
		Name:  rec.Name,
		Email: rec.Email,
	}
	if upErr := s.repo.UpsertAccount(ctx, mirrored); upErr != nil {
		return nil, upErr
	}

	return s.repo.GetAccount(ctx, id)
}

// FindAccountByName ищет учётную запись по точному совпадению имени.
// Несколько совпадений — ошибка: для привязки нужен стабильный
// идентификатор, а не первое попавшееся имя.
func (s *Service) FindAccountByName(ctx context.Context, name string) (*model.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: account name is required", ErrValidation)
	}

	accounts, err := s.repo.FindAccountsByName(ctx, name)
	if err != nil {
		return nil, err
	}

	switch len(accounts) {
	case 0:
		return nil, repository.ErrAccountNotFound
	case 1:
		return &accounts[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches %d accounts", ErrAmbiguousAccount, name, len(accounts))
	}
}

// AdjustPoints атомарно изменяет баланс баллов учётной записи и
// публикует обновлённый документ.
func (s *Service) AdjustPoints(ctx context.Context, accountID string, delta int64, reason model.PointReason, ref string) (*model.Account, error) {
	acc, err := s.repo.AdjustPoints(ctx, accountID, delta, reason, ref)
	if err != nil {
		return nil, err
	}

	s.publish(stream.TopicAccounts, acc.ID, acc.ID, false, acc)
	return acc, nil
}

// GetPointEntries возвращает журнал движения баллов учётной записи.
func (s *Service) GetPointEntries(ctx context.Context, accountID string) ([]model.PointEntry, error) {
	return s.repo.GetPointEntries(ctx, accountID)
}

// CreateReservationInput — входные данные создания брони.
type CreateReservationInput struct {
	ItemID   string
	Date     string
	TimeSlot string
	Quantity int64
}

// CreateReservation создаёт бронь в статусе pending и начисляет баллы.
// Сбой начисления не откатывает бронь: он возвращается отдельным
// предупреждением warn при nil-ошибке.
func (s *Service) CreateReservation(ctx context.Context, customerID string, in CreateReservationInput) (res *model.Reservation, warn error, err error) {
	if in.ItemID == "" {
		return nil, nil, fmt.Errorf("%w: item is required", ErrValidation)
	}
	if in.Date == "" {
		return nil, nil, fmt.Errorf("%w: date is required", ErrValidation)
	}
	if in.TimeSlot == "" {
		return nil, nil, fmt.Errorf("%w: time slot is required", ErrValidation)
	}
	if in.Quantity < 1 {
		return nil, nil, fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
	}

	customer, err := s.GetAccount(ctx, customerID)
	if err != nil {
		return nil, nil, err
	}

	item, err := s.repo.GetItem(ctx, in.ItemID)
	if err != nil {
		if errors.Is(err, repository.ErrItemNotFound) {
			return nil, nil, fmt.Errorf("%w: unknown item", ErrValidation)
		}
		return nil, nil, err
	}

	res = &model.Reservation{
		ID:            uuid.NewString(),
		CustomerID:    customer.ID,
		CustomerName:  customer.Name,
		ItemID:        item.ID,
		ItemName:      item.Name,
		Date:          in.Date,
		TimeSlot:      in.TimeSlot,
		Quantity:      in.Quantity,
		Status:        model.ReservationPending,
		PointsAwarded: true,
	}

	if err := s.repo.CreateReservation(ctx, res); err != nil {
		return nil, nil, err
	}

	s.publish(stream.TopicReservations, res.CustomerID, res.ID, false, res)

	if _, grantErr := s.AdjustPoints(ctx, customer.ID, reservationPoints, model.PointReasonReserveGrant, res.ID); grantErr != nil {
		warn = fmt.Errorf("award points: %w", grantErr)
	}

	return res, warn, nil
}

// CancelReservation отменяет бронь клиента, пока она в pending, и
// снимает ранее начисленные баллы. Сбой списания — предупреждение,
// отмена при этом остаётся в силе.
func (s *Service) CancelReservation(ctx context.Context, customerID, id string) (res *model.Reservation, warn error, err error) {
	if id == "" {
		return nil, nil, fmt.Errorf("%w: reservation id is required", ErrValidation)
	}

	existing, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	// Чужие брони для клиента не существуют.
	if existing.CustomerID != customerID {
		return nil, nil, repository.ErrReservationNotFound
	}

	updated, err := s.repo.TransitionReservation(ctx, id, model.ReservationCancelled)
	if err != nil {
		return nil, nil, err
	}

	s.publish(stream.TopicReservations, updated.CustomerID, updated.ID, false, updated)

	if updated.PointsAwarded {
		if _, revErr := s.AdjustPoints(ctx, customerID, -reservationPoints, model.PointReasonReserveReversal, id); revErr != nil {
			warn = fmt.Errorf("reverse points: %w", revErr)
		}
	}

	return updated, warn, nil
}

// SetReservationStatus переводит бронь в указанный финальный статус от
// имени персонала. Баллы при этом не трогаются: отмена кассиром не
// симметрична клиентской.
func (s *Service) SetReservationStatus(ctx context.Context, id string, status model.ReservationStatus) (*model.Reservation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: reservation id is required", ErrValidation)
	}
	if status != model.ReservationCompleted && status != model.ReservationCancelled {
		return nil, fmt.Errorf("%w: status must be completed or cancelled", ErrValidation)
	}

	updated, err := s.repo.TransitionReservation(ctx, id, status)
	if err != nil {
		return nil, err
	}

	s.publish(stream.TopicReservations, updated.CustomerID, updated.ID, false, updated)
	return updated, nil
}

// ListReservations возвращает брони с учётом роли: клиент видит только
// свои, персонал — все, новые первыми.
func (s *Service) ListReservations(ctx context.Context, viewerID string, role model.Role) ([]model.Reservation, error) {
	if role.IsStaff() {
		return s.repo.ListReservations(ctx)
	}
	return s.repo.ListReservationsByCustomer(ctx, viewerID)
}

// StartDirectorySync запускает фоновое зеркалирование каталога учётных
// записей из сервиса идентификации.
func (s *Service) StartDirectorySync(ctx context.Context) {
	if s.identity == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		var since time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				since = s.syncDirectory(ctx, since)
			}
		}
	}()
}

func (s *Service) syncDirectory(ctx context.Context, since time.Time) time.Time {
	recs, err := s.identity.Changes(ctx, since)
	if err != nil {
		return since
	}

	for _, rec := range recs {
		acc := &model.Account{
			ID:    rec.ID,
			Role:  model.Role(rec.Role),
			Name:  rec.Name,
			Email: rec.Email,
		}
		if err := s.repo.UpsertAccount(ctx, acc); err != nil {
			continue
		}

		if stored, err := s.repo.GetAccount(ctx, rec.ID); err == nil {
			s.publish(stream.TopicAccounts, stored.ID, stored.ID, false, stored)
		}

		if rec.UpdatedAt.After(since) {
			since = rec.UpdatedAt
		}
	}

	return since
}
