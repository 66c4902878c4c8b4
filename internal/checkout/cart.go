// Package checkout реализует корзину кассира и транзакцию чекаута.
//
// Корзины живут только в памяти процесса: каждая принадлежит одной
// сессии кассира и исчезает при чекауте или перезапуске.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/avolkov/loyaltypos/internal/model"
)

// Правило начисления: 20 баллов за каждые полные 10 единиц суммы чека.
const (
	earnStep   = 10
	earnPoints = 20
)

// ErrOutOfStock возвращается при добавлении позиции с нулевым остатком.
var (
	ErrOutOfStock = errors.New("item is out of stock")
	// ErrEmptyCart возвращается при чекауте пустой корзины.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrLineNotFound возвращается, если строки с такой позицией в корзине нет.
	ErrLineNotFound = errors.New("cart line not found")
	// ErrConfirmationRequired возвращается при сторнировании строки без подтверждения.
	ErrConfirmationRequired = errors.New("void requires confirmation")
)

// Catalog — доступ к каталогу, нужный корзине.
type Catalog interface {
	GetItem(ctx context.Context, id string) (*model.MenuItem, error)
	DecrementStock(ctx context.Context, id string, qty int64) (*model.MenuItem, error)
}

// Ledger — начисление баллов при чекауте.
type Ledger interface {
	AdjustPoints(ctx context.Context, accountID string, delta int64, reason model.PointReason, ref string) (*model.Account, error)
}

// Directory — поиск учётной записи для привязки к транзакции.
type Directory interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	FindAccountByName(ctx context.Context, name string) (*model.Account, error)
}

// Cart — снимок корзины, отдаваемый наружу.
type Cart struct {
	Lines    []model.CartLine `json:"lines"`
	Customer *model.Account   `json:"customer,omitempty"`
	Total    int64            `json:"total"`
}

type cartState struct {
	lines    []model.CartLine
	customer *model.Account
}

// Manager хранит корзины всех кассиров и выполняет операции над ними.
// Все операции безопасны для параллельных вызовов.
type Manager struct {
	catalog   Catalog
	ledger    Ledger
	directory Directory

	mu    sync.Mutex
	carts map[string]*cartState
}

// NewManager создаёт менеджер корзин.
func NewManager(catalog Catalog, ledger Ledger, directory Directory) *Manager {
	return &Manager{
		catalog:   catalog,
		ledger:    ledger,
		directory: directory,
		carts:     make(map[string]*cartState),
	}
}

func (m *Manager) state(cashierID string) *cartState {
	c, ok := m.carts[cashierID]
	if !ok {
		c = &cartState{}
		m.carts[cashierID] = c
	}
	return c
}

func snapshot(c *cartState) *Cart {
	lines := make([]model.CartLine, len(c.lines))
	copy(lines, c.lines)

	var customer *model.Account
	if c.customer != nil {
		cp := *c.customer
		customer = &cp
	}

	return &Cart{Lines: lines, Customer: customer, Total: total(lines)}
}

func total(lines []model.CartLine) int64 {
	var sum int64
	for _, l := range lines {
		sum += l.UnitPrice * l.Quantity
	}
	return sum
}

// View возвращает снимок корзины кассира.
func (m *Manager) View(cashierID string) *Cart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.state(cashierID))
}

// AddLine добавляет позицию каталога в корзину. Строки одной позиции
// сливаются, цена фиксируется по каталогу на момент первого добавления.
// Позиция с нулевым остатком не добавляется; проверка остатка здесь
// только отсекающая, остаток списывается при чекауте.
func (m *Manager) AddLine(ctx context.Context, cashierID, itemID string) (*Cart, error) {
	item, err := m.catalog.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Stock <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrOutOfStock, item.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.state(cashierID)
	for i := range c.lines {
		if c.lines[i].ItemID == item.ID {
			c.lines[i].Quantity++
			return snapshot(c), nil
		}
	}

	c.lines = append(c.lines, model.CartLine{
		ItemID:    item.ID,
		ItemName:  item.Name,
		Quantity:  1,
		UnitPrice: item.Price,
	})

	return snapshot(c), nil
}

// RemoveLine сторнирует строку корзины целиком. Без подтверждения
// операция отклоняется.
func (m *Manager) RemoveLine(cashierID, itemID string, confirmed bool) (*Cart, error) {
	if !confirmed {
		return nil, ErrConfirmationRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.state(cashierID)
	for i := range c.lines {
		if c.lines[i].ItemID == itemID {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			return snapshot(c), nil
		}
	}

	return nil, ErrLineNotFound
}

// LinkCustomerByName привязывает учётную запись к транзакции по точному
// совпадению имени.
func (m *Manager) LinkCustomerByName(ctx context.Context, cashierID, name string) (*Cart, error) {
	acc, err := m.directory.FindAccountByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.link(cashierID, acc), nil
}

// LinkCustomerByID привязывает учётную запись по идентификатору.
func (m *Manager) LinkCustomerByID(ctx context.Context, cashierID, accountID string) (*Cart, error) {
	acc, err := m.directory.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return m.link(cashierID, acc), nil
}

func (m *Manager) link(cashierID string, acc *model.Account) *Cart {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.state(cashierID)
	c.customer = acc
	return snapshot(c)
}

// UnlinkCustomer отвязывает учётную запись от транзакции.
func (m *Manager) UnlinkCustomer(cashierID string) *Cart {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.state(cashierID)
	c.customer = nil
	return snapshot(c)
}

// PointsEarned возвращает баллы за чек на указанную сумму.
func PointsEarned(total int64) int64 {
	if total < 0 {
		return 0
	}
	return total / earnStep * earnPoints
}

// Checkout фиксирует транзакцию: начисляет баллы привязанному клиенту,
// списывает остатки по строкам и очищает корзину. Сбой начисления
// прерывает чекаут до каких-либо складских эффектов; сбой списания
// остатка по отдельной строке — вторичный и возвращается как warn.
func (m *Manager) Checkout(ctx context.Context, cashierID string) (receipt *model.Receipt, warn error, err error) {
	m.mu.Lock()
	c := m.state(cashierID)
	if len(c.lines) == 0 {
		m.mu.Unlock()
		return nil, nil, ErrEmptyCart
	}
	committed := snapshot(c)
	m.mu.Unlock()

	receipt = &model.Receipt{
		Lines: committed.Lines,
		Total: committed.Total,
	}

	if committed.Customer != nil {
		receipt.PointsEarned = PointsEarned(committed.Total)
		acc, adjErr := m.ledger.AdjustPoints(ctx, committed.Customer.ID, receipt.PointsEarned, model.PointReasonCheckoutEarn, "")
		if adjErr != nil {
			return nil, nil, adjErr
		}
		receipt.Customer = acc
	}

	for _, line := range committed.Lines {
		if _, decErr := m.catalog.DecrementStock(ctx, line.ItemID, line.Quantity); decErr != nil {
			warn = errors.Join(warn, fmt.Errorf("decrement stock for %s: %w", line.ItemID, decErr))
		}
	}

	m.mu.Lock()
	c.lines = nil
	c.customer = nil
	m.mu.Unlock()

	return receipt, warn, nil
}
