// Package model содержит доменные сущности сервиса loyaltypos.
package model

import "time"

// Role описывает роль учётной записи в системе.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleCashier  Role = "cashier"
	RoleAdmin    Role = "admin"
)

// IsStaff сообщает, относится ли роль к персоналу (кассир или администратор).
func (r Role) IsStaff() bool {
	return r == RoleCashier || r == RoleAdmin
}

// Account представляет учётную запись с балансом бонусных баллов.
// Записи создаёт внешний сервис идентификации; ядро читает их
// и атомарно изменяет только поле Points.
type Account struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Points    int64     `json:"points"`
	CreatedAt time.Time `json:"createdAt"`
}

// MenuItem описывает позицию каталога. Цена хранится в наименьших
// единицах валюты, остаток никогда не опускается ниже нуля.
type MenuItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Stock     int64     `json:"stock"`
	Price     int64     `json:"price"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReservationStatus описывает статус брони.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCompleted ReservationStatus = "completed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Terminal сообщает, является ли статус финальным: из completed и
// cancelled переходов больше нет.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationCompleted || s == ReservationCancelled
}

// Reservation описывает бронь клиента. После создания меняются только
// статус и флаг PointsAwarded, остальные поля — снимок на момент создания.
type Reservation struct {
	ID            string            `json:"id"`
	CustomerID    string            `json:"customerId"`
	CustomerName  string            `json:"customerName"`
	ItemID        string            `json:"itemId"`
	ItemName      string            `json:"itemName"`
	Date          string            `json:"date"`
	TimeSlot      string            `json:"timeSlot"`
	Quantity      int64             `json:"quantity"`
	Status        ReservationStatus `json:"status"`
	PointsAwarded bool              `json:"pointsAwarded"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// PointReason описывает причину движения баллов в журнале.
type PointReason string

const (
	PointReasonReserveGrant    PointReason = "reserve_grant"
	PointReasonReserveReversal PointReason = "reserve_reversal"
	PointReasonCheckoutEarn    PointReason = "checkout_earn"
)

// PointEntry — запись журнала движения баллов. Журнал ведётся в одной
// транзакции с изменением баланса и служит для аудита.
type PointEntry struct {
	ID        int64       `json:"id"`
	AccountID string      `json:"accountId"`
	Delta     int64       `json:"delta"`
	Reason    PointReason `json:"reason"`
	Ref       string      `json:"ref"`
	CreatedAt time.Time   `json:"createdAt"`
}

// CartLine — строка корзины кассира. UnitPrice фиксируется в момент
// добавления и не меняется при последующих правках каталога.
type CartLine struct {
	ItemID    string `json:"itemId"`
	ItemName  string `json:"itemName"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// Receipt — результат успешного чекаута.
type Receipt struct {
	Lines        []CartLine `json:"lines"`
	Total        int64      `json:"total"`
	PointsEarned int64      `json:"pointsEarned"`
	Customer     *Account   `json:"customer,omitempty"`
}
