// Package stream реализует слой рассылки изменений подключённым дашбордам.
package stream

import (
	"encoding/json"
	"time"
)

// Topic различает коллекции, по которым рассылаются события.
type Topic string

const (
	TopicCatalog      Topic = "catalog"
	TopicReservations Topic = "reservations"
	TopicAccounts     Topic = "accounts"
)

// Event описывает одно изменение документа. Payload содержит JSON
// обновлённого документа; для удалений Payload пуст и выставлен Deleted.
type Event struct {
	Topic    Topic           `json:"topic"`
	OwnerID  string          `json:"ownerId,omitempty"`
	EntityID string          `json:"entityId"`
	Deleted  bool            `json:"deleted,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	At       time.Time       `json:"at"`
	Origin   string          `json:"origin,omitempty"`
}

// Publisher принимает события от мутаторов ядра.
type Publisher interface {
	Publish(ev Event)
}
