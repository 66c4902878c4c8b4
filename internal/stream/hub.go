package stream

import (
	"sync"

	"github.com/avolkov/loyaltypos/internal/model"
)

const subscriptionBuffer = 64

// Scope описывает, от чьего имени открыта подписка. Видимость события
// определяется ролью и владельцем документа.
type Scope struct {
	AccountID string
	Role      model.Role
}

// Subscription — одна подписка дашборда. Канал C закрывается при
// отписке или при переполнении буфера; клиент обязан переподключиться.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	scope Scope
	hub   *Hub
	once  sync.Once
}

// Close отписывает подписку и закрывает канал.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub рассылает события всем подходящим подпискам в порядке публикации.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub создаёт пустой хаб.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe регистрирует подписку с указанной областью видимости.
func (h *Hub) Subscribe(scope Scope) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, scope: scope, hub: h}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Publish доставляет событие всем подпискам, чья область видимости его
// покрывает. Подписка с переполненным буфером закрывается: контракт
// подписки рестартуемый, медленный клиент перечитает состояние заново.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		if !matches(sub.scope, ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			delete(h.subs, sub)
			sub.once.Do(func() { close(sub.ch) })
		}
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// matches реализует правила видимости: каталог виден всем, брони и
// учётные записи — персоналу целиком, клиенту только свои.
func matches(scope Scope, ev Event) bool {
	if ev.Topic == TopicCatalog {
		return true
	}
	if scope.Role.IsStaff() {
		return true
	}
	return ev.OwnerID != "" && ev.OwnerID == scope.AccountID
}
