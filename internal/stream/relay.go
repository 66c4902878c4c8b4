package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const relayExchange = "loyaltypos_events"

// Relay связывает локальный хаб с fanout-обменником AMQP: локальные
// события публикуются в обменник, события соседних инстансов вливаются
// в хаб. Дашборды, подключённые к любому инстансу, видят все изменения.
type Relay struct {
	hub    *Hub
	conn   *amqp.Connection
	origin string
	logger *zap.Logger
}

// NewRelay подключается к брокеру и возвращает готовый к работе relay.
func NewRelay(url, origin string, hub *Hub, logger *zap.Logger) (*Relay, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	return &Relay{
		hub:    hub,
		conn:   conn,
		origin: origin,
		logger: logger,
	}, nil
}

// Publish доставляет событие локальному хабу и ретранслирует его
// остальным инстансам. Сбой ретрансляции не блокирует локальную
// доставку: событие уже применено к хранилищу.
func (r *Relay) Publish(ev Event) {
	ev.Origin = r.origin
	r.hub.Publish(ev)

	if err := r.forward(ev); err != nil {
		r.logger.Error("relay publish error", zap.Error(err), zap.String("topic", string(ev.Topic)))
	}
}

func (r *Relay) forward(ev Event) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(relayExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = ch.Publish(relayExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	return nil
}

// Run потребляет события соседних инстансов до отмены контекста,
// переподключаясь после обрывов.
func (r *Relay) Run(ctx context.Context) error {
	for {
		err := r.consume(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warn("relay consumer disconnected", zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (r *Relay) consume(ctx context.Context) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := ch.ExchangeDeclare(relayExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", relayExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-closeChan:
			if err != nil {
				return fmt.Errorf("channel closed: %w", err)
			}
			return fmt.Errorf("channel closed gracefully")

		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("messages channel closed")
			}

			var ev Event
			if err := json.Unmarshal(msg.Body, &ev); err != nil {
				r.logger.Warn("relay: bad event body", zap.Error(err))
				continue
			}

			// Собственные события уже доставлены локально.
			if ev.Origin == r.origin {
				continue
			}

			r.hub.Publish(ev)
		}
	}
}

// Close разрывает соединение с брокером.
func (r *Relay) Close() error {
	return r.conn.Close()
}
