package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// studyBindingKey matches every EventType routing key.
const studyBindingKey = "study.#"

// AMQPPublisher publishes events to a topic exchange, routed by event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, ch, err := dialExchange(url, exchange)
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish implements Publisher. amqp channels are not safe for concurrent publishing.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	key, msg, err := encodePublishing(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
}

// encodePublishing returns the routing key and persistent JSON message for ev.
func encodePublishing(ev Event) (string, amqp.Publishing, error) {
	if ev.ID == "" || ev.Type == "" {
		return "", amqp.Publishing{}, errors.New("event id and type required")
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return "", amqp.Publishing{}, err
	}
	return string(ev.Type), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Body:         b,
	}, nil
}

func decodeDelivery(d amqp.Delivery) (Event, error) {
	var ev Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return Event{}, errors.New("event id and type required")
	}
	if d.RoutingKey != "" && d.RoutingKey != string(ev.Type) {
		return Event{}, fmt.Errorf("routing key %q does not match event type %q", d.RoutingKey, ev.Type)
	}
	return ev, nil
}

func (p *AMQPPublisher) Close() error {
	return closeAMQP(p.conn, p.ch)
}

// AMQPConsumer binds a durable queue to the exchange for every event type.
type AMQPConsumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewAMQPConsumer(url, exchange, queue string) (*AMQPConsumer, error) {
	conn, ch, err := dialExchange(url, exchange)
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		_ = closeAMQP(conn, ch)
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, studyBindingKey, exchange, false, nil); err != nil {
		_ = closeAMQP(conn, ch)
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	return &AMQPConsumer{conn: conn, ch: ch, queue: q.Name}, nil
}

// Start implements Subscriber. A failed delivery is requeued once, then dropped.
func (c *AMQPConsumer) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := c.ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for i := 0; i < concurrency; i++ {
		go func() {
			for d := range deliveries {
				c.handle(ctx, d, handler)
			}
		}()
	}
	return nil
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	ev, err := decodeDelivery(d)
	if err != nil {
		slog.Warn("dropping malformed event", "queue", c.queue, "err", err)
		_ = d.Nack(false, false)
		return
	}
	if err := handler(ctx, ev); err != nil {
		slog.Warn("event handler failed", "event_id", ev.ID, "type", ev.Type, "redelivered", d.Redelivered, "err", err)
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

func (c *AMQPConsumer) Close() error {
	return closeAMQP(c.conn, c.ch)
}

func dialExchange(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = closeAMQP(conn, ch)
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return conn, ch, nil
}

func closeAMQP(conn *amqp.Connection, ch *amqp.Channel) error {
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
