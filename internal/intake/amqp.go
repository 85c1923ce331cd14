package intake

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rcssrunner/runner/internal/model"
)

const connectionName = "rcss-runner"

// AMQP consumes one queue of a RabbitMQ broker. Each Consume call is one
// connection lifetime; reconnecting is up to the caller.
type AMQP struct {
	url      string
	queue    string
	prefetch int
}

func NewAMQP(cfg model.AMQP) *AMQP {
	return &AMQP{
		url:      cfg.URL,
		queue:    cfg.Queue,
		prefetch: cfg.Prefetch,
	}
}

func (a *AMQP) Consume(ctx context.Context, deliver func(Delivery)) error {
	conn, err := amqp.DialConfig(a.url, amqp.Config{
		Properties: amqp.Table{"connection_name": connectionName},
	})
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %w", model.ErrTransportDisconnected, model.Redact(a.url), err)
	}
	defer func() {
		_ = conn.Close()
	}()
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: opening channel: %w", model.ErrTransportDisconnected, err)
	}
	// the queue is shared with the producers, declare it the way they do:
	// not durable, not exclusive, no auto delete
	if _, err := ch.QueueDeclare(a.queue, false, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declaring queue %s: %w", model.ErrTransportDisconnected, a.queue, err)
	}
	if a.prefetch > 0 {
		if err := ch.Qos(a.prefetch, 0, false); err != nil {
			return fmt.Errorf("%w: setting prefetch: %w", model.ErrTransportDisconnected, err)
		}
	}
	msgs, err := ch.ConsumeWithContext(ctx, a.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: consuming %s: %w", model.ErrTransportDisconnected, a.queue, err)
	}
	slog.InfoContext(ctx, "consuming", "url", model.Redact(a.url), "queue", a.queue, "prefetch", a.prefetch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok {
				return model.ErrTransportDisconnected
			}
			return fmt.Errorf("%w: %w", model.ErrTransportDisconnected, amqpErr)
		case m, ok := <-msgs:
			if !ok {
				return fmt.Errorf("%w: delivery channel closed", model.ErrTransportDisconnected)
			}
			deliver(delivery{m})
		}
	}
}

type delivery struct {
	amqp.Delivery
}

func (d delivery) Body() []byte {
	return d.Delivery.Body
}

func (d delivery) Ack() error {
	return d.Delivery.Ack(false)
}

func (d delivery) Nack(requeue bool) error {
	return d.Delivery.Nack(false, requeue)
}

// Redeliveries uses the delivery count of quorum queues. A classic queue
// only flags a redelivery, which counts as one.
func (d delivery) Redeliveries() int {
	switch n := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	}
	if d.Redelivered {
		return 1
	}
	return 0
}
