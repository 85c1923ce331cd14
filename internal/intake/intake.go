// Package intake consumes job requests from a message transport.
//
// A Pipeline runs two loops sharing one unbounded FIFO Buffer. The receiver
// loop only pushes deliveries into the buffer and never acknowledges, so a
// slow job manager never stalls the transport. The processor loop handles
// one delivery at a time in arrival order and settles each exactly once:
//
//   - body which is not a JSON object: ack, the message is dropped
//   - add_game succeeded: ack
//   - schema mismatch, add_game error or rejection: nack with requeue and
//     a pause of NackDelay before the next delivery
//   - as above, but the delivery was redelivered more than MaxRedeliveries
//     times: reject without requeue
//
// The transport connection is retried with a constant backoff forever.
package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/rcssrunner/runner/internal/log"
	"github.com/rcssrunner/runner/internal/model"
)

// Delivery is one message received from a transport.
type Delivery interface {
	Body() []byte
	Ack() error
	// Nack returns the message to the queue when requeue is set, otherwise
	// the broker drops or dead-letters it.
	Nack(requeue bool) error
	// Redeliveries returns how many times the message was delivered before.
	Redeliveries() int
}

// Transport delivers messages until the connection is lost or ctx is done.
type Transport interface {
	Consume(ctx context.Context, deliver func(Delivery)) error
}

// Manager accepts jobs.
type Manager interface {
	AddGame(ctx context.Context, info model.GameInfo) (model.AddGameResponse, error)
}

type Config struct {
	Parser          *Parser
	Manager         Manager
	RetryInterval   time.Duration
	NackDelay       time.Duration
	MaxRedeliveries int // 0 => unlimited
}

func ConfigFrom(cfg model.AMQP, parser *Parser, manager Manager) Config {
	return Config{
		Parser:          parser,
		Manager:         manager,
		RetryInterval:   cfg.RetryDelay(),
		NackDelay:       cfg.NackDelay(),
		MaxRedeliveries: cfg.MaxRedeliveries,
	}
}

type Pipeline struct {
	cfg    Config
	buffer *Buffer[Delivery]
}

func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		buffer: NewBuffer[Delivery](),
	}
}

// Receive enqueues a delivery. It never blocks and never acknowledges.
func (p *Pipeline) Receive(d Delivery) {
	p.buffer.Push(d)
}

// Pending returns the number of deliveries waiting for the processor.
func (p *Pipeline) Pending() int {
	return p.buffer.Len()
}

// Run consumes transport and processes the deliveries until ctx is done.
func (p *Pipeline) Run(ctx context.Context, transport Transport) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Receiver(ctx, transport)
	})
	g.Go(func() error {
		return p.Processor(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Receiver keeps a transport consumer running, reconnecting after every
// failure with a constant backoff. It returns only when ctx is done.
func (p *Pipeline) Receiver(ctx context.Context, transport Transport) error {
	op := func() error {
		err := transport.Consume(ctx, p.Receive)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = model.ErrTransportDisconnected
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		slog.ErrorContext(ctx, "transport disconnected, retrying", "kind", model.Kind(err), "error", err, "retry_in", next)
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(p.cfg.RetryInterval), ctx)
	return backoff.RetryNotify(op, policy, notify)
}

// Processor settles buffered deliveries one by one until ctx is done.
func (p *Pipeline) Processor(ctx context.Context) error {
	for {
		d, err := p.buffer.Pop(ctx)
		if err != nil {
			return err
		}
		if requeued := p.handle(ctx, d); requeued {
			slog.InfoContext(ctx, "pausing intake", "delay", p.cfg.NackDelay)
			if err := sleep(ctx, p.cfg.NackDelay); err != nil {
				return err
			}
		}
	}
}

// handle settles d and reports whether it was returned to the queue.
func (p *Pipeline) handle(ctx context.Context, d Delivery) bool {
	info, err := p.cfg.Parser.Parse(d.Body())
	if errors.Is(err, model.ErrMalformedMessage) {
		slog.ErrorContext(ctx, "dropping message", "kind", model.Kind(err), "error", err, "body", string(d.Body()))
		if !p.cfg.Parser.Tolerant() && bytes.ContainsRune(d.Body(), '\'') {
			slog.WarnContext(ctx, "message looks like a legacy single quoted body, set amqp.tolerant to accept it")
		}
		settle(ctx, "ack", d.Ack())
		return false
	}
	if err == nil {
		ctx = log.ContextAttrs(ctx, slog.Int64("game_id", info.GameID))
		slog.InfoContext(ctx, "job received", "game", info)
		err = p.addGame(ctx, info)
	}
	if err == nil {
		settle(ctx, "ack", d.Ack())
		return false
	}

	if limit := p.cfg.MaxRedeliveries; limit > 0 && d.Redeliveries() >= limit {
		slog.ErrorContext(ctx, "rejecting message, redelivery limit reached",
			"kind", model.Kind(err), "error", err, "redeliveries", d.Redeliveries())
		settle(ctx, "reject", d.Nack(false))
		return false
	}
	slog.ErrorContext(ctx, "job not accepted, requeueing", "kind", model.Kind(err), "error", err)
	settle(ctx, "nack", d.Nack(true))
	return true
}

func (p *Pipeline) addGame(ctx context.Context, info model.GameInfo) error {
	resp, err := p.cfg.Manager.AddGame(ctx, info)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrJobRejected, err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", model.ErrJobRejected, resp.Error)
	}
	return nil
}

// settle logs a failed acknowledgment. The broker redelivers such a message
// after the channel is gone, so there is nothing else to do.
func settle(ctx context.Context, op string, err error) {
	if err != nil {
		slog.WarnContext(ctx, "settling delivery", "op", op, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
