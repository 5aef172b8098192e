// Package notify delivers fired alert events to the message broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
)

const (
	publishTimeout = 30 * time.Second
	dialAttempts   = 3
)

var (
	errNotConnected = errors.New("not connected to a server")
	errNacked       = errors.New("broker did not confirm the message")
	errClosed       = errors.New("publisher closed")
)

// Publisher hands one alert event to the transport and returns once the
// transport has accepted it.
type Publisher interface {
	Publish(ctx context.Context, event *models.AlertEvent) error
}

type publishRequest struct {
	ctx   context.Context
	msg   amqp.Publishing
	reply chan error
}

// AMQPPublisher owns one connection and confirm-mode channel. All broker I/O
// happens on its run goroutine; callers talk to it through the mailbox.
type AMQPPublisher struct {
	queue string
	addr  string

	conn            *amqp.Connection
	channel         *amqp.Channel
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error

	mailbox   chan publishRequest
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *slog.Logger
}

var _ Publisher = (*AMQPPublisher)(nil)

// NewAMQPPublisher starts the publisher loop. The connection is opened on the
// first publish and re-opened after the broker drops it.
func NewAMQPPublisher(addr, queue string, logger *slog.Logger) *AMQPPublisher {
	p := &AMQPPublisher{
		queue:   queue,
		addr:    addr,
		mailbox: make(chan publishRequest),
		done:    make(chan struct{}),
		logger:  logger.With(slog.String("component", "amqp_publisher")),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish sends event and waits for the broker confirm.
func (p *AMQPPublisher) Publish(ctx context.Context, event *models.AlertEvent) error {
	msg, err := newPublishing(event)
	if err != nil {
		return err
	}

	req := publishRequest{ctx: ctx, msg: msg, reply: make(chan error, 1)}
	select {
	case p.mailbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return errClosed
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop and closes the connection.
func (p *AMQPPublisher) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
	return nil
}

func (p *AMQPPublisher) run() {
	defer p.wg.Done()

	for {
		select {
		case req := <-p.mailbox:
			req.reply <- p.handlePublish(req)
		case err := <-p.notifyConnClose:
			p.logger.Warn("connection closed", slog.Any("error", err))
			p.conn, p.channel = nil, nil
			p.notifyConnClose, p.notifyChanClose = nil, nil
		case err := <-p.notifyChanClose:
			p.logger.Warn("channel closed", slog.Any("error", err))
			p.channel = nil
			p.notifyChanClose = nil
		case <-p.done:
			p.handleClose()
			return
		}
	}
}

func (p *AMQPPublisher) handlePublish(req publishRequest) error {
	ctx, cancel := context.WithTimeout(req.ctx, publishTimeout)
	defer cancel()

	if err := p.ensureReady(ctx); err != nil {
		return err
	}

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		req.msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	if confirm == nil {
		return errNotConnected
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to await confirm: %w", err)
	}
	if !acked {
		return errNacked
	}
	return nil
}

// ensureReady dials and initializes the channel if either is missing.
func (p *AMQPPublisher) ensureReady(ctx context.Context) error {
	if p.channel != nil && !p.channel.IsClosed() {
		return nil
	}

	if p.conn == nil || p.conn.IsClosed() {
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialAttempts), ctx)
		conn, err := backoff.RetryWithData(func() (*amqp.Connection, error) {
			return amqp.Dial(p.addr)
		}, b)
		if err != nil {
			return fmt.Errorf("%w: %v", errNotConnected, err)
		}
		p.changeConnection(conn)
		p.logger.Info("connected to broker")
	}

	if err := p.init(p.conn); err != nil {
		return fmt.Errorf("failed to initialize channel: %w", err)
	}
	return nil
}

// init opens a confirm-mode channel and declares the durable queue.
func (p *AMQPPublisher) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return err
	}

	_, err = ch.QueueDeclare(
		p.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		ch.Close()
		return err
	}

	p.changeChannel(ch)
	return nil
}

func (p *AMQPPublisher) changeConnection(conn *amqp.Connection) {
	p.conn = conn
	p.notifyConnClose = make(chan *amqp.Error, 1)
	p.conn.NotifyClose(p.notifyConnClose)
}

func (p *AMQPPublisher) changeChannel(ch *amqp.Channel) {
	p.channel = ch
	p.notifyChanClose = make(chan *amqp.Error, 1)
	p.channel.NotifyClose(p.notifyChanClose)
}

func (p *AMQPPublisher) handleClose() {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", slog.String("error", err.Error()))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("error closing connection", slog.String("error", err.Error()))
		}
	}
	p.conn, p.channel = nil, nil
}

// alertMessage is the wire form of an alert. MessageId carries the event id
// so consumers can drop redeliveries.
type alertMessage struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Kind      models.AlertKind `json:"kind"`
	ReadingID *int64           `json:"reading_id,omitempty"`
	Value     *float64         `json:"value,omitempty"`
	Threshold *float64         `json:"threshold,omitempty"`
	FiredAt   time.Time        `json:"fired_at"`
}

func newPublishing(event *models.AlertEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(alertMessage{
		ID:        event.ID,
		UserID:    event.UserID,
		Kind:      event.Kind,
		ReadingID: event.ReadingSeq,
		Value:     event.Value,
		Threshold: event.Threshold,
		FiredAt:   event.FiredAt.UTC(),
	})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode alert: %w", err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         string(event.Kind),
		Timestamp:    event.FiredAt.UTC(),
		Body:         body,
	}, nil
}
