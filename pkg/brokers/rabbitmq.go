package brokers

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ реализует MessageBroker поверх одной очереди RabbitMQ
type RabbitMQ struct {
	config       Config
	conn         *amqp.Connection
	channel      *amqp.Channel
	lastDelivery *amqp.Delivery
}

// NewRabbitMQ создает RabbitMQ брокер
func NewRabbitMQ(cfg Config) (*RabbitMQ, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name is required for RabbitMQ")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		if cfg.UseTLS {
			cfg.Port = 5671
		} else {
			cfg.Port = 5672
		}
	}
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.Queue
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Second
	}

	return &RabbitMQ{config: cfg}, nil
}

// URL строка подключения amqp(s)://user:password@host:port/vhost
func (r *RabbitMQ) URL() string {
	scheme := "amqp"
	if r.config.UseTLS {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		scheme, r.config.User, r.config.Password, r.config.Host, r.config.Port, r.config.VHost)
}

// Connect открывает соединение, канал и объявляет очередь
func (r *RabbitMQ) Connect(ctx context.Context) error {
	var err error
	if r.config.UseTLS {
		r.conn, err = amqp.DialTLS(r.URL(), &tls.Config{
			ServerName: r.config.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		r.conn, err = amqp.Dial(r.URL())
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	r.channel, err = r.conn.Channel()
	if err != nil {
		r.conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = r.channel.QueueDeclare(
		r.config.Queue,
		r.config.Durable,
		r.config.AutoDelete,
		r.config.Exclusive,
		false,
		nil,
	)
	if err != nil {
		r.channel.Close()
		r.conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	return ctx.Err()
}

// Close закрывает канал и соединение
func (r *RabbitMQ) Close() error {
	var errs []error
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Send публикует запись с persistent delivery
func (r *RabbitMQ) Send(ctx context.Context, msg Message) error {
	if r.channel == nil {
		return ErrNotConnected
	}

	headers := amqp.Table{}
	contentType := "application/xml"
	for key, value := range msg.Headers {
		if key == HeaderContentType {
			contentType = value
			continue
		}
		headers[key] = value
	}

	err := r.channel.PublishWithContext(ctx,
		r.config.Exchange,
		r.config.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  contentType,
			MessageId:    msg.Key,
			Headers:      headers,
			Body:         msg.Body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Receive опрашивает очередь через Get с ручным ack, пока не истечет IdleTimeout
func (r *RabbitMQ) Receive(ctx context.Context) (Message, error) {
	if r.channel == nil {
		return Message{}, ErrNotConnected
	}

	deadline := time.Now().Add(r.config.IdleTimeout)
	for {
		delivery, ok, err := r.channel.Get(r.config.Queue, false)
		if err != nil {
			return Message{}, fmt.Errorf("failed to get message: %w", err)
		}
		if ok {
			r.lastDelivery = &delivery
			return deliveryMessage(delivery), nil
		}
		if time.Now().After(deadline) {
			return Message{}, ErrNoMessage
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func deliveryMessage(d amqp.Delivery) Message {
	msg := Message{
		Key:     d.MessageId,
		Body:    d.Body,
		Headers: map[string]string{HeaderContentType: d.ContentType},
	}
	for key, value := range d.Headers {
		if s, ok := value.(string); ok {
			msg.Headers[key] = s
		}
	}
	return msg
}

// Ack подтверждает последнее полученное сообщение
func (r *RabbitMQ) Ack(ctx context.Context) error {
	if r.lastDelivery == nil {
		return fmt.Errorf("no message to acknowledge")
	}
	if err := r.lastDelivery.Ack(false); err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}
	r.lastDelivery = nil
	return nil
}

// Nack возвращает последнее сообщение в очередь или отбрасывает его
func (r *RabbitMQ) Nack(requeue bool) error {
	if r.lastDelivery == nil {
		return fmt.Errorf("no message to reject")
	}
	if err := r.lastDelivery.Nack(false, requeue); err != nil {
		return fmt.Errorf("failed to reject message: %w", err)
	}
	r.lastDelivery = nil
	return nil
}

// Ping проверяет, что соединение и канал открыты
func (r *RabbitMQ) Ping(ctx context.Context) error {
	if r.conn == nil || r.conn.IsClosed() {
		return ErrNotConnected
	}
	if r.channel == nil || r.channel.IsClosed() {
		return fmt.Errorf("channel not open")
	}
	return nil
}

// GetBrokerType возвращает тип брокера
func (r *RabbitMQ) GetBrokerType() string {
	return "rabbitmq"
}
