package brokers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka реализует MessageBroker поверх topic'а Apache Kafka.
// Ключ сообщения gml:id, поэтому версии одного объекта попадают в одну партицию
type Kafka struct {
	config      Config
	writer      *kafka.Writer
	reader      *kafka.Reader
	lastMessage *kafka.Message
}

// NewKafka создает Kafka брокер
func NewKafka(cfg Config) (*Kafka, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic name is required for Kafka")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required for Kafka")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "citydb-import"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Second
	}

	return &Kafka{config: cfg}, nil
}

// Connect проверяет доступность topic'а и создает writer и reader
func (k *Kafka) Connect(ctx context.Context) error {
	if err := k.Ping(ctx); err != nil {
		return err
	}

	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(k.config.Brokers...),
		Topic:        k.config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Zstd,
		MaxAttempts:  3,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}

	k.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.config.Brokers,
		GroupID:        k.config.ConsumerGroup,
		Topic:          k.config.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		MaxWait:        time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})
	return nil
}

// Close закрывает writer и reader
func (k *Kafka) Close() error {
	var errs []error
	if k.writer != nil {
		if err := k.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close writer: %w", err))
		}
	}
	if k.reader != nil {
		if err := k.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close reader: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Send публикует одну запись
func (k *Kafka) Send(ctx context.Context, msg Message) error {
	if k.writer == nil {
		return ErrNotConnected
	}

	headers := make([]kafka.Header, 0, len(msg.Headers))
	for key, value := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Time:    time.Now(),
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}
	return nil
}

// Receive читает следующее сообщение. Offset не коммитится до Ack
func (k *Kafka) Receive(ctx context.Context) (Message, error) {
	if k.reader == nil {
		return Message{}, ErrNotConnected
	}

	fetchCtx, cancel := context.WithTimeout(ctx, k.config.IdleTimeout)
	defer cancel()

	msg, err := k.reader.FetchMessage(fetchCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return Message{}, ErrNoMessage
		}
		return Message{}, fmt.Errorf("failed to fetch message: %w", err)
	}

	k.lastMessage = &msg
	out := Message{
		Key:     string(msg.Key),
		Body:    msg.Value,
		Headers: make(map[string]string, len(msg.Headers)),
	}
	for _, h := range msg.Headers {
		out.Headers[h.Key] = string(h.Value)
	}
	return out, nil
}

// Ack коммитит offset последнего полученного сообщения
func (k *Kafka) Ack(ctx context.Context) error {
	if k.lastMessage == nil {
		return fmt.Errorf("no message to commit")
	}
	if err := k.reader.CommitMessages(ctx, *k.lastMessage); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	k.lastMessage = nil
	return nil
}

// Ping проверяет доступность брокера и наличие партиций topic'а
func (k *Kafka) Ping(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", k.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial Kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(k.config.Topic); err != nil {
		return fmt.Errorf("failed to read topic partitions: %w", err)
	}
	return nil
}

// GetBrokerType возвращает тип брокера
func (k *Kafka) GetBrokerType() string {
	return "kafka"
}

// Stats возвращает статистику writer'а
func (k *Kafka) Stats() kafka.WriterStats {
	if k.writer == nil {
		return kafka.WriterStats{}
	}
	return k.writer.Stats()
}
