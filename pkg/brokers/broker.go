package brokers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected возвращается при вызове до Connect
var ErrNotConnected = errors.New("broker not connected")

// ErrNoMessage сигнализирует, что очередь пуста дольше IdleTimeout
var ErrNoMessage = errors.New("no message available")

// Заголовки сообщения с экспортированным объектом
const (
	HeaderFeatureID   = "citydb-feature-id"
	HeaderFeatureType = "citydb-feature-type"
	HeaderContentType = "content-type"
)

// Message одна запись экспорта в брокере
type Message struct {
	Key     string
	Body    []byte
	Headers map[string]string
}

// MessageBroker универсальный интерфейс потоковой выдачи и приема объектов
type MessageBroker interface {
	// Connect устанавливает соединение с брокером
	Connect(ctx context.Context) error

	// Close закрывает соединение с брокером
	Close() error

	// Send публикует сообщение
	Send(ctx context.Context, msg Message) error

	// Receive получает следующее сообщение без подтверждения.
	// Возвращает ErrNoMessage, если за IdleTimeout ничего не пришло
	Receive(ctx context.Context) (Message, error)

	// Ack подтверждает последнее полученное сообщение
	Ack(ctx context.Context) error

	// Ping проверяет доступность брокера
	Ping(ctx context.Context) error

	// GetBrokerType возвращает тип брокера (rabbitmq, kafka)
	GetBrokerType() string
}

// Config параметры подключения к брокеру
type Config struct {
	Type        string        `yaml:"type"` // rabbitmq, kafka
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// RabbitMQ
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Queue      string `yaml:"queue"`
	VHost      string `yaml:"vhost"`
	UseTLS     bool   `yaml:"use_tls"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`

	// Параметры очереди RabbitMQ должны совпадать с существующей очередью
	Durable    bool `yaml:"durable"`
	AutoDelete bool `yaml:"auto_delete"`
	Exclusive  bool `yaml:"exclusive"`

	// Kafka
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// New создает MessageBroker по конфигурации
func New(cfg Config) (MessageBroker, error) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMQ(cfg)
	case "kafka":
		return NewKafka(cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s (supported: rabbitmq, kafka)", cfg.Type)
	}
}
