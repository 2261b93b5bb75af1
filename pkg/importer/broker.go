package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/brokers"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/writer"
)

// BrokerSource читает объекты из очереди. Каждое сообщение - один или
// несколько элементов core:cityObjectMember, как их пишет writer.BrokerSink.
// Очередь считается исчерпанной, когда брокер не отдает сообщений
// в течение IdleTimeout
type BrokerSource struct {
	broker   brokers.MessageBroker
	registry *schema.Registry
	baseDir  string
	log      zerolog.Logger

	pending []*Feature
	unacked bool
}

// NewBrokerSource создает источник поверх подключенного брокера
// baseDir - каталог, от которого считаются пути текстур
func NewBrokerSource(broker brokers.MessageBroker, registry *schema.Registry, baseDir string, log zerolog.Logger) *BrokerSource {
	return &BrokerSource{
		broker:   broker,
		registry: registry,
		baseDir:  baseDir,
		log:      log.With().Str("component", "broker-source").Logger(),
	}
}

func (s *BrokerSource) Name() string { return "broker:" + s.broker.GetBrokerType() }

// Next возвращает объекты текущего сообщения, затем получает следующее
func (s *BrokerSource) Next(ctx context.Context) (*Feature, error) {
	for len(s.pending) == 0 {
		msg, err := s.broker.Receive(ctx)
		if errors.Is(err, brokers.ErrNoMessage) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("failed to receive message: %w", err)
		}
		s.unacked = true

		features, err := s.parse(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", msg.Key, err)
		}
		if len(features) == 0 {
			// пустое сообщение подтверждается сразу
			if err := s.Ack(ctx); err != nil {
				return nil, err
			}
		}
		s.pending = features
	}

	f := s.pending[0]
	s.pending = s.pending[1:]
	return f, nil
}

// parse оборачивает фрагмент в core:CityModel, чтобы объявить префиксы
func (s *BrokerSource) parse(body []byte) ([]*Feature, error) {
	doc := io.MultiReader(bytes.NewReader(writer.CityGML.Header), bytes.NewReader(body), bytes.NewReader(writer.CityGML.Footer))
	r, err := NewReader(doc, s.registry)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	r.baseDir = s.baseDir

	var features []*Feature
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return features, nil
		}
		if errors.Is(err, ErrUnknownFeatureType) {
			s.log.Error().Err(err).Msg("Skipping feature of unsupported type")
			continue
		}
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
}

// Ack подтверждает сообщение, когда все его объекты переданы воркерам
func (s *BrokerSource) Ack(ctx context.Context) error {
	if !s.unacked || len(s.pending) > 0 {
		return nil
	}
	if err := s.broker.Ack(ctx); err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}
	s.unacked = false
	return nil
}

// Close закрывает брокер
func (s *BrokerSource) Close() error {
	return s.broker.Close()
}
