package events

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Producer is the subset of sarama.SyncProducer the sink needs
type Producer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// KafkaSink forwards bus events to a Kafka topic, keyed by event type
type KafkaSink struct {
	producer Producer
	topic    string
	logger   zerolog.Logger
	cancel   func()
}

// NewKafkaProducer creates a sync producer that waits for all in-sync replicas
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// NewKafkaSink subscribes to every event on bus and publishes it to topic
func NewKafkaSink(bus *EventBus, producer Producer, topic string, logger zerolog.Logger) *KafkaSink {
	s := &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "KafkaSink").Logger(),
	}
	s.cancel = bus.SubscribeFunc(s.handle)
	return s
}

func (s *KafkaSink) handle(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to encode event")
		return
	}

	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     s.topic,
		Key:       sarama.StringEncoder(event.Type),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: event.Timestamp,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event to kafka")
	}
}

// Close unsubscribes and closes the producer
func (s *KafkaSink) Close() error {
	s.cancel()
	return s.producer.Close()
}
