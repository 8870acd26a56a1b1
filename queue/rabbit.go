package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"docproc.evalgo.org/common"
)

// EnvelopePublisher is the publishing surface stage code and the HTTP
// services depend on. It allows mocking the broker in tests.
type EnvelopePublisher interface {
	// PublishEnvelope publishes a pipeline envelope to an exchange with the
	// given routing key, stamping the producing component.
	PublishEnvelope(exchange, routingKey string, message common.PipelineMessage, component string) error
}

// Service owns a RabbitMQ connection and channel for one worker process.
// Publishes are persistent JSON envelopes; consumer acks are manual and
// handled by the pipeline worker runtime.
type Service struct {
	connection AMQPConnection
	channel    AMQPChannel
}

// NewService connects to RabbitMQ at the given URL.
func NewService(url string) (*Service, error) {
	return NewServiceWithDialer(url, &RealAMQPDialer{})
}

// NewServiceWithDialer connects using an injected dialer (for tests).
func NewServiceWithDialer(url string, dialer AMQPDialer) (*Service, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Service{
		connection: conn,
		channel:    ch,
	}, nil
}

// Channel exposes the underlying channel for topology declaration and
// consuming.
func (s *Service) Channel() AMQPChannel {
	return s.channel
}

// PublishEnvelope serializes and publishes a pipeline envelope. Messages are
// persistent, carry content-type application/json, a fresh message id, and
// headers identifying the request and the producing component.
func (s *Service) PublishEnvelope(exchange, routingKey string, message common.PipelineMessage, component string) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = s.channel.Publish(
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    uuid.NewString(),
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Headers: amqp.Table{
				"request_id": message.RequestID.String(),
				"component":  component,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	common.Logger.WithField("exchange", exchange).
		WithField("routing_key", routingKey).
		WithField("request_id", message.RequestID.String()).
		Debug("message_published")
	return nil
}

// Close closes the RabbitMQ connection and channel. Safe on nil members.
func (s *Service) Close() error {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.connection != nil {
		s.connection.Close()
	}
	return nil
}
