package queue

import (
	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing
type MockAMQPConnection struct {
	// MockChannel is the channel to return from Channel()
	MockChannel AMQPChannel
	// Errors to return from operations
	ChannelErr error
	CloseErr   error
	// Track function calls
	ChannelCalled bool
	CloseCalled   bool
}

// Channel returns the mock channel
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// Close mocks closing the connection
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockBinding records one QueueBind call.
type MockBinding struct {
	Queue      string
	RoutingKey string
	Exchange   string
}

// MockAMQPChannel is a mock implementation of AMQPChannel for testing
type MockAMQPChannel struct {
	// Recorded topology declarations
	DeclaredExchanges map[string]string     // name -> kind
	DeclaredQueues    map[string]amqp.Table // name -> args
	Bindings          []MockBinding

	// PublishedMessages stores all published messages for verification
	PublishedMessages []amqp.Publishing
	// PublishedKeys stores routing keys for published messages
	PublishedKeys []string
	// PublishedExchanges stores exchanges for published messages
	PublishedExchanges []string

	// Deliveries is handed out by Consume
	Deliveries chan amqp.Delivery

	// Errors to return from operations
	ExchangeDeclareErr error
	QueueDeclareErr    error
	QueueBindErr       error
	QosErr             error
	PublishErr         error
	ConsumeErr         error
	CloseErr           error

	// Track function calls
	QosCalled     bool
	ConsumeCalled bool
	CloseCalled   bool

	// Store last call parameters
	LastQueueName     string
	LastExchange      string
	LastKey           string
	LastPrefetchCount int
	LastConsumeQueue  string
}

// NewMockAMQPChannel creates a mock channel ready for use.
func NewMockAMQPChannel() *MockAMQPChannel {
	return &MockAMQPChannel{
		DeclaredExchanges: make(map[string]string),
		DeclaredQueues:    make(map[string]amqp.Table),
		Deliveries:        make(chan amqp.Delivery, 16),
	}
}

// ExchangeDeclare mocks declaring an exchange
func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if m.ExchangeDeclareErr != nil {
		return m.ExchangeDeclareErr
	}
	if m.DeclaredExchanges == nil {
		m.DeclaredExchanges = make(map[string]string)
	}
	m.DeclaredExchanges[name] = kind
	return nil
}

// QueueDeclare mocks declaring a queue
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.LastQueueName = name
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	if m.DeclaredQueues == nil {
		m.DeclaredQueues = make(map[string]amqp.Table)
	}
	m.DeclaredQueues[name] = args
	return amqp.Queue{Name: name}, nil
}

// QueueBind mocks binding a queue
func (m *MockAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if m.QueueBindErr != nil {
		return m.QueueBindErr
	}
	m.Bindings = append(m.Bindings, MockBinding{Queue: name, RoutingKey: key, Exchange: exchange})
	return nil
}

// Qos mocks configuring prefetch
func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.QosCalled = true
	m.LastPrefetchCount = prefetchCount
	return m.QosErr
}

// Publish mocks publishing a message
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	m.PublishedExchanges = append(m.PublishedExchanges, exchange)
	return nil
}

// Consume mocks starting a consumer
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.ConsumeCalled = true
	m.LastConsumeQueue = queue
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	return m.Deliveries, nil
}

// Close mocks closing the channel
func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// HasBinding reports whether a (queue, exchange, key) binding was recorded.
func (m *MockAMQPChannel) HasBinding(queue, exchange, key string) bool {
	for _, b := range m.Bindings {
		if b.Queue == queue && b.Exchange == exchange && b.RoutingKey == key {
			return true
		}
	}
	return false
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing
type MockAMQPDialer struct {
	// MockConnection is the connection to return from Dial()
	MockConnection AMQPConnection
	// Error to return from Dial
	DialErr error
	// Track function calls
	DialCalled bool
	// Store last call parameters
	LastURL string
}

// Dial mocks dialing an AMQP connection
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// SetupMockDialerForTest creates a fully configured mock dialer for testing
func SetupMockDialerForTest() (*MockAMQPDialer, *MockAMQPChannel, *MockAMQPConnection) {
	mockChannel := NewMockAMQPChannel()
	mockConn := &MockAMQPConnection{MockChannel: mockChannel}
	mockDialer := &MockAMQPDialer{MockConnection: mockConn}
	return mockDialer, mockChannel, mockConn
}
