package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Declarer is the part of *amqp.Channel used to declare topology
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
}

// TopologyManager declares exchanges, queues and bindings on one channel
type TopologyManager struct {
	ch Declarer
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty name asks the
// broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a topology manager on ch
func NewTopologyManager(ch Declarer) *TopologyManager {
	return &TopologyManager{ch: ch}
}

// DeclareTopology declares the complete topology
func (tm *TopologyManager) DeclareTopology(topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := tm.DeclareExchange(exchange); err != nil {
			return err
		}
	}
	for _, queue := range topology.Queues {
		if _, err := tm.DeclareQueue(queue); err != nil {
			return err
		}
	}
	for _, binding := range topology.Bindings {
		if err := tm.BindQueue(binding); err != nil {
			return err
		}
	}
	return nil
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(exchange ExchangeDeclaration) error {
	if strings.TrimSpace(exchange.Name) == "" || exchange.Type == "" {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: ErrInvalidTopology, Timestamp: time.Now()}
	}
	err := tm.ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a single queue and returns it with its final name
func (tm *TopologyManager) DeclareQueue(queue QueueDeclaration) (amqp.Queue, error) {
	q, err := tm.ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(binding Binding) error {
	if binding.Queue == "" || binding.Exchange == "" {
		return &TopologyError{Component: "binding", Name: binding.Queue, Op: "bind", Err: ErrInvalidTopology, Timestamp: time.Now()}
	}
	err := tm.ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue),
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(name string, ifUnused, ifEmpty bool) error {
	if _, err := tm.ch.QueueDelete(name, ifUnused, ifEmpty, false); err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// QueueTopology is a durable queue addressed through the default exchange
func QueueTopology(name string) Topology {
	return Topology{
		Queues: []QueueDeclaration{{Name: name, Durable: true}},
	}
}

// TopicExchange is the fanout exchange every subscription of a topic binds to
func TopicExchange(topic string) ExchangeDeclaration {
	return ExchangeDeclaration{Name: topic, Type: amqp.ExchangeFanout, Durable: true}
}

// SubscriptionQueue is the queue backing one topic subscription. Durable
// subscriptions are named and outlive the consumer; others are
// broker-named, exclusive and removed with their consumer.
func SubscriptionQueue(name string, durable bool) QueueDeclaration {
	if durable {
		return QueueDeclaration{Name: name, Durable: true}
	}
	return QueueDeclaration{AutoDelete: true, Exclusive: true}
}

// DurableSubscriptionName derives the queue name of a durable subscription
func DurableSubscriptionName(topic, clientID, subscription string) string {
	return fmt.Sprintf("%s.%s.%s", topic, clientID, subscription)
}
