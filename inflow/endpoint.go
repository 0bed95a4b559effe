package inflow

import (
	"github.com/glimte/mmate-ra/provider"
)

// DeliveryMethod identifies the endpoint method a delivery targets
type DeliveryMethod int

const (
	// OnMessage is the message listener entry point of an endpoint
	OnMessage DeliveryMethod = iota
)

func (m DeliveryMethod) String() string {
	if m == OnMessage {
		return "OnMessage"
	}
	return "unknown"
}

// Endpoint is one message handler instance. BeforeDelivery and
// AfterDelivery bracket every OnMessage call.
type Endpoint interface {
	BeforeDelivery(method DeliveryMethod) error
	OnMessage(msg provider.Message) error
	AfterDelivery() error
	Release()
}

// EndpointFactory creates endpoints for server sessions. The XA resource
// passed to CreateEndpoint is nil unless delivery is transacted.
type EndpointFactory interface {
	CreateEndpoint(xa provider.XAResource) (Endpoint, error)
	IsDeliveryTransacted(method DeliveryMethod) (bool, error)
}

// TransactionManager is the part of a transaction manager the adapter uses
type TransactionManager interface {
	SetTransactionTimeout(seconds int) error
}

// TransactionManagerLocator finds the transaction manager. It is consulted
// at most once per activation.
type TransactionManagerLocator func() (TransactionManager, error)

// ExecutionContext establishes the context setup runs under. Enter returns
// the function restoring the previous context.
type ExecutionContext interface {
	Enter() (restore func())
}

// ExecutionContextFunc adapts a function to ExecutionContext
type ExecutionContextFunc func() (restore func())

func (f ExecutionContextFunc) Enter() func() { return f() }

type noopExecutionContext struct{}

func (noopExecutionContext) Enter() func() { return func() {} }

// HandlerFunc handles one delivered message
type HandlerFunc func(msg provider.Message) error

// NewHandlerFactory returns a non-transacted EndpointFactory whose
// endpoints pass every message to h
func NewHandlerFactory(h HandlerFunc) EndpointFactory {
	return handlerFactory{h: h}
}

type handlerFactory struct {
	h HandlerFunc
}

func (f handlerFactory) CreateEndpoint(provider.XAResource) (Endpoint, error) {
	return handlerEndpoint(f), nil
}

func (handlerFactory) IsDeliveryTransacted(DeliveryMethod) (bool, error) { return false, nil }

type handlerEndpoint handlerFactory

func (handlerEndpoint) BeforeDelivery(DeliveryMethod) error { return nil }
func (e handlerEndpoint) OnMessage(msg provider.Message) error { return e.h(msg) }
func (handlerEndpoint) AfterDelivery() error { return nil }
func (handlerEndpoint) Release() {}
