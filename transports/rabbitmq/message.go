package rabbitmq

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-ra/provider"
)

// fromDelivery converts an AMQP delivery into a provider message
func fromDelivery(d amqp.Delivery) *provider.BasicMessage {
	msg := &provider.BasicMessage{
		MessageID: d.MessageId,
		Payload:   d.Body,
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if len(d.Headers) > 0 {
		msg.Properties = make(map[string]any, len(d.Headers))
		for k, v := range d.Headers {
			msg.Properties[k] = v
		}
	}
	return msg
}

// toPublishing converts a provider message into a persistent AMQP publishing
func toPublishing(msg provider.Message) amqp.Publishing {
	pub := amqp.Publishing{
		MessageId:    msg.ID(),
		Body:         msg.Body(),
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Persistent,
	}
	if pub.MessageId == "" {
		pub.MessageId = uuid.NewString()
	}
	if h := msg.Headers(); len(h) > 0 {
		pub.Headers = make(amqp.Table, len(h))
		for k, v := range h {
			pub.Headers[k] = headerValue(v)
		}
	}
	return pub
}

// headerValue maps v onto a type the AMQP field table encoder accepts
func headerValue(v any) any {
	switch x := v.(type) {
	case nil, bool, string, []byte, int8, int16, int32, int64, float32, float64, time.Time:
		return v
	case int:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	}
	return fmt.Sprint(v)
}

// route maps a destination onto an exchange and routing key. Queues go
// through the default exchange, topics through their fanout exchange.
func route(dest provider.Destination) (exchange, key string, err error) {
	switch dest.Kind() {
	case provider.KindQueue:
		return "", dest.Name(), nil
	case provider.KindTopic:
		return dest.Name(), "", nil
	}
	return "", "", fmt.Errorf("%w: %v", provider.ErrInvalidDestination, dest)
}
