package provider

import (
	"fmt"
	"strings"
)

// DestinationKind identifies the messaging model of a destination
type DestinationKind int

const (
	// KindAgnostic accepts either a queue or a topic
	KindAgnostic DestinationKind = iota
	// KindQueue is point-to-point
	KindQueue
	// KindTopic is publish/subscribe
	KindTopic
)

func (k DestinationKind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindTopic:
		return "topic"
	default:
		return "agnostic"
	}
}

// Accepts reports whether a destination of kind other satisfies k
func (k DestinationKind) Accepts(other DestinationKind) bool {
	return k == KindAgnostic || k == other
}

// ParseDestinationKind maps a configured destination type to a kind.
// Both the short names and the javax.jms interface names are recognised.
func ParseDestinationKind(s string) (DestinationKind, error) {
	switch strings.TrimSpace(s) {
	case "":
		return KindAgnostic, nil
	case "queue", "Queue", "javax.jms.Queue":
		return KindQueue, nil
	case "topic", "Topic", "javax.jms.Topic":
		return KindTopic, nil
	case "agnostic", "javax.jms.Destination":
		return KindAgnostic, nil
	}
	return KindAgnostic, fmt.Errorf("%w: unsupported destination type %q", ErrInvalidDestination, s)
}

// Destination is a named queue or topic
type Destination interface {
	Name() string
	Kind() DestinationKind
}

// Queue is a point-to-point destination
type Queue struct {
	QueueName string
}

// NewQueue returns a queue destination
func NewQueue(name string) Queue {
	return Queue{QueueName: name}
}

func (q Queue) Name() string          { return q.QueueName }
func (q Queue) Kind() DestinationKind { return KindQueue }
func (q Queue) String() string        { return "queue://" + q.QueueName }

// Topic is a publish/subscribe destination
type Topic struct {
	TopicName string
}

// NewTopic returns a topic destination
func NewTopic(name string) Topic {
	return Topic{TopicName: name}
}

func (t Topic) Name() string          { return t.TopicName }
func (t Topic) Kind() DestinationKind { return KindTopic }
func (t Topic) String() string        { return "topic://" + t.TopicName }

// AckMode is the acknowledgement mode of a non-transacted session
type AckMode int

const (
	// AutoAcknowledge acknowledges each message once the listener returns
	AutoAcknowledge AckMode = iota + 1
	// DupsOKAcknowledge lazily acknowledges and tolerates duplicates
	DupsOKAcknowledge
)

func (m AckMode) String() string {
	switch m {
	case AutoAcknowledge:
		return "Auto-acknowledge"
	case DupsOKAcknowledge:
		return "Dups-ok-acknowledge"
	default:
		return "unknown"
	}
}

// ParseAckMode maps a configured acknowledgement mode to an AckMode
func ParseAckMode(s string) (AckMode, error) {
	switch strings.TrimSpace(s) {
	case "", "AUTO_ACKNOWLEDGE", "Auto-acknowledge", "auto":
		return AutoAcknowledge, nil
	case "DUPS_OK_ACKNOWLEDGE", "Dups-ok-acknowledge", "dups-ok":
		return DupsOKAcknowledge, nil
	}
	return 0, fmt.Errorf("%w: unsupported acknowledgement mode %q", ErrInvalidAckMode, s)
}
