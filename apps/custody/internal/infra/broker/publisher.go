package broker

import (
	"context"

	"custodex.com/apps/custody/internal/domain"
	"github.com/segmentio/encoding/json"
)

const topicPrefix = "custody:deposit:"

// Topic 某类充值事件的 topic
func Topic(t domain.EventType) string { return topicPrefix + string(t) }

// AllTopics 所有充值事件
func AllTopics() []string {
	types := []domain.EventType{
		domain.EventDetected, domain.EventConfirmed, domain.EventHeld,
		domain.EventSwept, domain.EventSettled,
	}
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, Topic(t))
	}
	return out
}

// Publisher 把充值事件序列化后投递到 Broker
type Publisher struct {
	b Broker
}

var _ domain.EventPublisher = (*Publisher)(nil)

func NewPublisher(b Broker) *Publisher {
	return &Publisher{b: b}
}

func (p *Publisher) PublishDeposit(ctx context.Context, ev domain.DepositEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.b.Publish(ctx, Topic(ev.Type), payload)
}
