package broker

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe ctx 结束时取消订阅并关闭 channel
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
