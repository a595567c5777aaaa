package mq

import "log"

// 构建过程的事件通道；需要时可替换为 RabbitMQ / Kafka 等实现

const (
	TopicResolved = "task.resolved"
	TopicCycle    = "task.cycle"
	TopicError    = "task.error"
)

type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Subscriber interface {
	Subscribe(topic string, handler func([]byte) error) error
}

type Noop struct{}

func (Noop) Publish(topic string, payload []byte) error               { return nil }
func (Noop) Subscribe(topic string, handler func([]byte) error) error { return nil }

// LogPublisher writes every event to the process log; used by --verbose.
type LogPublisher struct{}

func (LogPublisher) Publish(topic string, payload []byte) error {
	log.Printf("%s %s", topic, payload)
	return nil
}
