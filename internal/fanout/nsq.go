package fanout

import (
	"context"
	"encoding/json"

	"github.com/nsqio/go-nsq"
)

// NSQWakePublisher publishes wake nudges to an NSQ topic.
type NSQWakePublisher struct {
	producer *nsq.Producer
	topic    string
}

func NewNSQWakePublisher(producer *nsq.Producer, topic string) *NSQWakePublisher {
	return &NSQWakePublisher{producer: producer, topic: topic}
}

func (p *NSQWakePublisher) PublishWake(_ context.Context, w Wake) error {
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return p.producer.Publish(p.topic, b)
}
