package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/sirupsen/logrus"
)

const Topic = "user_lifecycle_events"

type Type string

const (
	UserProvisioned   Type = "user.provisioned"
	UserUpdated       Type = "user.updated"
	UserDeprovisioned Type = "user.deprovisioned"
)

// Event is published after a provisioning call commits locally.
type Event struct {
	Type       Type             `json:"type"`
	UserID     string           `json:"user_id"`
	Username   string           `json:"username"`
	Platforms  []model.Platform `json:"platforms"`
	Warnings   int              `json:"warnings"`
	Failures   int              `json:"failures"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Sender is the subset of rocketmq.Producer the publisher needs.
type Sender interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

type Publisher struct {
	producer Sender
	topic    string
	log      *logrus.Logger
}

func NewPublisher(producer Sender, log *logrus.Logger) *Publisher {
	return &Publisher{producer: producer, topic: Topic, log: log}
}

func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	// 发送消息到mq, key = username 便于按用户检索
	msg := primitive.NewMessage(p.topic, data)
	msg.WithKeys([]string{e.Username})
	msg.WithTag(string(e.Type))

	res, err := p.producer.SendSync(ctx, msg)
	if err != nil {
		return err
	}
	p.log.Infof("[EventPublisher] Sent %s event for %s. MsgID: %s", e.Type, e.Username, res.MsgID)
	return nil
}

// Nop discards events; used when no name server is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
