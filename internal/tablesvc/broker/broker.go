package broker

import (
	"encoding/json"
	"time"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Broker implements gateway.Realtime on NATS. Row changes arrive on rows.* subjects
// published by the relay; point-to-point channels are plain subjects under channel.*.
type Broker struct {
	Conn *nats.Conn
}

var _ gateway.Realtime = (*Broker)(nil)

func NewBroker(nc *nats.Conn) *Broker {
	return &Broker{Conn: nc}
}

func channelSubject(channel string) string {
	return "channel." + channel
}

func (b *Broker) SubscribeRows(collection, column, value string, fn func(models.RowChange)) (gateway.Subscription, error) {
	topic := gateway.RowSubject(collection, column, value)
	sub, err := b.Conn.Subscribe(topic, func(msg *nats.Msg) {
		c := models.RowChange{}
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			log.Errorf("Error [Broker.SubscribeRows] %s: %s", topic, err)
			return
		}
		fn(c)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *Broker) SubscribeChannel(channel string, fn func(comm.Notification)) (gateway.Subscription, error) {
	topic := channelSubject(channel)
	sub, err := b.Conn.Subscribe(topic, func(msg *nats.Msg) {
		n := comm.Notification{}
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			log.Errorf("Error [Broker.SubscribeChannel] %s: %s", topic, err)
			return
		}
		fn(n)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *Broker) Send(channel string, n comm.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.Publish(channelSubject(channel), payload)
}

// PublishRow fans a row change out to the subject of every filterable column it carries.
func (b *Broker) PublishRow(c models.RowChange) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	values := gateway.FilterValues(c)
	for _, col := range gateway.FilterColumns(c.Collection) {
		v, ok := values[col]
		if !ok {
			continue
		}
		if err := b.Publish(gateway.RowSubject(c.Collection, col, v), payload); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) Publish(topic string, payload []byte) error {
	err := b.Conn.Publish(topic, payload)
	if err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}

	return nil
}
