// Package relay forwards Postgres row-change notifications to the message bus.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

type Publisher interface {
	PublishRow(c models.RowChange) error
}

type Relay struct {
	dsn     string
	channel string
	pub     Publisher
	ping    time.Duration

	forwarded int64
}

func NewRelay(dsn, channel string, pub Publisher) *Relay {
	return &Relay{dsn: dsn, channel: channel, pub: pub, ping: 90 * time.Second}
}

// Decode parses a trigger payload.
func Decode(payload string) (models.RowChange, error) {
	c := models.RowChange{}
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, fmt.Errorf("decode row change: %w", err)
	}
	if c.Collection == "" {
		return c, fmt.Errorf("decode row change: missing collection")
	}
	if string(c.Record) == "null" {
		c.Record = nil
	}
	if string(c.Old) == "null" {
		c.Old = nil
	}
	return c, nil
}

func (r *Relay) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		log.Infof("relay listening on %s", r.channel)
	case pq.ListenerEventDisconnected:
		log.Warnf("relay disconnected: %v", err)
	case pq.ListenerEventReconnected:
		log.Infof("relay reconnected; changes during the gap were not forwarded")
	case pq.ListenerEventConnectionAttemptFailed:
		log.Errorf("Error [Relay.connect] %s", err)
	}
}

// Run listens until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	l := pq.NewListener(r.dsn, time.Second, time.Minute, r.onEvent)
	defer l.Close()

	if err := l.Listen(r.channel); err != nil {
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Infof("relay stopped after forwarding %d changes", r.forwarded)
			return nil
		case n := <-l.Notify:
			// nil after a reconnect
			if n == nil {
				continue
			}
			r.handle(n.Extra)
		case <-time.After(r.ping):
			if err := l.Ping(); err != nil {
				log.Warnf("relay ping failed: %s", err)
			}
		}
	}
}

func (r *Relay) handle(payload string) {
	c, err := Decode(payload)
	if err != nil {
		log.Errorf("Error [Relay.handle] %s", err)
		return
	}
	if err := r.pub.PublishRow(c); err != nil {
		log.WithField("collection", c.Collection).Errorf("Error [Relay.publish] %s", err)
		return
	}
	r.forwarded++
}
