package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/buyin-services/configs"
	"github.com/avvvet/buyin-services/internal/comm"
	natscli "github.com/avvvet/buyin-services/internal/nats"
	"github.com/avvvet/buyin-services/internal/tablesvc/broker"
	"github.com/avvvet/buyin-services/internal/tablesvc/db"
	"github.com/avvvet/buyin-services/internal/tablesvc/store"
)

const SERVICE_NAME = "janitor"

const batchSize = 100

var instanceId string

func init() {
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId)
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// pg connection
	dbpool, err := db.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer dbpool.Close()
	log.Printf("pg connection established successfully")

	// Connect to NATS
	n, err := natscli.Connect(SERVICE_NAME)
	if err != nil {
		log.Errorf("Error: unable to connect to NATS server %v", err)
		os.Exit(1)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	s := store.NewStore(dbpool)
	b := broker.NewBroker(n.Conn)

	ticker := time.NewTicker(cfg.JanitorEvery)
	defer ticker.Stop()
	log.Infof("%s service ending tables idle for %s, every %s", SERVICE_NAME, cfg.IdleAfter, cfg.JanitorEvery)

	for {
		select {
		case <-ctx.Done():
			log.Infof("%s service gracefully stopped", SERVICE_NAME)
			return
		case <-ticker.C:
			sweep(ctx, s, b, cfg.IdleAfter)
		}
	}
}

func sweep(ctx context.Context, s *store.Store, b *broker.Broker, idleAfter time.Duration) {
	ended, err := s.EndIdleTables(ctx, time.Now().Add(-idleAfter), batchSize)
	if err != nil {
		log.Errorf("error [sweep] end idle tables: %v", err)
		return
	}
	for _, id := range ended {
		if err := b.Send(comm.TableChannel(id), comm.Notification{
			Type:    comm.NoticeTableEnded,
			TableID: id,
			Message: "The table was closed after a long period without activity",
		}); err != nil {
			log.Errorf("error publishing table_ended for table %s: %v", id, err)
		}
	}
	if len(ended) > 0 {
		log.Infof("ended %d idle tables", len(ended))
	}
}
