package main

import (
	"context"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/buyin-services/configs"
	natscli "github.com/avvvet/buyin-services/internal/nats"
	"github.com/avvvet/buyin-services/internal/relay"
	"github.com/avvvet/buyin-services/internal/tablesvc/broker"
	"github.com/avvvet/buyin-services/internal/tablesvc/db"
)

const SERVICE_NAME = "relay"

var instanceId string

func init() {
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId)
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	cfg := config.Load()
	if cfg.PostgresURL == "" {
		log.Fatal("POSTGRES_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// schema owns the triggers the relay listens to
	dbpool, err := db.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	dbpool.Close()

	n, err := natscli.Connect(SERVICE_NAME)
	if err != nil {
		log.Errorf("Error: unable to connect to NATS server %v", err)
		os.Exit(1)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	r := relay.NewRelay(cfg.PostgresURL, db.RowChangeChannel, broker.NewBroker(n.Conn))
	if err := r.Run(ctx); err != nil {
		log.Fatalf("relay stopped: %v", err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
