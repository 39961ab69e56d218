package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/buyin-services/configs"
	"github.com/avvvet/buyin-services/internal/flow"
	nats "github.com/avvvet/buyin-services/internal/nats"
	"github.com/avvvet/buyin-services/internal/notify"
	"github.com/avvvet/buyin-services/internal/session"
	sockethandlers "github.com/avvvet/buyin-services/internal/socketsvc/handlers"
	"github.com/avvvet/buyin-services/internal/socketsvc/ws"
	"github.com/avvvet/buyin-services/internal/tablesvc/broker"
	"github.com/avvvet/buyin-services/internal/tablesvc/db"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/handlers"
	"github.com/avvvet/buyin-services/internal/tablesvc/service"
	"github.com/avvvet/buyin-services/internal/tablesvc/store"
)

const SERVICE_NAME = "table"

var instanceId string

func init() {
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId)
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var (
		rows gateway.Rows
		rt   gateway.Realtime
	)
	switch cfg.DataMode {
	case "memory":
		bus := gateway.NewMemoryBus()
		rows, rt = gateway.NewMemoryRows(bus), bus
		log.Warn("memory data mode: rows are lost on restart and not shared between instances")
	default:
		// pg connection
		dbpool, err := db.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		defer dbpool.Close()
		log.Printf("pg connection established successfully")

		// Connect to NATS
		n, err := nats.Connect(SERVICE_NAME)
		if err != nil {
			log.Errorf("Error: unable to connect to NATS server %v", err)
			os.Exit(1)
		}
		defer n.Conn.Close()
		log.Printf("NATS connection established successfully %s", n.Url)

		rows, rt = store.NewStore(dbpool), broker.NewBroker(n.Conn)
	}

	sessions, mode, err := session.NewStoreFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	defer sessions.Close(context.Background())
	log.Infof("session store ready (%s)", mode)

	var alerter service.Alerter
	if tn := notify.FromEnv(); tn != nil {
		alerter = tn
	}

	players := service.NewPlayerService(rows)
	tables := service.NewTableService(rows, rt, alerter)
	fc := flow.NewController(players, tables)

	hub := ws.NewWs(rows, rt, sessions, fc)
	admin := service.NewAdminService(rows, rt, hub)
	socketHandler := sockethandlers.NewHandler(hub, allowOrigins(cfg.CORSOrigins))

	// Setup router
	r := chi.NewRouter()
	c := config.CORS(cfg.CORSOrigins)

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	// Init handlers and routes
	h := handlers.NewHandler(handlers.Deps{
		Rows:      rows,
		Sessions:  sessions,
		Flow:      fc,
		Players:   players,
		Tables:    tables,
		Admin:     admin,
		Syncer:    hub,
		WebSocket: socketHandler.HandleWebSocket,
		JWTSecret: cfg.JWTSecret,
		Port:      cfg.Port,
	})
	h.InitAuth()
	h.SetRoutes(r)

	// Create server with timeout settings; no write timeout so sockets stay open
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}

// allowOrigins mirrors the CORS list for websocket upgrades.
func allowOrigins(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
