package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ssd-technologies/driftwatch/internal/alert"
	"github.com/ssd-technologies/driftwatch/internal/engine"
	"github.com/ssd-technologies/driftwatch/internal/respond"
	"github.com/ssd-technologies/driftwatch/internal/server"
	"github.com/ssd-technologies/driftwatch/internal/storage"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dataDir := os.Getenv("DRIFTWATCH_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	retention := 30 * 24 * time.Hour
	if v := os.Getenv("DRIFTWATCH_RETENTION_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			log.Fatalf("DRIFTWATCH_RETENTION_HOURS must be a positive integer, got %q", v)
		}
		retention = time.Duration(hours) * time.Hour
	}

	db, err := storage.NewDB(dataDir + "/driftwatch.db")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(engine.WithStore(db))
	srv := server.New(eng, db, retention)

	// Live WebSocket fan-out.
	eng.AddSink(srv.StreamHub().Broadcast)

	// Approval requests for records recommending invasive actions. The
	// one-time token is logged for the operator and never stored in clear.
	approvals := srv.Approvals()
	eng.AddSink(func(rec *respond.Record) {
		if !rec.RequiresApproval {
			return
		}
		tokens, err := approvals.RequestAll(context.Background(), rec)
		if err != nil {
			log.Printf("[main] open approval requests for record %s: %v", rec.ID, err)
			return
		}
		for id, token := range tokens {
			log.Printf("[main] approval required for %s (%s): request=%s token=%s",
				rec.SensorID, rec.Classification.Type, id, token)
		}
	})

	// Optional Redis alert fan-out. Startup tolerates an unreachable
	// Redis: alerts still flow to the log, store, and websocket stream.
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		sink, err := alert.Dial(addr, os.Getenv("REDIS_PASSWORD"), 0, 5, time.Second)
		if err != nil {
			log.Printf("[main] warning: redis unreachable, continuing without the alert sink: %v", err)
		} else {
			defer sink.Close()
			eng.AddSink(sink.Sink)
			log.Printf("[main] redis alert sink enabled at %s", addr)
		}
	}

	// Warm restart from persisted baselines and detector state.
	if err := eng.Restore(ctx); err != nil {
		log.Fatalf("Failed to restore pipelines: %v", err)
	}

	srv.StartWorkers(ctx)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	fmt.Printf("driftwatch running on http://localhost:%s\n", port)
	log.Fatal(http.ListenAndServe(":"+port, srv))
}
