// Package main runs one Morphus replica-group member. The member
// serves the command surface (replica-set control, data operations,
// oplog tailing, moveData) and stores documents in memory or in a
// pebble data directory.
//
// A fresh member is unconfigured until an operator (or the
// coordinator) pushes a replica-set config with replSetReconfig.
//
// Configuration comes from a yaml file (-config) with environment
// overrides:
//   - NODE_SET: replica-group name
//   - NODE_LISTEN: listen address
//   - NODE_ADDR: advertised endpoint (defaults to the listen address)
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/config"
	"github.com/mghosh4/morphus/internal/replnode"
	"github.com/mghosh4/morphus/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to node.yaml")
	flag.Parse()

	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var store storage.Store
	switch cfg.Storage {
	case "pebble":
		store, err = storage.OpenPebble(cfg.DataDir)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
	default:
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	node := replnode.New(cfg.SetName, store)
	node.SetSelf(cluster.Endpoint(cfg.Advertise))

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           node.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("member %s listening on %s (%s storage, set %s)",
			cfg.Advertise, cfg.Listen, cfg.Storage, cfg.SetName)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Println("member stopped")
}
