// Package main runs the Morphus coordinator daemon: the admin command
// surface (shardCollection, reShardCollection, listGroups,
// getRoutingVersion) over the cluster's config store, plus the member
// health monitor.
//
// Configuration comes from a yaml file (-config) with environment
// overrides:
//   - COORDINATOR_ADDR: listen address
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
	"github.com/mghosh4/morphus/internal/configstore"
	"github.com/mghosh4/morphus/internal/coordinator"
	"github.com/mghosh4/morphus/internal/repl"
	"github.com/mghosh4/morphus/internal/reshard"
	"github.com/mghosh4/morphus/internal/routing"
)

func main() {
	configPath := flag.String("config", "", "path to coordinator.yaml")
	flag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var store configstore.Store
	switch cfg.Store.Backend {
	case "etcd":
		store, err = configstore.NewEtcdStore(cfg.Store.Endpoints)
		if err != nil {
			log.Fatalf("config store: %v", err)
		}
	default:
		store = configstore.NewMemStore()
	}
	defer store.Close()

	rt := routing.NewManager(store)
	client := repl.NewClient()

	opts := reshard.DefaultOptions()
	opts.StageTimeout = cfg.StageTimeout
	opts.MigrateTimeout = cfg.MigrateTimeout
	coord := reshard.NewCoordinator(rt, client, opts)

	monitor := coordinator.NewHealthMonitor(cfg.HealthInterval)
	monitor.Start(func() []cluster.Endpoint {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return coordinator.MemberEndpoints(ctx, store)
	})

	srv, err := coordinator.NewServer(rt, client, coord, monitor)
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s (%s store)", cfg.Listen, cfg.Store.Backend)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	monitor.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Println("coordinator stopped")
}
