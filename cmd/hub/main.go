package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"lumesync/pkg/clock"
	"lumesync/pkg/config"
	"lumesync/pkg/db"
	"lumesync/pkg/hub"
	"lumesync/pkg/store"
	"lumesync/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "config file path (env HUB_CONFIG)")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("hub version=%s", version.Build)
		return
	}

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	clk := clock.Real()

	var archiver *db.Archiver
	if cfg.Archive.Enabled {
		gdb, err := db.Init()
		if err != nil {
			log.Printf("event archive disabled: %v", err)
		} else {
			archiver = db.NewArchiver(gdb)
			log.Printf("event archive enabled")
		}
	}

	reg := hub.NewRegistry(hub.RegistryConfig{
		KeepaliveTimeout: time.Duration(cfg.Timing.KeepaliveTimeoutMs) * time.Millisecond,
		EvictAfter:       time.Duration(cfg.Timing.EvictAfterS) * time.Second,
		TokenTTL:         time.Duration(cfg.Timing.TokenTTLh) * time.Hour,
	}, clk, archiver.OnSessionEvent)

	srv := hub.NewServer(hub.ServerConfig{StreamPort: cfg.Network.StreamPort}, clk, reg)
	show := hub.NewShowState()

	sender, err := hub.NewUDPSender()
	if err != nil {
		log.Fatalf("stream socket open failed: %v", err)
	}
	defer sender.Close()
	fanout := hub.NewFanout(hub.FanoutConfig{
		Rate:      cfg.Stream.RateHz,
		LookAhead: time.Duration(cfg.Stream.LookAheadMs) * time.Millisecond,
	}, clk, reg, show, sender)

	disp := hub.NewDispatcher(hub.DispatcherConfig{
		ProgressTimeout: time.Duration(cfg.Timing.OTAProgressS) * time.Second,
		RejoinTimeout:   time.Duration(cfg.Timing.OTARejoinS) * time.Second,
	}, clk, reg, srv)
	disp.OnDone(archiver.ArchiveRollout)

	var manifests store.ManifestStore
	if cfg.Consul.Enabled {
		manifests = store.NewConsulStore(cfg.Consul.Addr)
	} else {
		manifests = store.NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go fanout.Run(ctx)
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.Tick()
			}
		}
	}()

	api := hub.NewAPI(srv, reg, show, fanout, disp, manifests, clk, cfg.Network.APIToken)
	httpSrv := &http.Server{
		Addr:              cfg.Network.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("hub listening on %s streamPort=%d version=%s", cfg.Network.HTTPAddr, cfg.Network.StreamPort, version.Build)
	if err := httpSrv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
