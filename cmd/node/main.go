package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"lumesync/pkg/model"
	"lumesync/pkg/node"
	"lumesync/pkg/version"
)

func main() {
	_ = godotenv.Load()

	defaultHub := os.Getenv("HUB_ADDR")
	if defaultHub == "" {
		defaultHub = "http://127.0.0.1:8080"
	}
	defaultHW := os.Getenv("NODE_HW_ID")
	if defaultHW == "" {
		defaultHW, _ = os.Hostname()
	}
	defaultFW := os.Getenv("NODE_FW_VERSION")
	if defaultFW == "" {
		defaultFW = version.Build
	}

	hubURL := flag.String("hub", defaultHub, "hub base URL (env HUB_ADDR)")
	hwID := flag.String("hw", defaultHW, "hardware id (env NODE_HW_ID)")
	firmware := flag.String("fw", defaultFW, "firmware version reported in hello (env NODE_FW_VERSION)")
	streamPort := flag.Int("stream-port", 41420, "UDP stream listen port")
	dbPath := flag.String("db", "/var/lib/lumesync/node.db", "local state database path")
	stageDir := flag.String("stage", "/var/lib/lumesync/fw", "firmware staging directory")
	channels := flag.Int("channels", 1, "output channels")
	outputs := flag.Int("outputs", 60, "LEDs per channel")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("node version=%s", version.Build)
		return
	}
	if *hwID == "" {
		log.Fatal("hardware id is required (flag --hw or env NODE_HW_ID)")
	}

	ldb, err := node.OpenLocalDB(*dbPath)
	if err != nil {
		log.Printf("local db unavailable, continuing without cache: %v", err)
		ldb = nil
	}

	est := node.NewEstimator(node.EstimatorConfig{})
	sched := node.NewScheduler(node.SchedulerConfig{})
	recv := node.NewReceiver(node.ReceiverConfig{Port: *streamPort}, est, sched)

	client, err := node.NewClient(node.ClientConfig{
		HubURL:     *hubURL,
		HardwareID: *hwID,
		Firmware:   *firmware,
		Caps:       model.Capabilities{Stream: true, OTA: true, Clock: true},
		Topo:       model.Topology{Channels: *channels, Outputs: *outputs},
	}, est, sched, recv, ldb)
	if err != nil {
		log.Fatalf("client build failed: %v", err)
	}

	updater := node.NewUpdater(client, ldb, *stageDir, func(v string) {
		// the supervisor restarts the process into the staged image
		log.Printf("restarting into firmware version=%s", v)
		os.Exit(0)
	})
	client.OnOTA(updater.Handle)

	rt := node.NewRuntime(node.RuntimeConfig{}, sched, recv)
	rt.OnFrame(func(s node.LightState) {
		// renderer hook; the reference node has no physical output
		_ = s
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := recv.Run(ctx); err != nil {
			log.Fatalf("stream receiver failed: %v", err)
		}
	}()
	go rt.Run(ctx)

	log.Printf("node starting hw=%s fw=%s hub=%s", *hwID, *firmware, *hubURL)
	client.Run(ctx)
}
