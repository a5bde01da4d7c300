package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"gnssmw/internal/config"
	"gnssmw/internal/web"
)

func main() {
	var (
		configPath  string
		replayPath  string
		replaySpeed float64
	)
	flag.StringVar(&configPath, "config", "./gnssmw.yaml", "Path to YAML config")
	flag.StringVar(&replayPath, "replay", "", "Replay a captured uplink frame log to uplink.dest and exit")
	flag.Float64Var(&replaySpeed, "replay-speed", 1, "Replay speed multiplier")
	flag.Parse()

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if replayPath != "" {
		n, err := replayFrames(replayPath, cfg.Uplink.Dest, replaySpeed, nil)
		if err != nil {
			log.Fatalf("replay failed after %d frames: %v", n, err)
		}
		log.Printf("replayed %d frames", n)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	rt, err := newRuntime(cfg, reg, web.NewStatus())
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}
	defer rt.Close()

	log.Printf("gnssmw starting")
	log.Printf("uplink dest=%q log=%q record=%t web=%q", cfg.Uplink.Dest, cfg.Uplink.LogPath, cfg.Record.Enable, cfg.Web.Listen)

	stopped, err := rt.Start(ctx)
	if err != nil {
		log.Fatalf("sequencer start failed: %v", err)
	}

	if cfg.Web.Listen != "" {
		go func() {
			err := web.Serve(ctx, cfg.Web.Listen, rt.WebOptions(configPath, logs))
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("web server stopped: %v", err)
				cancel()
			}
		}()
	}

	go func() {
		if err := rt.runApp(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("app loop stopped: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	<-stopped
	log.Printf("gnssmw stopping")
}
