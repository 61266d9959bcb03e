package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/api"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/config"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/ingress"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/logger"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/mux"
)

func main() {
	fs := flag.NewFlagSet("restreamer", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("config", "", "Path to a .env-style config file (default: built-in defaults)")
	cleanupInterval := fs.Duration("cleanup-interval", 5*time.Second, "How often to reap closed/failed peers")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "RTP-to-WebRTC restreamer: ingests one RTP stream and fans it out to WHEP viewers\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting RTP-to-WebRTC restreamer", "log_config", logFlags.String())

	var cfg *config.Config
	if *envPath != "" {
		cfg, err = config.Load(*envPath)
		if err != nil {
			log.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}
	log.Info("configuration loaded",
		"ingress_address", net.JoinHostPort(cfg.Ingress.BindAddress, strconv.Itoa(cfg.Ingress.Port)),
		"whep_address", cfg.WHEP.ListenAddress)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	multiplexer := mux.New(log.With("component", "mux").Logger)

	udpIngress, err := ingress.New(ingress.Config{
		BindAddress: cfg.Ingress.BindAddress,
		Port:        cfg.Ingress.Port,
	}, multiplexer.SendVideo, log.With("component", "ingress").Logger)
	if err != nil {
		log.Error("failed to start ingress", "error", err)
		os.Exit(1)
	}
	defer udpIngress.Close()
	udpIngress.Start(ctx)
	log.Info("ingress listening", "address", udpIngress.LocalAddr().String())

	whepServer := api.NewServer(cfg.WHEP.PeerBindAddress, cfg.ICE.CheckTimeout, multiplexer, log.With("component", "whep"))
	if err := whepServer.Start(ctx, cfg.WHEP.ListenAddress); err != nil {
		log.Error("failed to start WHEP server", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := whepServer.Stop(stopCtx); err != nil {
			log.Error("failed to stop WHEP server", "error", err)
		}
	}()
	log.Info("WHEP server listening", "address", cfg.WHEP.ListenAddress)

	cleanupTicker := time.NewTicker(*cleanupInterval)
	defer cleanupTicker.Stop()
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	log.Info("ready - press Ctrl+C to stop")

	for {
		select {
		case <-ctx.Done():
			log.Info("graceful shutdown complete",
				"malformed_drops", udpIngress.MalformedDrops())
			return
		case <-cleanupTicker.C:
			multiplexer.Cleanup()
		case <-statsTicker.C:
			log.Info("restreamer statistics",
				"active_streams", multiplexer.ActiveStreamsCount(),
				"malformed_drops", udpIngress.MalformedDrops())
		}
	}
}
