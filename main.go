// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ffutop/plug-modbus-gateway/internal/config"
	"github.com/ffutop/plug-modbus-gateway/internal/gateway"
	"github.com/ffutop/plug-modbus-gateway/internal/metrics"
	"github.com/ffutop/plug-modbus-gateway/internal/relay"
	"github.com/ffutop/plug-modbus-gateway/transport"
	"github.com/ffutop/plug-modbus-gateway/transport/plug"
	"github.com/ffutop/plug-modbus-gateway/transport/rtu"
	"github.com/ffutop/plug-modbus-gateway/transport/tcp"
	"github.com/ffutop/plug-modbus-gateway/transport/udp"
)

const version = "0.1.0"

func main() {
	// Load Configuration
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	plugAddr := net.JoinHostPort(cfg.Device.Address, strconv.Itoa(cfg.Device.Port))
	slog.Info("Starting plug Modbus gateway",
		"version", version,
		"plug", plugAddr,
		"timeout", cfg.Device.Timeout,
		"rqst_pause", cfg.Device.RqstPause,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	var m *metrics.Metrics
	if cfg.Metrics.Address != "" {
		reg := metrics.NewRegistry()
		m = metrics.New(reg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.Metrics.Address, reg); err != nil {
				slog.Error("Metrics listener stopped", "err", err)
			}
		}()
	}

	// Create Downstream
	client := &plug.Client{Address: plugAddr, Timeout: cfg.Device.Timeout}
	client.SetRequestPause(cfg.Device.RqstPause)
	controller := relay.NewController(client, m)

	// Create Upstreams
	var upstreams []transport.Upstream
	for _, usCfg := range cfg.Upstreams {
		switch usCfg.Type {
		case "tcp":
			upstreams = append(upstreams, tcp.NewServer(usCfg.Tcp.Address, m))
		case "udp":
			upstreams = append(upstreams, udp.NewServer(usCfg.Udp.Address, m))
		case "rtu":
			upstreams = append(upstreams, rtu.NewServer(usCfg.Serial, m))
		default:
			slog.Error("Unknown upstream type", "type", usCfg.Type)
		}
	}
	if len(upstreams) == 0 {
		slog.Error("No valid upstreams configured. Exiting.")
		os.Exit(1)
	}

	gw := gateway.NewGateway(cfg.Device.Address, upstreams, controller, m)
	if cfg.Device.Timeout > 0 {
		// covers the queue wait behind one slow plug round trip
		gw.RequestTimeout = 2 * cfg.Device.Timeout
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Start(ctx); err != nil {
			slog.Error("Gateway stopped with error", "name", gw.Name, "err", err)
		}
	}()

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	cancel()
	wg.Wait()
	slog.Info("Goodbye.")
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var w io.Writer = os.Stdout
	if cfg.File != "" && cfg.File != "-" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
}
