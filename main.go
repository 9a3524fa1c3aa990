// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ffutop/modbus-rtu-server/internal/config"
	"github.com/ffutop/modbus-rtu-server/internal/server"
	"github.com/ffutop/modbus-rtu-server/internal/store"
	"github.com/ffutop/modbus-rtu-server/internal/worker"
	"github.com/ffutop/modbus-rtu-server/modbus"
	"github.com/ffutop/modbus-rtu-server/transport"
	"github.com/ffutop/modbus-rtu-server/transport/rtu"
)

func main() {
	// Load Configuration
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	slog.Info("Starting Modbus RTU Server...", "unitId", cfg.Server.UnitID, "store", cfg.Store.Type)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := newServer(ctx, cfg)
	if err != nil {
		slog.Error("Failed to set up server", "err", err)
		os.Exit(1)
	}
	if err := srv.Start(ctx); err != nil {
		slog.Error("Failed to start server", "err", err)
		os.Exit(1)
	}

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		slog.Info("Shutting down...")
	case <-srv.Done():
		slog.Error("Server stopped", "err", srv.Err())
	}

	cancel()
	if err := srv.Close(); err != nil {
		slog.Error("Failed to close server", "err", err)
	}
	slog.Info("Goodbye.")
}

func newServer(ctx context.Context, cfg *config.Config) (*server.Server, error) {
	rtuTransport := rtu.NewTransport(cfg.Serial)
	if err := rtuTransport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Serial.Device, err)
	}
	var tr transport.Transport = rtuTransport
	if cfg.Log.Level == "debug" {
		tr = transport.NewLogged(rtuTransport, slog.Default(), slog.LevelDebug)
	}

	srv := server.New(tr,
		server.WithTimeout(cfg.Server.Timeout),
		server.WithBroadcast(cfg.Server.Broadcast),
	)

	var registers store.HoldingRegisters
	switch cfg.Store.Type {
	case config.StoreTable:
		registers = store.NewTable(cfg.Store.Initial)
	default:
		registers = store.NewCounter(cfg.Store.Initial)
	}

	unitID := byte(cfg.Server.UnitID)
	if err := srv.RegisterWorker(unitID, modbus.FuncCodeReadHoldingRegisters, worker.NewReadHoldingRegisters(registers)); err != nil {
		tr.Close()
		return nil, err
	}
	if cfg.Server.InputRegisters {
		if err := srv.RegisterWorker(unitID, modbus.FuncCodeReadInputRegisters, worker.NewReadInputRegisters(registers)); err != nil {
			tr.Close()
			return nil, err
		}
	}
	return srv, nil
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

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
