/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/kentakayama/suit-processor/internal/config"
	"github.com/kentakayama/suit-processor/internal/infra/sqlite"
	"github.com/kentakayama/suit-processor/internal/platform"
	"github.com/kentakayama/suit-processor/internal/processor"
)

// Server wires the HTTP listener and request handling stack.
type Server struct {
	cfg     config.ServerConfig
	db      *sql.DB
	handler *handler
	http    *http.Server
	logger  *log.Logger
}

// New constructs a Server using the provided configuration.
func New(cfg config.ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx := context.Background()
	db, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	deviceCfg := cfg.Device
	if deviceCfg.Logger == nil {
		deviceCfg.Logger = logger
	}
	device := platform.NewDevice(ctx, db, deviceCfg)

	processorCfg := cfg.Processor
	if processorCfg.Logger == nil {
		processorCfg.Logger = logger
	}
	proc, err := processor.New(processorCfg, device)
	if err != nil {
		sqlite.CloseDB(db)
		return nil, err
	}
	if err = proc.Init(); err != nil {
		sqlite.CloseDB(db)
		return nil, err
	}

	h := newHandler(proc, device, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{
		cfg:     cfg,
		db:      db,
		handler: h,
		http:    httpSrv,
		logger:  logger,
	}, nil
}

// Device returns the platform backing the server, for provisioning trust
// anchors and payloads.
func (s *Server) Device() *platform.Device {
	return s.handler.device
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("Run SUIT Processor Server on %s.", s.http.Addr)

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully takes down the HTTP server and closes the database.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if cerr := sqlite.CloseDB(s.db); err == nil {
		err = cerr
	}
	return err
}
