/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// suit-processor runs SUIT manifests against a host side device.
//
// Usage:
//
//	suit-processor serve   [--config file] [--addr :8080] [--db suit.db]
//	suit-processor process [--config file] [--db suit.db] [--sequence install] [--payload uri=file]... <envelope>
//	suit-processor inspect <envelope>
//	suit-processor trust   [--config file] [--db suit.db] [--owner name] <cose-key-file>
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/suit-processor/internal/config"
	"github.com/kentakayama/suit-processor/internal/infra/sqlite"
	"github.com/kentakayama/suit-processor/internal/platform"
	"github.com/kentakayama/suit-processor/internal/processor"
	"github.com/kentakayama/suit-processor/internal/server"
	"github.com/kentakayama/suit-processor/internal/suit"
	"github.com/kentakayama/suit-processor/internal/util"
	"github.com/spf13/pflag"
	"github.com/veraison/go-cose"
)

// resultError carries a non-zero processor result as the exit status.
type resultError struct {
	code int
	err  error
}

func (e *resultError) Error() string { return e.err.Error() }
func (e *resultError) Unwrap() error { return e.err }

// ExitCode maps the negative result code onto 1..127.
func (e *resultError) ExitCode() int { return -e.code }

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)

	switch args[0] {
	case "serve":
		return runServe(args[1:], logger)
	case "process":
		return runProcess(args[1:], logger)
	case "inspect":
		return runInspect(args[1:], logger)
	case "trust":
		return runTrust(args[1:], logger)
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage:
  suit-processor serve   [--config file] [--addr :8080] [--db suit.db]
  suit-processor process [--config file] [--db suit.db] [--sequence install] [--payload uri=file]... <envelope>
  suit-processor inspect <envelope>
  suit-processor trust   [--config file] [--db suit.db] [--owner name] <cose-key-file>
`)
}

// commonFlags are shared by every command touching the device database.
type commonFlags struct {
	configPath string
	dbPath     string
}

func (c *commonFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.configPath, "config", "", "TOML configuration file")
	flagSet.StringVar(&c.dbPath, "db", "", "sqlite database (overrides db_path)")
}

func (c *commonFlags) load(logger *log.Logger) (config.ServerConfig, error) {
	cfg := config.DefaultServerConfig()
	if c.configPath != "" {
		var err error
		if cfg, err = config.LoadServerConfig(c.configPath); err != nil {
			return config.ServerConfig{}, err
		}
	}
	if c.dbPath != "" {
		cfg.DBPath = c.dbPath
	}
	cfg.Logger = logger
	cfg.Processor.Logger = logger
	cfg.Device.Logger = logger
	return cfg, nil
}

func openDevice(ctx context.Context, cfg config.ServerConfig) (*sql.DB, *platform.Device, error) {
	db, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return db, platform.NewDevice(ctx, db, cfg.Device), nil
}

func newProcessor(cfg config.ProcessorConfig, device *platform.Device) (*processor.Processor, error) {
	p, err := processor.New(cfg, device)
	if err != nil {
		return nil, err
	}
	if err := p.Init(); err != nil {
		return nil, err
	}
	return p, nil
}

func runServe(args []string, logger *log.Logger) error {
	var common commonFlags
	var addr string
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	common.add(flagSet)
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides addr)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := common.load(logger)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runProcess(args []string, logger *log.Logger) error {
	var common commonFlags
	var sequence string
	var payloads []string
	flagSet := pflag.NewFlagSet("process", pflag.ContinueOnError)
	common.add(flagSet)
	flagSet.StringVar(&sequence, "sequence", suit.SequenceInstall.String(), "command sequence to run")
	flagSet.StringArrayVar(&payloads, "payload", nil, "serve file for fetches of uri, as uri=file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("process takes exactly one envelope file")
	}

	seq, err := suit.ParseSequence(sequence)
	if err != nil {
		return err
	}
	envelope, err := os.ReadFile(flagSet.Arg(0))
	if err != nil {
		return err
	}
	cfg, err := common.load(logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, device, err := openDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlite.CloseDB(db)

	for _, p := range payloads {
		uri, file, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("--payload %q: want uri=file", p)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		device.AddPayload(uri, data)
	}

	proc, err := newProcessor(cfg.Processor, device)
	if err != nil {
		return err
	}
	result := proc.ProcessSequence(envelope, seq)
	report, err := suit.EncodeReport(proc.Report(result))
	if err != nil {
		return err
	}
	pretty, err := util.RenderCBORPretty(report)
	if err != nil {
		return err
	}
	fmt.Println(pretty)

	if result != nil {
		return &resultError{code: suit.Code(result), err: fmt.Errorf("%s: %w", seq, result)}
	}
	return nil
}

func runInspect(args []string, logger *log.Logger) error {
	flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("inspect takes exactly one envelope file")
	}
	envelope, err := os.ReadFile(flagSet.Arg(0))
	if err != nil {
		return err
	}

	pretty, err := util.RenderCBORPretty(envelope)
	if err != nil {
		return fmt.Errorf("%w: %v", suit.ErrDecoding, err)
	}
	fmt.Println(pretty)

	// an empty in-memory device is enough to check the manifest digest
	cfg := config.DefaultServerConfig()
	cfg.DBPath = ":memory:"
	cfg.Processor.Logger = logger
	cfg.Device.Logger = logger
	db, device, err := openDevice(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer sqlite.CloseDB(db)
	proc, err := newProcessor(cfg.Processor, device)
	if err != nil {
		return err
	}
	meta, err := proc.GetManifestMetadata(envelope, false)
	if err != nil {
		return err
	}
	fmt.Printf("component-id:    h'%x'\n", meta.ComponentID)
	fmt.Printf("sequence-number: %d\n", meta.SequenceNumber)
	fmt.Printf("digest:          %d h'%x'\n", meta.Digest.DigestAlg, meta.Digest.DigestBytes)
	return nil
}

func runTrust(args []string, logger *log.Logger) error {
	var common commonFlags
	var owner string
	flagSet := pflag.NewFlagSet("trust", pflag.ContinueOnError)
	common.add(flagSet)
	flagSet.StringVar(&owner, "owner", "", "owner of the signing key")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("trust takes exactly one COSE_Key file")
	}

	raw, err := os.ReadFile(flagSet.Arg(0))
	if err != nil {
		return err
	}
	var key cose.Key
	if err := cbor.Unmarshal(raw, &key); err != nil {
		return fmt.Errorf("parse COSE_Key: %w", err)
	}
	cfg, err := common.load(logger)
	if err != nil {
		return err
	}

	db, device, err := openDevice(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer sqlite.CloseDB(db)
	kid, err := device.AddSigningKey(owner, &key)
	if err != nil {
		return err
	}
	fmt.Printf("kid: h'%x'\n", kid)
	return nil
}
