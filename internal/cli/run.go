package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fallen-shinigami/VRCX-sub000/internal/bridge"
	"github.com/fallen-shinigami/VRCX-sub000/internal/config"
	"github.com/fallen-shinigami/VRCX-sub000/internal/engine"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Listen   string
	Records  string // JSONL file, or "-" for stdin

	// Env replaces the process environment (for testing).
	Env map[string]string

	// IDs overrides the session and entry id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs engine.IDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and the websocket bridge",
		Long: `Start the companion engine.

Opens the SQLite event log (creating it if it doesn't exist), starts the
single-writer event loop and serves the websocket endpoints:

  /records  structured session-log records from the log tailer
  /frames   protocol frames from the protocol bridge
  /sources  entries from the status, notification and friend-log sources
  /feed     ambient feed, alerts and HUD updates for clients

Settings come from VRCX_* environment variables; flags override them.

Example:
  vrcx-companion run --db ./vrcx.db
  vrcx-companion run --listen 127.0.0.1:22500 --records session.jsonl --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompanion(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides VRCX_DB)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "bridge listen address (overrides VRCX_LISTEN)")
	cmd.Flags().StringVar(&opts.Records, "records", "", "JSONL record file to feed in, or - for stdin")

	return cmd
}

// loadConfig reads the environment and applies flag overrides.
func (o *RunOptions) loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if o.Env != nil {
		cfg, err = config.LoadFrom(o.Env)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}
	if o.Database != "" {
		cfg.DBPath = o.Database
	}
	if o.Listen != "" {
		cfg.Listen = o.Listen
	}
	return cfg, nil
}

func runCompanion(opts *RunOptions, cmd *cobra.Command) error {
	logger := setupLogging(cmd.ErrOrStderr(), opts.Verbose)

	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	// Open database (create if not exists)
	slog.Info("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	var records io.ReadCloser
	switch opts.Records {
	case "":
	case "-":
		records = io.NopCloser(cmd.InOrStdin())
	default:
		f, err := os.Open(opts.Records)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open records", err)
		}
		records = f
	}
	if records != nil {
		defer records.Close()
	}

	ids := opts.IDs
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	feed := bridge.NewBroadcaster(logger)
	eng := engine.New(cfg.Engine(), cfg.Self(),
		engine.WithEventLog(st),
		engine.WithPublisher(feed),
		engine.WithIDGenerator(ids),
		engine.WithLogger(logger),
	)

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	srv := bridge.NewServer(eng, feed, logger)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(ctx, cfg.Listen)
	}()

	if records != nil {
		go feedRecords(ctx, records, eng, logger)
	}

	slog.Info("engine starting", "db", cfg.DBPath, "listen", cfg.Listen)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Listening on", cfg.Listen)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- eng.Run(ctx)
	}()

	var runErr error
	select {
	case err := <-engineErr:
		cancel()
		if err := <-serveErr; err != nil {
			slog.Error("bridge stopped with error", "error", err)
		}
		runErr = err
	case err := <-serveErr:
		// The bridge failed before shutdown, typically a bad address.
		cancel()
		<-engineErr
		if err != nil {
			return WrapExitError(ExitCommandError, "bridge failed", err)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", runErr)
	}

	slog.Info("engine stopped gracefully")
	return nil
}

// feedRecords enqueues every decodable line of r. Malformed lines are
// logged and skipped.
func feedRecords(ctx context.Context, r io.Reader, sink bridge.Sink, logger *slog.Logger) {
	err := engine.ScanInputs(r, func(in engine.Input) bool {
		if ctx.Err() != nil {
			return false
		}
		return sink.Enqueue(in)
	}, func(line int, err error) {
		logger.Warn("dropping malformed record", "line", line, "error", err)
	})
	if err != nil {
		logger.Warn("record feed stopped", "error", err)
		return
	}
	logger.Debug("record feed finished")
}
