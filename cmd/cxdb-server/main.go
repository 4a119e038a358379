// Command cxdb-server runs the CXDB core: the Blob Store, Turn Store, and
// binary wire protocol listener (spec §6 "CLI surface of the core server").
//
// It takes no positional arguments and reads all real configuration from
// the environment (internal/config); the cobra root command exists only so
// --help/--version work, per the teacher's own cmd/node and cmd/coordinator
// being plain func main() with env-only config — see SPEC_FULL.md's
// AMBIENT STACK section.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/cxdb/internal/blobstore"
	"github.com/dreamware/cxdb/internal/config"
	"github.com/dreamware/cxdb/internal/durability"
	"github.com/dreamware/cxdb/internal/server"
	"github.com/dreamware/cxdb/internal/statusapi"
	"github.com/dreamware/cxdb/internal/turnstore"
)

// logFatal is a variable so tests can intercept a fatal exit, mirroring the
// teacher's cmd/node.logFatal indirection (cmd/node/main.go).
var logFatal = func(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	root := &cobra.Command{
		Use:     "cxdb-server",
		Short:   "CXDB storage engine and wire protocol server",
		Version: "1.0.0",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	if err := root.Execute(); err != nil {
		logFatal("cxdb-server: %v", err)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck
	sugar := log.Sugar()

	blobs, err := blobstore.Open(filepath.Join(cfg.DataDir, "blobs"), cfg.CompressionLevel, sugar.Named("blobstore"))
	if err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}
	blobs.MaxRawLen = cfg.MaxBlobSize

	turns, err := turnstore.Open(filepath.Join(cfg.DataDir, "turns"), blobs, sugar.Named("turnstore"))
	if err != nil {
		blobs.Close()
		return fmt.Errorf("turnstore: %w", err)
	}

	blobSync := durability.New(30*time.Second, func() {
		if err := blobs.Sync(); err != nil {
			sugar.Warnw("durability: blob sync failed", "error", err)
		}
	}, sugar.Named("durability.blobs"))
	blobSync.Start()
	defer blobSync.Stop()

	turnSweep := durability.New(5*time.Minute, func() {
		turns.PruneIdempotency()
		if err := turns.Sync(); err != nil {
			sugar.Warnw("durability: turn sync failed", "error", err)
		}
	}, sugar.Named("durability.turns"))
	turnSweep.Start()
	defer turnSweep.Stop()

	srv := server.New(blobs, turns, server.Config{ServerTag: "cxdb-server"}, sugar.Named("server"))

	ln, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		turns.Close()
		blobs.Close()
		return fmt.Errorf("listen %s: %w", cfg.Bind, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() {
		sugar.Infow("cxdb-server listening", "bind", cfg.Bind, "data_dir", cfg.DataDir)
		serveErrCh <- srv.Serve(ctx, ln)
	}()

	var httpSrv *http.Server
	if cfg.HTTPBind != "" {
		mux := statusapi.NewHandler(blobs, turns).Mux()
		httpSrv = &http.Server{Addr: cfg.HTTPBind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			sugar.Infow("status surface listening", "http_bind", cfg.HTTPBind)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				sugar.Errorw("status surface stopped", "error", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		sugar.Infow("shutdown signal received")
		cancel()
		if httpSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}
		<-serveErrCh
	case err := <-serveErrCh:
		if err != nil {
			sugar.Errorw("serve loop exited", "error", err)
		}
		cancel()
		if httpSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}
	}

	if err := turns.Close(); err != nil {
		sugar.Errorw("turnstore close failed", "error", err)
	}
	if err := blobs.Close(); err != nil {
		sugar.Errorw("blobstore close failed", "error", err)
	}

	sugar.Infow("cxdb-server stopped")
	return nil
}

func newLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(level); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if format == "text" || format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return cfg.Build()
}
