// Command fa-archiver runs the acquisition daemon: it drains the BPM
// sniffer into the raw ring buffer, transforms and archives major blocks
// to disk, and serves the TCP wire protocol against the running archive.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/dls-controls/fa-archiver/internal/archive"
	"github.com/dls-controls/fa-archiver/internal/config"
	"github.com/dls-controls/fa-archiver/internal/pipeline"
	"github.com/dls-controls/fa-archiver/internal/ringbuf"
	"github.com/dls-controls/fa-archiver/internal/sniffer"
	"github.com/dls-controls/fa-archiver/internal/transform"
	"github.com/dls-controls/fa-archiver/internal/wire"
)

var cmd struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "fa-archiver",
	Short: "Fast-acquisition BPM archiver daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(cmd.ConfigPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "path to the fa-archiver YAML configuration (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	zapCfg := zap.NewProductionConfig()
	if lvl, lerr := zapcore.ParseLevel(cfg.LogLevel); lerr == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("fa-archiver: build logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	a, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		return fmt.Errorf("fa-archiver: open archive: %w", err)
	}
	defer a.Close()

	h := a.Header()
	ring := ringbuf.New(int(h.InputBlockSize), cfg.RingBlockCount)

	var driver sniffer.Driver
	if cfg.SnifferDevice == "" {
		driver = sniffer.NewEmpty()
		log.Warnw("no sniffer_device configured, running read-only")
	} else {
		driver, err = sniffer.OpenDevice(cfg.SnifferDevice, cfg.N)
		if err != nil {
			return fmt.Errorf("fa-archiver: open sniffer: %w", err)
		}
	}

	snifferThread := sniffer.NewThread(driver, ring, log)
	snifferThread.Realtime = cfg.Realtime
	xform := transform.New(a, nil)
	writer := pipeline.NewDiskWriter(ring, a, xform, log)

	reader := archive.NewReader(a)
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("fa-archiver: listen %s: %w", cfg.ListenAddress, err)
	}
	server := wire.NewServer(listener, reader, cfg.N, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wg, gctx := errgroup.WithContext(ctx)
	wg.Go(func() error { return snifferThread.Run(gctx) })
	wg.Go(func() error { return writer.Run(gctx) })
	wg.Go(func() error { return server.Serve(gctx) })

	log.Infow("fa-archiver started", "archive", cfg.ArchivePath, "listen", cfg.ListenAddress)

	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
