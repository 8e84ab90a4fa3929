// Command fa-prepare creates (or re-initialises) an archive file's fixed
// header, data index, and sparse data region ahead of the first time
// fa-archiver opens it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dls-controls/fa-archiver/internal/archive"
	"github.com/dls-controls/fa-archiver/internal/mask"
)

var cmd struct {
	Path             string
	N                int
	D1Log2, D2Log2   uint32
	InputBlockSize   uint32
	MajorSampleCount uint32
	MajorBlockCount  uint32
	DDSampleCount    uint32
	ArchiveMask      string
}

var rootCmd = &cobra.Command{
	Use:   "fa-prepare PATH",
	Short: "Preallocate an fa-archiver archive file",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cmd.Path = args[0]
		return run()
	},
}

func init() {
	f := rootCmd.Flags()
	f.IntVar(&cmd.N, "id-count", 256, "total BPM id count")
	f.Uint32Var(&cmd.D1Log2, "d1-log2", 6, "log2 of the first decimation factor")
	f.Uint32Var(&cmd.D2Log2, "d2-log2", 8, "log2 of the second decimation factor")
	f.Uint32Var(&cmd.InputBlockSize, "input-block-size", 4096, "raw sniffer block size in bytes")
	f.Uint32Var(&cmd.MajorSampleCount, "major-sample-count", 65536, "raw samples per major block")
	f.Uint32Var(&cmd.MajorBlockCount, "major-block-count", 1024, "number of major blocks in the data region")
	f.Uint32Var(&cmd.DDSampleCount, "dd-sample-count", 4096, "sizes the double-decimation ring to major-block-count*major-sample-count/dd-sample-count slots (each slot covers D1*D2 samples)")
	f.StringVar(&cmd.ArchiveMask, "mask", "", "ids to archive, in mask grammar (required)")
	rootCmd.MarkFlagRequired("mask")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	m, err := mask.Parse(cmd.ArchiveMask, cmd.N)
	if err != nil {
		return fmt.Errorf("fa-prepare: bad --mask: %w", err)
	}

	cfg := archive.PrepareConfig{
		N:                cmd.N,
		D1Log2:           cmd.D1Log2,
		D2Log2:           cmd.D2Log2,
		InputBlockSize:   cmd.InputBlockSize,
		MajorSampleCount: cmd.MajorSampleCount,
		MajorBlockCount:  cmd.MajorBlockCount,
		DDSampleCount:    cmd.DDSampleCount,
		ArchiveMask:      m,
	}
	if err := archive.Prepare(cmd.Path, cfg); err != nil {
		return fmt.Errorf("fa-prepare: %w", err)
	}
	fmt.Printf("prepared %s for %d archived ids\n", cmd.Path, m.Popcount())
	return nil
}
