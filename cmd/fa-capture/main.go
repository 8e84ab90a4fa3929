// Command fa-capture is a thin TCP client for the fa-archiver wire
// protocol: it sends one request line and copies the resulting binary
// stream to stdout (or a file), for scripting and quick captures.
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"
)

var cmd struct {
	Server string
	Mask   string
	Class  string
	Flags  string
	Start  uint64
	End    uint64
	Follow bool
	Out    string
}

var rootCmd = &cobra.Command{
	Use:   "fa-capture",
	Short: "Capture data from a running fa-archiver over the wire protocol",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&cmd.Server, "server", "s", "localhost:8888", "fa-archiver address")
	f.StringVarP(&cmd.Mask, "mask", "m", "", "ids to capture, in mask grammar (required)")
	f.StringVarP(&cmd.Class, "class", "c", "F", "data class: F, D, or DD")
	f.StringVar(&cmd.Flags, "flags", "", "option flags to append: any of T,Z,A,G")
	f.Uint64Var(&cmd.Start, "start", 0, "start timestamp (microseconds since epoch), for a historical read")
	f.Uint64Var(&cmd.End, "end", 0, "end timestamp (microseconds since epoch); 0 means until now")
	f.BoolVarP(&cmd.Follow, "follow", "f", false, "force end=0, streaming up to the current write position instead of a fixed --end")
	f.StringVarP(&cmd.Out, "out", "o", "-", "output file, or - for stdout")
	rootCmd.MarkFlagRequired("mask")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	conn, err := net.Dial("tcp", cmd.Server)
	if err != nil {
		return fmt.Errorf("fa-capture: dial %s: %w", cmd.Server, err)
	}
	defer conn.Close()

	var out io.Writer = os.Stdout
	if cmd.Out != "-" {
		f, err := os.Create(cmd.Out)
		if err != nil {
			return fmt.Errorf("fa-capture: create %s: %w", cmd.Out, err)
		}
		defer f.Close()
		out = f
	}

	line := requestLine()
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return fmt.Errorf("fa-capture: send request: %w", err)
	}

	r := bufio.NewReader(conn)
	if _, err := io.Copy(out, r); err != nil && err != io.EOF {
		return fmt.Errorf("fa-capture: read stream: %w", err)
	}
	return nil
}

func requestLine() string {
	head := "R" + cmd.Class + cmd.Flags
	if cmd.Follow {
		cmd.End = 0
	}
	if cmd.End != 0 {
		return fmt.Sprintf("%s %s %d %d", head, cmd.Mask, cmd.Start, cmd.End)
	}
	return fmt.Sprintf("%s %s %d", head, cmd.Mask, cmd.Start)
}
