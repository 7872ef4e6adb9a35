// Command florac-verify audits event logs. It reads NDJSON from a file,
// stdin, or an archived S3 batch and verifies the per-device hash chains,
// reporting the first broken link per device.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	blobs3 "floracore/internal/infra/blob/s3"
	"floracore/pkg/domain"
)

var exitFunc = os.Exit

// main runs the command-line interface and exits with the code cli returns.
func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("florac-verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "NDJSON event log to verify ('-' for stdin)")
	s3Key := fs.String("s3-key", "", "archived batch key to verify (uses FLORACORE_ARCHIVE_S3_* env)")
	quiet := fs.Bool("quiet", false, "suppress per-device output")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	events, err := load(*file, *s3Key)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	byDevice := make(map[string][]domain.SyncEvent)
	for _, ev := range events {
		byDevice[ev.DeviceID] = append(byDevice[ev.DeviceID], ev)
	}

	failed := false
	for device, log := range byDevice {
		if err := domain.VerifyChain(log); err != nil {
			failed = true
			fmt.Fprintf(stderr, "device %s: chain broken: %v\n", device, err)
			continue
		}
		if !*quiet {
			fmt.Fprintf(stdout, "device %s: %d events, chain intact\n", device, len(log))
		}
	}
	if failed {
		return 1
	}
	return 0
}

func load(file, s3Key string) ([]domain.SyncEvent, error) {
	switch {
	case file != "" && s3Key != "":
		return nil, fmt.Errorf("pass either -file or -s3-key, not both")
	case file == "-":
		return domain.DecodeNDJSON(os.Stdin)
	case file != "":
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		return domain.DecodeNDJSON(io.Reader(f))
	case s3Key != "":
		ctx := context.Background()
		archive, err := blobs3.OpenFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		return archive.OpenBatch(ctx, s3Key)
	default:
		return nil, fmt.Errorf("pass -file or -s3-key")
	}
}
