package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"floracore/pkg/domain"
)

// chainedEvents builds a hash-chained single-device log.
func chainedEvents(t *testing.T, device string, n int) []domain.SyncEvent {
	t.Helper()
	events := make([]domain.SyncEvent, 0, n)
	prev := ""
	for i := 1; i <= n; i++ {
		ev := domain.SyncEvent{
			EventID:  fmt.Sprintf("%s-ev-%04d", device, i),
			TenantID: "tenant-1",
			DeviceID: device,
			TS:       time.Date(2026, 6, 1, 10, 0, i, 0, time.UTC),
			EntityID: "sp-1",
			Op:       domain.OpPatch,
			Patch:    map[string]domain.PatchValue{"temperature.max_c": {Kind: domain.KindLWW, Value: float64(i)}},
			Clock:    domain.VectorClock{device: uint64(i)},
			HashPrev: prev,
		}
		sum, err := ev.Checksum()
		if err != nil {
			t.Fatalf("checksum: %v", err)
		}
		prev = sum
		events = append(events, ev)
	}
	return events
}

func writeLog(t *testing.T, events []domain.SyncEvent) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.ndjson")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()
	if err := domain.EncodeNDJSON(f, events); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return path
}

func TestCLIVerifiesIntactChain(t *testing.T) {
	path := writeLog(t, chainedEvents(t, "device-a", 3))
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-file", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("code = %d, stderr = %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "chain intact") {
		t.Fatalf("stdout = %q, want chain report", stdout.String())
	}

	stdout.Reset()
	if code := cli([]string{"-quiet", "-file", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("quiet code = %d", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("quiet run must not print, got %q", stdout.String())
	}
}

func TestCLIReportsBrokenChain(t *testing.T) {
	events := chainedEvents(t, "device-a", 3)
	events[2].HashPrev = "tampered"
	path := writeLog(t, events)

	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-file", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("code = %d, want 1 for a broken chain", code)
	}
	if !strings.Contains(stderr.String(), "chain broken") {
		t.Fatalf("stderr = %q, want broken-chain report", stderr.String())
	}
}

func TestCLIRejectsBadUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("no flags: code = %d, want 2", code)
	}
	if code := cli([]string{"-file", "x", "-s3-key", "y"}, &stdout, &stderr); code != 2 {
		t.Fatalf("conflicting flags: code = %d, want 2", code)
	}
	if code := cli([]string{"-file", filepath.Join(t.TempDir(), "missing.ndjson")}, &stdout, &stderr); code != 2 {
		t.Fatalf("missing file: code = %d, want 2", code)
	}
}

// TestMainUsesExitCode invokes main with a patched exitFunc.
func TestMainUsesExitCode(t *testing.T) {
	path := writeLog(t, chainedEvents(t, "device-a", 2))
	var codes []int
	old := exitFunc
	exitFunc = func(code int) { codes = append(codes, code) }
	defer func() { exitFunc = old }()

	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"florac-verify", "-quiet", "-file", path}
	main()
	os.Args = []string{"florac-verify", "-file", "does-not-exist.ndjson"}
	main()

	if len(codes) != 2 || codes[0] != 0 || codes[1] != 2 {
		t.Fatalf("exit codes = %v, want [0 2]", codes)
	}
}
