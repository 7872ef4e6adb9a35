package domain

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Op enumerates sync event operations.
type Op string

// Supported event operations.
const (
	// OpUpsert creates or fully replaces entity fields.
	OpUpsert Op = "upsert"
	// OpPatch applies a partial field update.
	OpPatch Op = "patch"
	// OpDelete writes tombstones; tombstoned fields never resurrect.
	OpDelete Op = "delete"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	switch op {
	case OpUpsert, OpPatch, OpDelete:
		return true
	}
	return false
}

// PatchValue is the per-path payload of a sync event patch. The populated
// slots depend on the field kind: Value for LWW and MV writes, Add/Remove
// for OR-set deltas. Delete requests a tombstone for the path.
type PatchValue struct {
	Kind   FieldKind `json:"kind,omitempty"`
	Value  any       `json:"value,omitempty"`
	Add    []string  `json:"add,omitempty"`
	Remove []string  `json:"remove,omitempty"`
	Delete bool      `json:"delete,omitempty"`
}

// SyncEvent is one append-only, immutable entry in the per-device event log
// shared between edge and cloud. Event ids are UUIDv7 so they sort by
// creation time and can be generated offline without coordination.
type SyncEvent struct {
	EventID  string                `json:"event_id"`
	TenantID string                `json:"tenant_id"`
	DeviceID string                `json:"device_id"`
	TS       time.Time             `json:"ts"`
	EntityID string                `json:"entity_id"`
	Op       Op                    `json:"op"`
	Patch    map[string]PatchValue `json:"patch,omitempty"`
	Clock    VectorClock           `json:"vector_clock,omitempty"`
	Actor    string                `json:"actor,omitempty"`

	// HashPrev chains the event to the previous event from the same device,
	// forming a tamper-evident per-device log.
	HashPrev string `json:"hash_prev,omitempty"`
}

// MarshalLine encodes the event as one compact NDJSON line without the
// trailing newline.
func (e SyncEvent) MarshalLine() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.EventID, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Checksum returns the hex SHA-256 of the event's canonical NDJSON line,
// including HashPrev, so each link commits to the whole prior chain.
func (e SyncEvent) Checksum() (string, error) {
	line, err := e.MarshalLine()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(line)
	return hex.EncodeToString(sum[:]), nil
}

// EncodeNDJSON writes events as newline-delimited JSON to w.
func EncodeNDJSON(w io.Writer, events []SyncEvent) error {
	for _, ev := range events {
		line, err := ev.MarshalLine()
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write event %s: %w", ev.EventID, err)
		}
	}
	return nil
}

// DecodeNDJSON reads newline-delimited sync events from r, skipping blank
// lines. A malformed line fails the whole decode; partial batches are the
// transport's concern, not the codec's.
func DecodeNDJSON(r io.Reader) ([]SyncEvent, error) {
	var events []SyncEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev SyncEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("decode ndjson line %d: %w", lineNo, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ndjson: %w", err)
	}
	return events, nil
}

// VerifyChain checks the per-device hash chain over events, which must be
// supplied in log order for a single device. The first event's HashPrev is
// accepted as-is (the chain head is device-local). A broken link is a
// recoverable integrity failure, reported with its position.
func VerifyChain(events []SyncEvent) error {
	var prev string
	for i, ev := range events {
		if i > 0 && ev.HashPrev != prev {
			return fmt.Errorf("hash chain broken at event %d (%s): have prev %q, want %q", i, ev.EventID, ev.HashPrev, prev)
		}
		sum, err := ev.Checksum()
		if err != nil {
			return err
		}
		prev = sum
	}
	return nil
}
