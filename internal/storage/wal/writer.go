package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

// Writer appends entries to the WAL file, computing each entry's checksum
// over its own canonical fields (not a running/chained checksum — each
// line can be verified independently, which is what lets Reader stop
// cleanly at the first corrupt line instead of needing to replay from the
// start to validate a chain).
//
// Grounded on checksum being a stdlib hash/crc32, not an imported library:
// this is a 32-bit integrity check on a local append-only file, not a
// cryptographic digest — none of the pack's crypto libraries (golang.org/
// x/crypto) fit a non-adversarial local-corruption check better than the
// standard library's crc32, so this is the one place the standard library
// is used deliberately rather than an ecosystem substitute. See DESIGN.md.
type Writer struct {
	mu           sync.Mutex
	path         string
	machineID    string
	file         *os.File
	bw           *bufio.Writer
	lastSequence uint64
	hasEntries   bool
}

func OpenWriter(path, machineID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open writer: %w", err)
	}
	w := &Writer{path: path, machineID: machineID, file: f, bw: bufio.NewWriter(f)}
	if err := w.primeLastSequence(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) primeLastSequence() error {
	entries, _, err := ReadAllTolerant(w.path)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		w.lastSequence = entries[len(entries)-1].Sequence
		w.hasEntries = true
	}
	return nil
}

func (w *Writer) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSequence
}

// Append journals op as the next sequence number and returns the assigned
// sequence. The timestamp is the caller's now — live appends use
// wall-clock time; WAL replay instead trusts each entry's own persisted
// timestamp (see state.Apply).
func (w *Writer) Append(op Operation, timestampMicros int64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := uint64(0)
	if w.hasEntries {
		seq = w.lastSequence + 1
	}

	opJSON, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal operation: %w", err)
	}
	checksum := crc32.ChecksumIEEE(checksumFields(seq, timestampMicros, w.machineID, op.Kind(), opJSON))

	entry := Entry{Sequence: seq, TimestampMicros: timestampMicros, MachineID: w.machineID, Operation: op, Checksum: checksum}
	text, err := entry.ToLine()
	if err != nil {
		return 0, err
	}
	if _, err := w.bw.WriteString(text + "\n"); err != nil {
		return 0, fmt.Errorf("wal: write entry: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return 0, fmt.Errorf("wal: flush entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("wal: sync entry: %w", err)
	}

	w.lastSequence = seq
	w.hasEntries = true
	return seq, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
