package wal

import (
	"bufio"
	"hash/crc32"
	"os"
)

// ReadAllTolerant reads every valid entry from the WAL file at path,
// stopping at the first entry that fails to parse or whose checksum
// doesn't match — a corrupt tail is assumed to be a torn write from a
// crash mid-append, not a reason to discard everything before it.
// hadCorruption reports whether such a stopping point was hit before EOF.
func ReadAllTolerant(path string) (entries []Entry, hadCorruption bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, perr := ParseLine(line)
		if perr != nil {
			return entries, true, nil
		}
		if !verifyChecksum(entry) {
			return entries, true, nil
		}
		entries = append(entries, entry)
	}
	if serr := scanner.Err(); serr != nil {
		// A scanner-level I/O error (not a parse/checksum failure) is
		// still treated as a tolerable stopping point: whatever was
		// successfully read before it stands.
		return entries, true, nil
	}
	return entries, false, nil
}

// EntriesFrom reads every valid entry with Sequence >= fromSeq, used by
// compaction to rebuild a WAL file containing only post-snapshot entries.
func EntriesFrom(path string, fromSeq uint64) ([]Entry, error) {
	all, _, err := ReadAllTolerant(path)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Sequence >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// LastValidPosition scans the file byte-by-byte-line and returns the byte
// offset just past the last structurally valid, checksum-correct entry.
// Used by Repair to truncate a corrupt tail.
func LastValidPosition(path string) (position int64, hadCorruption bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var offset int64
	for {
		line, rerr := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := line
			if trimmed[len(trimmed)-1] == '\n' {
				trimmed = trimmed[:len(trimmed)-1]
			}
			if len(trimmed) > 0 {
				entry, perr := ParseLine(trimmed)
				if perr != nil || !verifyChecksum(entry) {
					return offset, true, nil
				}
			}
			offset += int64(len(line))
		}
		if rerr != nil {
			break
		}
	}
	return offset, false, nil
}

// Repair truncates the WAL file at walPath to its last valid position,
// returning the number of bytes removed. A no-op (0 bytes removed) if the
// file has no corruption.
func Repair(walPath string) (bytesRemoved int64, err error) {
	pos, corrupt, err := LastValidPosition(walPath)
	if err != nil {
		return 0, err
	}
	if !corrupt {
		return 0, nil
	}
	info, err := os.Stat(walPath)
	if err != nil {
		return 0, err
	}
	removed := info.Size() - pos

	f, err := os.OpenFile(walPath, os.O_RDWR, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if err := f.Truncate(pos); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return removed, nil
}

func verifyChecksum(e Entry) bool {
	opJSON, err := marshalForChecksum(e.Operation)
	if err != nil {
		return false
	}
	want := crc32.ChecksumIEEE(checksumFields(e.Sequence, e.TimestampMicros, e.MachineID, e.Operation.Kind(), opJSON))
	return want == e.Checksum
}
