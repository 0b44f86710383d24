package wal

// ============================================================================
// WAL helpers
// Responsibility: scanning a log file outside the append path
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// scanResult describes one pass over a WAL file.
type scanResult struct {
	last     *Event
	count    int
	goodEnd  int64 // byte offset just past the last intact record
	tornTail bool  // file ends in a partially written record
}

// scan decodes every record in path and calls fn for each one that passes
// its checksum. A record cut short at the end of the file is reported as a
// torn tail rather than an error; anything else malformed is corruption.
func scan(path string, fn func(Event) error) (scanResult, error) {
	var res scanResult
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				res.tornTail = true
				return res, nil
			}
			return res, fmt.Errorf("%w: after seq %d: %v", ErrCorruptedWAL, lastSeq(res.last), err)
		}
		if want := CalculateChecksum(e); e.Checksum != want {
			return res, &ChecksumError{Seq: e.Seq, Expected: want, Actual: e.Checksum}
		}
		if fn != nil {
			if err := fn(e); err != nil {
				return res, err
			}
		}
		ev := e
		res.last = &ev
		res.count++
		res.goodEnd = dec.InputOffset()
	}
	return res, nil
}

func lastSeq(e *Event) uint64 {
	if e == nil {
		return 0
	}
	return e.Seq
}

// GetLastEvent returns the last intact record of the file, or nil for an
// empty or missing file.
func GetLastEvent(path string) (*Event, error) {
	res, err := scan(path, nil)
	if err != nil {
		return nil, err
	}
	return res.last, nil
}

// CountEvents returns the number of intact records in the file.
func CountEvents(path string) (int, error) {
	res, err := scan(path, nil)
	return res.count, err
}
