package warmup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// AccessLogEntry names one key the access scanner predicts will be read
// again soon, along with the rowid it had at scan time so LoadingAccessLog
// can fetch it without a secondary key index.
type AccessLogEntry struct {
	VBID  uint16
	RowID int64
	Key   string
}

// WriteAccessLog serializes entries as one "vbid\trowid\tkey" line each.
// The access scanner worker is the only writer of this format.
func WriteAccessLog(w io.Writer, entries []AccessLogEntry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%d\t%d\t%s\n", e.VBID, e.RowID, e.Key); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// readAccessLog parses the line format WriteAccessLog produces, skipping
// any line that doesn't parse cleanly rather than aborting the whole read
// (a single corrupt line should not cost the rest of the predicted set).
func readAccessLog(r io.Reader) ([]AccessLogEntry, error) {
	var entries []AccessLogEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		vbid, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			continue
		}
		rowid, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, AccessLogEntry{VBID: uint16(vbid), RowID: rowid, Key: parts[2]})
	}
	return entries, sc.Err()
}

// openAccessLogWithFallback opens path, falling back to path+".old" if the
// primary file cannot be opened (spec §4.5's LoadingAccessLog fallback).
// Returns ok=false if neither is readable, which is not an error condition
// for the caller — an absent access log simply means no predicted set.
func openAccessLogWithFallback(path string) (entries []AccessLogEntry, ok bool) {
	for _, p := range []string{path, path + ".old"} {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		es, err := readAccessLog(f)
		f.Close()
		if err != nil {
			continue
		}
		return es, true
	}
	return nil, false
}

func accessLogExists(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	if _, err := os.Stat(path + ".old"); err == nil {
		return true
	}
	return false
}
