package mlog

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
)

// ReplayStatus tags how far a Replay got before stopping, so warmup can
// decide whether to trust the log or fall back to a full backing-store scan
// (spec §4.5/§8 scenario 7: corruption never panics, it is a tagged result).
type ReplayStatus int

const (
	// ReplayComplete means every block was read and validated to EOF.
	ReplayComplete ReplayStatus = iota
	// ReplayTruncated means the file ended mid-record (a partial trailing
	// write from a crash); everything before that point is trustworthy.
	ReplayTruncated
	// ReplayCorrupt means a CRC mismatch was found; everything before that
	// point is trustworthy, everything at or after it is not.
	ReplayCorrupt
	// ReplayBadMagic means the file does not look like a mutation log at all.
	ReplayBadMagic
)

func (s ReplayStatus) String() string {
	switch s {
	case ReplayComplete:
		return "COMPLETE"
	case ReplayTruncated:
		return "TRUNCATED"
	case ReplayCorrupt:
		return "CORRUPT"
	case ReplayBadMagic:
		return "BAD_MAGIC"
	default:
		return "UNKNOWN"
	}
}

// ReplayResult is returned by Replay: the records read so far, plus the
// status of anything left unread.
type ReplayResult struct {
	Records []Record
	Status  ReplayStatus
}

// Replay reads every well-formed record from path in order, stopping (but
// not failing) at the first sign of truncation or corruption. Block padding
// is a run of zero bytes; a record type byte of zero is treated as padding
// and Replay skips ahead to the next block boundary.
func Replay(path string, cfg Config) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayResult{}, err
	}
	defer f.Close()

	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(f, magicBuf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return ReplayResult{Status: ReplayBadMagic}, nil
		}
		return ReplayResult{}, err
	}
	if string(magicBuf) != magic {
		return ReplayResult{Status: ReplayBadMagic}, nil
	}

	bs := cfg.blockSize()
	blockUsed := len(magic)
	var records []Record

	for {
		if blockUsed >= bs {
			blockUsed = 0
		}

		typeByte := make([]byte, 1)
		n, err := io.ReadFull(f, typeByte)
		if n == 0 && err == io.EOF {
			return ReplayResult{Records: records, Status: ReplayComplete}, nil
		}
		if err != nil {
			return ReplayResult{Records: records, Status: ReplayTruncated}, nil
		}
		blockUsed++

		if typeByte[0] == 0 {
			// padding byte: skip to the next block boundary
			skip := bs - blockUsed
			if skip > 0 {
				if _, err := io.CopyN(io.Discard, f, int64(skip)); err != nil {
					return ReplayResult{Records: records, Status: ReplayComplete}, nil
				}
			}
			blockUsed = 0
			continue
		}

		rec, consumed, ok, err := decodeOne(f, RecordType(typeByte[0]))
		if err != nil {
			return ReplayResult{Records: records, Status: ReplayTruncated}, nil
		}
		if !ok {
			return ReplayResult{Records: records, Status: ReplayCorrupt}, nil
		}
		blockUsed += consumed
		records = append(records, rec)
	}
}

// decodeOne reads the remainder of one record (after its type byte has
// already been consumed) and verifies its checksum.
func decodeOne(r io.Reader, t RecordType) (rec Record, consumed int, ok bool, err error) {
	hdr := make([]byte, 2+2)
	if _, err = io.ReadFull(r, hdr); err != nil {
		return Record{}, 0, false, err
	}
	vbid := binary.BigEndian.Uint16(hdr[0:2])
	keyLen := binary.BigEndian.Uint16(hdr[2:4])

	key := make([]byte, keyLen)
	if keyLen > 0 {
		if _, err = io.ReadFull(r, key); err != nil {
			return Record{}, 0, false, err
		}
	}

	rest := make([]byte, 8+2)
	if _, err = io.ReadFull(r, rest); err != nil {
		return Record{}, 0, false, err
	}
	rowid := int64(binary.BigEndian.Uint64(rest[0:8]))
	adminLen := binary.BigEndian.Uint16(rest[8:10])

	admin := make([]byte, adminLen)
	if adminLen > 0 {
		if _, err = io.ReadFull(r, admin); err != nil {
			return Record{}, 0, false, err
		}
	}

	crcBuf := make([]byte, 4)
	if _, err = io.ReadFull(r, crcBuf); err != nil {
		return Record{}, 0, false, err
	}
	wantCrc := binary.BigEndian.Uint32(crcBuf)

	payload := make([]byte, 0, 1+len(hdr)+len(key)+len(rest)+len(admin))
	payload = append(payload, byte(t))
	payload = append(payload, hdr...)
	payload = append(payload, key...)
	payload = append(payload, rest...)
	payload = append(payload, admin...)
	gotCrc := crc32.ChecksumIEEE(payload)

	consumed = len(hdr) + len(key) + len(rest) + len(admin) + len(crcBuf)
	if gotCrc != wantCrc {
		return Record{}, consumed, false, nil
	}

	rec = Record{Type: t, VBID: vbid, Key: string(key), RowID: rowid, Admin: string(admin)}
	return rec, consumed, true, nil
}

// CommittedRecords filters records down to the NEW/DEL/DEL_ALL entries that
// fall inside a closed COMMIT1...COMMIT2 bracket. Every transaction's
// mutations are appended to the log before its COMMIT1, so a bracket is
// simply "buffer mutations, release them on COMMIT2"; a run of mutations
// still buffered when records runs out is an interrupted final transaction
// and is discarded rather than surfaced (spec §8 scenario 7, the mutation
// log crash safety invariant). ADMIN markers are never bracketed and pass
// through unconditionally.
func CommittedRecords(records []Record) []Record {
	out := make([]Record, 0, len(records))
	var pending []Record
	open := false

	for _, rec := range records {
		switch rec.Type {
		case RecordNew, RecordDel, RecordDelAll:
			pending = append(pending, rec)
		case RecordCommit1:
			open = true
		case RecordCommit2:
			if open {
				out = append(out, pending...)
			}
			pending = nil
			open = false
		case RecordAdmin:
			out = append(out, rec)
		}
	}

	return out
}

// Compact rewrites the log at path, retaining only the most recent record
// for each (vbid, key) pair plus every ADMIN marker, discarding superseded
// NEW/DEL history and redundant COMMIT brackets (spec §6: "compaction
// rewrites retaining only the latest record per key and all admin markers").
// Any trailing corruption found during the read is tolerated: compaction
// proceeds on whatever validated prefix Replay returned.
func Compact(path string, cfg Config) error {
	result, err := Replay(path, cfg)
	if err != nil {
		return err
	}

	type keyID struct {
		vbid uint16
		key  string
	}
	latest := make(map[keyID]Record)
	order := make([]keyID, 0, len(result.Records))
	var admins []Record

	for _, rec := range result.Records {
		switch rec.Type {
		case RecordNew, RecordDel:
			k := keyID{vbid: rec.VBID, key: rec.Key}
			if _, seen := latest[k]; !seen {
				order = append(order, k)
			}
			latest[k] = rec
		case RecordAdmin:
			admins = append(admins, rec)
		case RecordDelAll, RecordCommit1, RecordCommit2:
			// superseded by compaction; the backing store's own state already
			// reflects their effect by the time a compaction runs.
		}
	}

	tmpPath := path + ".compact"
	out, err := Create(tmpPath, cfg)
	if err != nil {
		return err
	}

	for _, k := range order {
		if err := out.Append(latest[k]); err != nil {
			out.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	for _, a := range admins {
		if err := out.Append(a); err != nil {
			out.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, path)
}
