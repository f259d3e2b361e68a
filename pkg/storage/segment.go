package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"durakv/pkg/common"
)

const (
	segmentPrefix  = "segment-"
	snapshotPrefix = "snapshot-"
)

// SegmentFileName returns the canonical file name of log segment seq.
func SegmentFileName(seq uint64) string {
	return segmentPrefix + strconv.FormatUint(seq, 10)
}

// ParseSegmentFileName extracts the sequence from a segment file name.
func ParseSegmentFileName(name string) (uint64, bool) {
	return parseSeqName(name, segmentPrefix)
}

// parseSeqName accepts only "<prefix><seq>" with a canonical positive decimal
// seq, so "segment-01" or "snapshot-3.tmp" never alias a real file.
func parseSeqName(name, prefix string) (uint64, bool) {
	digits, ok := strings.CutPrefix(name, prefix)
	if !ok || digits == "" {
		return 0, false
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || seq == 0 || strconv.FormatUint(seq, 10) != digits {
		return 0, false
	}
	return seq, true
}

func listSequences(dir, prefix string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	var seqs []uint64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if seq, ok := parseSeqName(e.Name(), prefix); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// ListSegmentSequences returns the sequences of the segment files in dir, ascending.
func ListSegmentSequences(dir string) ([]uint64, error) {
	return listSequences(dir, segmentPrefix)
}

// logRecord is the on-disk form of one log entry, one JSON object per line.
type logRecord struct {
	SegmentSeq uint64    `json:"segment_seq"`
	EntrySeq   uint64    `json:"entry_seq"`
	Op         common.Op `json:"op"`
	Key        string    `json:"key"`
	Value      []byte    `json:"value"`
}

func encodeEntry(e common.LogEntry) ([]byte, error) {
	rec := logRecord{
		SegmentSeq: e.SegmentSeq,
		EntrySeq:   e.EntrySeq,
		Op:         e.Op,
		Key:        e.Key,
	}
	if e.Op == common.OpPut {
		rec.Value = e.Value
		if rec.Value == nil {
			rec.Value = []byte{}
		}
	}
	buf, err := json.Marshal(&rec)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return append(buf, '\n'), nil
}

// decodeLine parses one newline-terminated record and checks it against the
// segment it was read from and the entry that preceded it.
func decodeLine(line []byte, seq, prevEntry uint64) (common.LogEntry, string) {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		return common.LogEntry{}, "record not newline terminated"
	}
	var rec logRecord
	if err := json.Unmarshal(bytes.TrimRight(line, "\n"), &rec); err != nil {
		return common.LogEntry{}, "malformed json: " + err.Error()
	}
	if !rec.Op.Valid() {
		return common.LogEntry{}, fmt.Sprintf("unknown op %q", rec.Op)
	}
	if rec.SegmentSeq != seq {
		return common.LogEntry{}, fmt.Sprintf("segment_seq %d in segment %d", rec.SegmentSeq, seq)
	}
	if rec.EntrySeq != prevEntry+1 {
		return common.LogEntry{}, fmt.Sprintf("entry_seq %d after %d", rec.EntrySeq, prevEntry)
	}
	e := common.LogEntry{
		SegmentSeq: rec.SegmentSeq,
		EntrySeq:   rec.EntrySeq,
		Op:         rec.Op,
		Key:        rec.Key,
	}
	if rec.Op == common.OpPut {
		e.Value = rec.Value
		if e.Value == nil {
			e.Value = []byte{}
		}
	}
	return e, ""
}

type segmentScan struct {
	entries []common.LogEntry
	// validEnd is the offset just past the last good record.
	validEnd int64
	// bad is the first malformed record, nil when the whole file decoded.
	bad *CorruptError
	// validAfterBad is set when a well-formed record follows bad, which rules
	// out a torn write.
	validAfterBad bool
}

func scanSegment(path string, seq uint64) (*segmentScan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scan := &segmentScan{}
	r := bufio.NewReaderSize(f, 64*1024)
	var (
		offset int64
		prev   uint64
	)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if scan.bad == nil {
				e, reason := decodeLine(line, seq, prev)
				if reason != "" {
					scan.bad = &CorruptError{Path: path, Offset: offset, Reason: reason}
				} else {
					scan.entries = append(scan.entries, e)
					prev = e.EntrySeq
					scan.validEnd = offset + int64(len(line))
				}
			} else if looksLikeRecord(line, seq) {
				scan.validAfterBad = true
			}
			offset += int64(len(line))
		}
		if err == io.EOF {
			return scan, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read segment %s", path)
		}
	}
}

// looksLikeRecord reports whether line is a complete record of segment seq,
// ignoring entry numbering.
func looksLikeRecord(line []byte, seq uint64) bool {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		return false
	}
	var rec logRecord
	if err := json.Unmarshal(bytes.TrimRight(line, "\n"), &rec); err != nil {
		return false
	}
	return rec.Op.Valid() && rec.SegmentSeq == seq && rec.EntrySeq > 0
}

// ReadSegment decodes every entry of segment seq stored at path. A missing
// file reads as empty. When tolerateTornTail is set, a malformed record that
// is not followed by any well-formed one ends the segment and is returned as
// torn instead of as an error; everywhere else a malformed record is a
// *CorruptError.
func ReadSegment(path string, seq uint64, tolerateTornTail bool) (entries []common.LogEntry, torn *CorruptError, err error) {
	scan, err := scanSegment(path, seq)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, nil, nil
		}
		return nil, nil, errors.Wrapf(err, "open segment %s", path)
	}
	if scan.bad == nil {
		return scan.entries, nil, nil
	}
	if tolerateTornTail && !scan.validAfterBad {
		return scan.entries, scan.bad, nil
	}
	return scan.entries, nil, scan.bad
}

// repairSegment truncates a torn tail off the segment at path. It returns the
// torn record that was cut, or nil if the segment was intact.
func repairSegment(path string, seq uint64) (*CorruptError, error) {
	scan, err := scanSegment(path, seq)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "open segment %s", path)
	}
	if scan.bad == nil {
		return nil, nil
	}
	if scan.validAfterBad {
		return nil, scan.bad
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %s for repair", path)
	}
	defer f.Close()
	if err := f.Truncate(scan.validEnd); err != nil {
		return nil, errors.Wrapf(err, "truncate segment %s", path)
	}
	if err := syncData(f); err != nil {
		return nil, errors.Wrapf(err, "sync segment %s", path)
	}
	return scan.bad, nil
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, SegmentFileName(seq))
}
