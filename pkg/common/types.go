package common

import "fmt"

// Op is the kind of mutation recorded in the log.
type Op string

const (
	OpPut Op = "PUT"
	OpDel Op = "DEL"
)

// Valid reports whether op is one of the known operations.
func (op Op) Valid() bool {
	return op == OpPut || op == OpDel
}

// CommitToken identifies the exact position of a write in the durable order.
// EntrySeq restarts at 1 in every segment, so tokens must be compared as a pair.
type CommitToken struct {
	SegmentSeq uint64
	EntrySeq   uint64
}

// Compare returns -1, 0 or +1 ordering t against o by (SegmentSeq, EntrySeq).
func (t CommitToken) Compare(o CommitToken) int {
	switch {
	case t.SegmentSeq < o.SegmentSeq:
		return -1
	case t.SegmentSeq > o.SegmentSeq:
		return 1
	case t.EntrySeq < o.EntrySeq:
		return -1
	case t.EntrySeq > o.EntrySeq:
		return 1
	}
	return 0
}

func (t CommitToken) Less(o CommitToken) bool {
	return t.Compare(o) < 0
}

func (t CommitToken) IsZero() bool {
	return t.SegmentSeq == 0 && t.EntrySeq == 0
}

func (t CommitToken) String() string {
	return fmt.Sprintf("%d:%d", t.SegmentSeq, t.EntrySeq)
}

// LogEntry is one record of a log segment. Value is nil for OpDel.
type LogEntry struct {
	SegmentSeq uint64
	EntrySeq   uint64
	Op         Op
	Key        string
	Value      []byte
}

// Token returns the entry's position in the global order.
func (e LogEntry) Token() CommitToken {
	return CommitToken{SegmentSeq: e.SegmentSeq, EntrySeq: e.EntrySeq}
}

// Record is a plain key/value pair used by snapshots and backends.
type Record struct {
	Key   string
	Value []byte
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{Key: %q, ValLen: %d}", r.Key, len(r.Value))
}
