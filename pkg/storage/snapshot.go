package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	snapshotTempPrefix = ".snapshot-"
	snapshotTempSuffix = ".tmp"
)

// Snapshot is a full key/value image tagged with the log segment that was
// active when it was taken.
type Snapshot struct {
	Seq       uint64
	CreatedAt time.Time
	Data      map[string][]byte
	Path      string
}

type snapshotMeta struct {
	SnapshotSeq uint64 `json:"snapshot_seq"`
	CreatedAt   int64  `json:"created_at"`
}

type snapshotDoc struct {
	Meta snapshotMeta      `json:"meta"`
	Data map[string][]byte `json:"data"`
}

// SnapshotFileName returns the canonical file name of snapshot seq.
func SnapshotFileName(seq uint64) string {
	return snapshotPrefix + strconv.FormatUint(seq, 10)
}

// ParseSnapshotFileName extracts the sequence from a snapshot file name.
// Temporary snapshot files do not parse.
func ParseSnapshotFileName(name string) (uint64, bool) {
	return parseSeqName(name, snapshotPrefix)
}

// ListSnapshotSequences returns the sequences of the snapshot files in dir, ascending.
func ListSnapshotSequences(dir string) ([]uint64, error) {
	return listSequences(dir, snapshotPrefix)
}

// WriteSnapshot stores data as snapshot seq in dir. The document is written to
// a temporary file, fsynced and renamed into place, and the directory is
// fsynced, so a reader of the final name never sees a partial snapshot.
func WriteSnapshot(dir string, seq uint64, createdAt time.Time, data map[string][]byte, perm os.FileMode) (string, error) {
	if perm == 0 {
		perm = 0644
	}
	tmpPath := filepath.Join(dir, snapshotTempPrefix+uuid.NewString()+snapshotTempSuffix)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return "", errors.Wrapf(err, "create snapshot temp file %s", tmpPath)
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	doc := snapshotDoc{
		Meta: snapshotMeta{SnapshotSeq: seq, CreatedAt: createdAt.Unix()},
		Data: data,
	}
	if doc.Data == nil {
		doc.Data = map[string][]byte{}
	}
	w := bufio.NewWriterSize(f, 256*1024)
	if err := json.NewEncoder(w).Encode(&doc); err != nil {
		return "", errors.Wrap(err, "encode snapshot")
	}
	if err := w.Flush(); err != nil {
		return "", errors.Wrapf(err, "write snapshot %s", tmpPath)
	}
	if err := f.Sync(); err != nil {
		return "", errors.Wrapf(err, "sync snapshot %s", tmpPath)
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(err, "close snapshot %s", tmpPath)
	}

	finalPath := filepath.Join(dir, SnapshotFileName(seq))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", errors.Wrapf(err, "rename snapshot to %s", finalPath)
	}
	committed = true
	if err := syncDir(dir); err != nil {
		return "", errors.Wrapf(err, "sync dir %s", dir)
	}
	return finalPath, nil
}

// ReadSnapshot loads the snapshot stored at path and checks that its metadata
// matches the sequence in its file name.
func ReadSnapshot(path string) (*Snapshot, error) {
	seq, ok := ParseSnapshotFileName(filepath.Base(path))
	if !ok {
		return nil, errors.Errorf("storage: %s is not a snapshot file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open snapshot %s", path)
	}
	defer f.Close()

	var doc snapshotDoc
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&doc); err != nil {
		return nil, &CorruptError{Path: path, Reason: "malformed snapshot: " + err.Error()}
	}
	if doc.Meta.SnapshotSeq != seq {
		return nil, &CorruptError{Path: path, Reason: "snapshot_seq does not match file name"}
	}
	if doc.Data == nil {
		doc.Data = map[string][]byte{}
	}
	return &Snapshot{
		Seq:       seq,
		CreatedAt: time.Unix(doc.Meta.CreatedAt, 0),
		Data:      doc.Data,
		Path:      path,
	}, nil
}

// LatestSnapshot loads the snapshot with the largest sequence in dir. It
// returns nil and no error when there is none.
func LatestSnapshot(dir string) (*Snapshot, error) {
	seqs, err := ListSnapshotSequences(dir)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, nil
	}
	return ReadSnapshot(filepath.Join(dir, SnapshotFileName(seqs[len(seqs)-1])))
}

// RemoveSnapshotTemps deletes temporary files left behind by a snapshot that
// crashed before its rename, returning the names removed.
func RemoveSnapshotTemps(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasPrefix(name, snapshotTempPrefix) || !strings.HasSuffix(name, snapshotTempSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrapf(err, "remove %s", name)
		}
		removed = append(removed, name)
	}
	return removed, nil
}
