package storage

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"durakv/pkg/common"
)

// SyncMode selects how appends reach stable storage. Every mode fsyncs a
// record before its Append returns; they differ in how fsyncs are shared.
type SyncMode string

const (
	// SyncBatch lets concurrent appenders share one fsync (group commit).
	SyncBatch SyncMode = "batch"
	// SyncAlways fsyncs every record while holding the append lock.
	SyncAlways SyncMode = "always"
)

// ParseSyncMode converts a configuration value to a SyncMode. The empty
// string selects SyncBatch.
func ParseSyncMode(s string) (SyncMode, error) {
	switch m := SyncMode(s); m {
	case SyncBatch, SyncAlways:
		return m, nil
	case "":
		return SyncBatch, nil
	}
	return "", errors.Errorf("storage: unknown sync mode %q", s)
}

// LogOptions configures a LogManager. Zero fields take their defaults.
type LogOptions struct {
	SyncMode SyncMode
	DirPerm  os.FileMode
	FilePerm os.FileMode
	Logger   *zap.Logger
}

// DefaultLogOptions returns group commit with 0755 directories and 0644 files.
func DefaultLogOptions() LogOptions {
	return LogOptions{
		SyncMode: SyncBatch,
		DirPerm:  0755,
		FilePerm: 0644,
	}
}

// LogManager owns the active log segment of a data directory. It assigns
// commit tokens, makes each record durable before acknowledging it and
// rotates into new segments.
//
// Lock order is metaMu before appendMu. Appenders hold only appendMu while
// writing and only metaMu while waiting for an fsync.
type LogManager struct {
	dir    string
	opts   LogOptions
	logger *zap.Logger

	// metaMu serializes rotation, close and fsync and guards synced.
	metaMu sync.Mutex
	// appendMu fixes the order of records on disk. It guards the fields below.
	appendMu  sync.Mutex
	active    *os.File
	activeSeq uint64
	entrySeq  uint64
	written   uint64
	closed    bool

	synced uint64
	failed atomic.Pointer[error]

	fsyncs        atomic.Uint64
	appendedBytes atomic.Uint64
}

// OpenLogManager scans dir for existing segments and opens a new one after the
// newest for appending. A torn tail left in the newest segment by a crash is
// truncated first, so every segment it leaves behind decodes completely.
// Existing segments are not replayed.
func OpenLogManager(dir string, opts LogOptions) (*LogManager, error) {
	defaults := DefaultLogOptions()
	if opts.SyncMode == "" {
		opts.SyncMode = defaults.SyncMode
	}
	if opts.DirPerm == 0 {
		opts.DirPerm = defaults.DirPerm
	}
	if opts.FilePerm == 0 {
		opts.FilePerm = defaults.FilePerm
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dir, opts.DirPerm); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}
	seqs, err := ListSegmentSequences(dir)
	if err != nil {
		return nil, err
	}

	next := uint64(1)
	if len(seqs) > 0 {
		last := seqs[len(seqs)-1]
		torn, err := repairSegment(segmentPath(dir, last), last)
		if err != nil {
			return nil, errors.Wrapf(err, "repair segment %d", last)
		}
		if torn != nil {
			logger.Warn("truncated torn tail of previous segment",
				zap.Uint64("segment", last),
				zap.Int64("offset", torn.Offset),
				zap.String("reason", torn.Reason))
		}
		next = last + 1
	}

	lm := &LogManager{
		dir:    dir,
		opts:   opts,
		logger: logger,
	}
	f, err := lm.createSegment(next)
	if err != nil {
		return nil, err
	}
	lm.active = f
	lm.activeSeq = next
	logger.Info("log segment opened", zap.String("dir", dir), zap.Uint64("segment", next), zap.Int("existing", len(seqs)))
	return lm, nil
}

func (lm *LogManager) createSegment(seq uint64) (*os.File, error) {
	path := segmentPath(lm.dir, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, lm.opts.FilePerm)
	if err != nil {
		return nil, errors.Wrapf(err, "create segment %s", path)
	}
	if err := syncDir(lm.dir); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "sync dir %s", lm.dir)
	}
	return f, nil
}

func (lm *LogManager) failure() error {
	if p := lm.failed.Load(); p != nil {
		return *p
	}
	return nil
}

func (lm *LogManager) fail(err error) error {
	wrapped := errors.Wrapf(ErrLogFailed, "%v", err)
	lm.failed.CompareAndSwap(nil, &wrapped)
	lm.logger.Error("log failed, refusing further appends", zap.Error(err))
	return lm.failure()
}

// Append writes one entry to the active segment and returns once it is durable.
func (lm *LogManager) Append(op common.Op, key string, value []byte) (common.CommitToken, error) {
	return lm.AppendFunc(op, key, value, nil)
}

// AppendFunc is Append with a hook. sequenced runs under the append lock as
// soon as the entry has its token, so calls to sequenced happen in exactly the
// order of the records on disk. It runs only if the entry is going to be
// written; if the write or fsync then fails, AppendFunc returns an error after
// sequenced has run.
func (lm *LogManager) AppendFunc(op common.Op, key string, value []byte, sequenced func(common.CommitToken)) (common.CommitToken, error) {
	if !op.Valid() {
		return common.CommitToken{}, errors.Errorf("storage: invalid op %q", op)
	}

	lm.appendMu.Lock()
	if lm.closed {
		lm.appendMu.Unlock()
		return common.CommitToken{}, ErrClosed
	}
	if err := lm.failure(); err != nil {
		lm.appendMu.Unlock()
		return common.CommitToken{}, err
	}

	entry := common.LogEntry{
		SegmentSeq: lm.activeSeq,
		EntrySeq:   lm.entrySeq + 1,
		Op:         op,
		Key:        key,
		Value:      value,
	}
	line, err := encodeEntry(entry)
	if err != nil {
		lm.appendMu.Unlock()
		return common.CommitToken{}, err
	}
	lm.entrySeq++
	token := entry.Token()
	if sequenced != nil {
		sequenced(token)
	}

	if _, err := lm.active.Write(line); err != nil {
		err = lm.fail(err)
		lm.appendMu.Unlock()
		return common.CommitToken{}, err
	}
	lm.written++
	ticket := lm.written
	lm.appendedBytes.Add(uint64(len(line)))

	if lm.opts.SyncMode == SyncAlways {
		err := syncData(lm.active)
		lm.fsyncs.Add(1)
		if err != nil {
			err = lm.fail(err)
		}
		lm.appendMu.Unlock()
		if err != nil {
			return common.CommitToken{}, err
		}
		return token, nil
	}
	lm.appendMu.Unlock()

	if err := lm.waitDurable(ticket); err != nil {
		return common.CommitToken{}, err
	}
	return token, nil
}

// waitDurable returns once record number ticket is covered by an fsync.
// Whoever gets metaMu first fsyncs everything written so far, so goroutines
// queued behind it usually find their record already synced.
func (lm *LogManager) waitDurable(ticket uint64) error {
	lm.metaMu.Lock()
	defer lm.metaMu.Unlock()

	if lm.synced >= ticket {
		return nil
	}
	if err := lm.failure(); err != nil {
		return err
	}

	lm.appendMu.Lock()
	target := lm.written
	f := lm.active
	lm.appendMu.Unlock()

	err := syncData(f)
	lm.fsyncs.Add(1)
	if err != nil {
		return lm.fail(err)
	}
	lm.synced = target
	return nil
}

// Rotate seals the active segment and continues in segment newSeq, or in the
// next sequence when newSeq is 0. The entry counter restarts from zero.
func (lm *LogManager) Rotate(newSeq uint64) (uint64, error) {
	lm.metaMu.Lock()
	defer lm.metaMu.Unlock()
	lm.appendMu.Lock()
	defer lm.appendMu.Unlock()

	if lm.closed {
		return 0, ErrClosed
	}
	if err := lm.failure(); err != nil {
		return 0, err
	}
	if newSeq == 0 {
		newSeq = lm.activeSeq + 1
	} else if newSeq <= lm.activeSeq {
		return 0, errors.Wrapf(ErrInvalidSequence, "rotate to %d from %d", newSeq, lm.activeSeq)
	}

	start := time.Now()
	if err := syncData(lm.active); err != nil {
		return 0, lm.fail(err)
	}
	lm.fsyncs.Add(1)
	lm.synced = lm.written
	if err := lm.active.Close(); err != nil {
		return 0, lm.fail(err)
	}

	f, err := lm.createSegment(newSeq)
	if err != nil {
		return 0, lm.fail(err)
	}
	old := lm.activeSeq
	lm.active = f
	lm.activeSeq = newSeq
	lm.entrySeq = 0
	lm.logger.Info("log rotated",
		zap.Uint64("from", old),
		zap.Uint64("to", newSeq),
		zap.Duration("took", time.Since(start)))
	return newSeq, nil
}

// ActiveSequence is the sequence of the segment currently receiving appends.
func (lm *LogManager) ActiveSequence() uint64 {
	lm.appendMu.Lock()
	defer lm.appendMu.Unlock()
	return lm.activeSeq
}

func (lm *LogManager) Dir() string {
	return lm.dir
}

func (lm *LogManager) SegmentPath(seq uint64) string {
	return segmentPath(lm.dir, seq)
}

// ListSegmentSequences returns every segment sequence present in the directory.
func (lm *LogManager) ListSegmentSequences() ([]uint64, error) {
	return ListSegmentSequences(lm.dir)
}

// Fsyncs is the number of fsync calls issued on segments so far.
func (lm *LogManager) Fsyncs() uint64 {
	return lm.fsyncs.Load()
}

// AppendedBytes is the number of record bytes written since open.
func (lm *LogManager) AppendedBytes() uint64 {
	return lm.appendedBytes.Load()
}

// Close fsyncs and closes the active segment. It is safe to call twice.
func (lm *LogManager) Close() error {
	lm.metaMu.Lock()
	defer lm.metaMu.Unlock()
	lm.appendMu.Lock()
	defer lm.appendMu.Unlock()

	if lm.closed {
		return nil
	}
	lm.closed = true

	var firstErr error
	if lm.failure() == nil {
		if err := syncData(lm.active); err != nil {
			firstErr = lm.fail(err)
		} else {
			lm.fsyncs.Add(1)
			lm.synced = lm.written
		}
	}
	if err := lm.active.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrapf(err, "close segment %d", lm.activeSeq)
	}
	lm.logger.Info("log closed", zap.Uint64("segment", lm.activeSeq))
	return firstErr
}
