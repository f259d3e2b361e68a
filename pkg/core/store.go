package core

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"durakv/pkg/common"
	"durakv/pkg/config"
	"durakv/pkg/core/memory"
	"durakv/pkg/lock"
	"durakv/pkg/monitor"
	"durakv/pkg/storage"
)

// ErrNotReady is returned by writes while the store is recovering or after a
// failed recovery.
var ErrNotReady = errors.New("core: store not ready")

type State int32

const (
	StateInitializing State = iota
	StateReady
	StateClosed
	// StateFailed follows a Recover error. The shards are empty and only
	// another Recover or Close is accepted.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

type Option func(*options)

// WithLogger sets the logger for lifecycle events. The default discards them.
func WithLogger(lg *zap.Logger) Option {
	return func(o *options) {
		o.logger = lg
	}
}

// WithRegisterer registers the store's metrics with reg. Registration is
// skipped when metrics are disabled in the configuration.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// segmentLog is the part of storage.LogManager the store depends on.
type segmentLog interface {
	AppendFunc(op common.Op, key string, value []byte, sequenced func(common.CommitToken)) (common.CommitToken, error)
	Rotate(newSeq uint64) (uint64, error)
	ActiveSequence() uint64
	SegmentPath(seq uint64) string
	ListSegmentSequences() ([]uint64, error)
	Fsyncs() uint64
	AppendedBytes() uint64
	Close() error
}

// Store is a durable key/value store over one data directory. Every mutation
// is appended to the log and fsynced before it becomes visible.
type Store struct {
	cfg    *config.Config
	dir    string
	shards []*Shard
	log    segmentLog
	logger *zap.Logger

	// writeGate is read-held by every write from append to apply and
	// write-held by Snapshot and Recover, so those never see a record that is
	// in the log but not yet in its shard.
	writeGate *lock.RWLock

	stats      *monitor.WorkloadStats
	registerer prometheus.Registerer

	state        atomic.Int32
	lastSnapshot atomic.Uint64
}

// NewStore opens the log in cfg.Storage.Path and returns an empty store. It
// does not replay existing data; use Open or call Recover for that.
func NewStore(cfg *config.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	lm, err := storage.OpenLogManager(cfg.Storage.Path, storage.LogOptions{
		SyncMode: cfg.SyncMode(),
		Logger:   o.logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open log")
	}

	s := &Store{
		cfg:       cfg,
		dir:       cfg.Storage.Path,
		shards:    make([]*Shard, cfg.Storage.ShardCount),
		log:       lm,
		logger:    o.logger,
		writeGate: lock.New(),
		stats:     monitor.NewWorkloadStats(cfg.Metrics.Namespace),
	}
	for i := range s.shards {
		s.shards[i] = NewShard(i, cfg.Storage.MemTableDegree)
	}

	if o.registerer != nil && cfg.Metrics.Enabled {
		if err := o.registerer.Register(s.stats); err != nil {
			lm.Close()
			return nil, errors.Wrap(err, "register metrics")
		}
		s.registerer = o.registerer
	}

	s.state.Store(int32(StateReady))
	return s, nil
}

// Open is NewStore followed by Recover.
func Open(cfg *config.Config, opts ...Option) (*Store, error) {
	s, err := NewStore(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := s.Recover(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) State() State {
	return State(s.state.Load())
}

func (s *Store) closed() bool {
	return s.State() == StateClosed
}

func (s *Store) shardFor(key string) *Shard {
	return s.shards[ShardIndex(key, len(s.shards))]
}

// Get returns a copy of the value stored under key. It keeps serving the
// in-memory state after Close.
func (s *Store) Get(key string) ([]byte, bool) {
	val, ok := s.shardFor(key).Get(key)
	s.stats.RecordRead(ok)
	return val, ok
}

// Put durably records key=value and then makes it visible.
func (s *Store) Put(key string, value []byte) (common.CommitToken, error) {
	v := make([]byte, len(value))
	copy(v, value)

	start := time.Now()
	token, err := s.write(common.OpPut, key, v)
	if err != nil {
		return token, err
	}
	s.stats.RecordPut(time.Since(start))
	return token, nil
}

// Delete durably records the removal of key. Deleting an absent key still
// appends a record.
func (s *Store) Delete(key string) (common.CommitToken, error) {
	start := time.Now()
	token, err := s.write(common.OpDel, key, nil)
	if err != nil {
		return token, err
	}
	s.stats.RecordDelete(time.Since(start))
	return token, nil
}

func (s *Store) write(op common.Op, key string, value []byte) (common.CommitToken, error) {
	s.writeGate.AcquireRead()
	defer s.writeGate.ReleaseRead()

	switch s.State() {
	case StateClosed:
		return common.CommitToken{}, storage.ErrClosed
	case StateReady:
	default:
		return common.CommitToken{}, ErrNotReady
	}
	shard := s.shardFor(key)

	var ticket uint64
	token, err := s.log.AppendFunc(op, key, value, func(common.CommitToken) {
		ticket = shard.reserve()
	})
	if err != nil {
		if ticket != 0 {
			shard.apply(ticket, nil)
		}
		return common.CommitToken{}, errors.Wrapf(err, "append %s %q", op, key)
	}

	shard.apply(ticket, func(mt *memory.MemTable) {
		if op == common.OpPut {
			mt.Put(key, value)
		} else {
			mt.Delete(key)
		}
	})
	s.stats.SetAppendedBytes(s.log.AppendedBytes())
	return token, nil
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		n += sh.Len()
	}
	return n
}

// Keys returns every live key in ascending order.
func (s *Store) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		keys = append(keys, sh.Keys()...)
	}
	slices.Sort(keys)
	return keys
}

// Scan returns the entries with start <= key < end in key order. An empty end
// means no upper bound. Shards are read one at a time.
func (s *Store) Scan(start, end string) []common.Record {
	var out []common.Record
	for _, sh := range s.shards {
		for _, item := range sh.Scan(start, end) {
			out = append(out, common.Record{Key: item.Key, Value: item.Val})
		}
	}
	slices.SortFunc(out, func(a, b common.Record) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

type Stats struct {
	Keys           int
	MemoryBytes    int
	Shards         int
	State          string
	ActiveSegment  uint64
	LastSnapshot   uint64
	Fsyncs         uint64
	ReadWriteRatio float64
	Workload       monitor.Snapshot
}

func (s *Store) Stats() Stats {
	mem := 0
	for _, sh := range s.shards {
		mem += sh.Bytes()
	}
	return Stats{
		Keys:           s.Len(),
		MemoryBytes:    mem,
		Shards:         len(s.shards),
		State:          s.State().String(),
		ActiveSegment:  s.log.ActiveSequence(),
		LastSnapshot:   s.lastSnapshot.Load(),
		Fsyncs:         s.log.Fsyncs(),
		ReadWriteRatio: s.stats.GetReadWriteRatio(),
		Workload:       s.stats.Load(),
	}
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Close fsyncs and closes the log. It does not take a snapshot. Close is
// idempotent.
func (s *Store) Close() error {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}
	if s.registerer != nil {
		s.registerer.Unregister(s.stats)
	}
	if err := s.log.Close(); err != nil {
		return errors.Wrap(err, "close log")
	}
	s.logger.Info("store closed", zap.String("dir", s.dir))
	return nil
}
