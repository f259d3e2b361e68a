package core

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"durakv/pkg/common"
	"durakv/pkg/storage"
)

// Export replaces the contents of b with a consistent copy of the store. All
// shards are read-locked, in ascending order, while the copy is taken.
func (s *Store) Export(b storage.Backend) (int, error) {
	for _, sh := range s.shards {
		sh.lock.AcquireRead()
	}
	var records []common.Record
	for _, sh := range s.shards {
		sh.mem.Iterator(func(key string, val []byte) bool {
			records = append(records, common.Record{Key: key, Value: val})
			return true
		})
	}
	for i := len(s.shards) - 1; i >= 0; i-- {
		s.shards[i].lock.ReleaseRead()
	}

	if err := b.ReplaceAll(records); err != nil {
		return 0, errors.Wrap(err, "export")
	}
	s.logger.Info("store exported", zap.Int("records", len(records)))
	return len(records), nil
}

// Import loads every record of b through the normal write path.
func (s *Store) Import(b storage.Backend) (int, error) {
	records, err := b.LoadAll()
	if err != nil {
		return 0, errors.Wrap(err, "import")
	}
	for i, rec := range records {
		if _, err := s.Put(rec.Key, rec.Value); err != nil {
			return i, err
		}
	}
	s.logger.Info("store imported", zap.Int("records", len(records)))
	return len(records), nil
}
