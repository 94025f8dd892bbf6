package bitcask

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/pro0o/kvs/types"
	"github.com/rs/zerolog/log"
)

// Options tune a Store. A nil *Options means defaults.
type Options struct {
	// CompactionThreshold is the number of stale log bytes that triggers a
	// compaction after a write.
	// Default: 1MiB.
	CompactionThreshold uint64

	// CompressThreshold is the value size from which values are snappy
	// compressed. A negative value disables compression.
	// Default: 4KiB.
	CompressThreshold int

	// ReaderPoolSize caps the number of idle read handles kept open.
	// Default: 8.
	ReaderPoolSize int

	// DisableHints makes Open always replay the whole log.
	DisableHints bool
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.CompactionThreshold == 0 {
		oo.CompactionThreshold = 1 << 20
	}
	if oo.CompressThreshold == 0 {
		oo.CompressThreshold = 4 << 10
	}
	if oo.ReaderPoolSize < 1 {
		oo.ReaderPoolSize = 8
	}
	return &oo
}

// Store is the log-structured engine: one append-only log, an in-memory index
// of the latest record per key, and threshold-driven compaction.
//
// A *Store is safe for concurrent use. Writes and compaction are serialised by
// writeMu; reads only wait for the brief moment compaction swaps files.
type Store struct {
	dir      string
	logPath  string
	hintPath string
	opts     *Options
	lock     *flock.Flock

	writeMu sync.Mutex
	swapMu  sync.RWMutex
	log     *appendLog
	index   *Index
	pool    *readerPool

	logSize     atomic.Uint64
	stale       atomic.Uint64
	compactions atomic.Uint64
	reads       atomic.Uint64
	writes      atomic.Uint64
	closed      atomic.Bool
}

// Open opens or creates the store in dir and rebuilds its index from the log.
func Open(dir string, opts *Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	lock, err := LockDir(dir)
	if err != nil {
		return nil, err
	}
	// checked under the lock so a concurrent leveldb open cannot slip in
	if err := checkEngine(dir); err != nil {
		lock.Unlock()
		return nil, err
	}

	s, err := open(dir, opts.norm(), lock)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return s, nil
}

// LockDir takes the exclusive lock on a data directory. Every engine holds it
// for as long as it has the directory open.
func LockDir(dir string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(dir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", dir, types.ErrLocked)
	}
	return lock, nil
}

func open(dir string, opts *Options, lock *flock.Flock) (*Store, error) {
	s := &Store{
		dir:      dir,
		logPath:  filepath.Join(dir, types.LogFileName),
		hintPath: filepath.Join(dir, HintFileName),
		opts:     opts,
		lock:     lock,
	}

	cleanupOldFiles(dir)

	index, res, err := buildIndex(s.logPath, s.hintPath, !opts.DisableHints)
	if err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	if res.torn {
		log.Warn().Uint64("offset", res.end).Str("file", s.logPath).Msg("Truncating torn record at end of log")
		if err := os.Truncate(s.logPath, int64(res.end)); err != nil {
			return nil, fmt.Errorf("truncate torn log tail: %w", err)
		}
		// a hint not loaded this time may cover bytes that are now gone
		if res.hinted == 0 {
			if err := dropHint(s.hintPath); err != nil {
				return nil, err
			}
		}
	}

	appender, err := openAppendLog(s.logPath, opts.CompressThreshold)
	if err != nil {
		return nil, err
	}

	s.log = appender
	s.index = index
	s.pool = newReaderPool(s.logPath, opts.ReaderPoolSize)
	s.logSize.Store(appender.Size())
	s.stale.Store(res.stale)

	log.Info().
		Str("dir", dir).
		Int("keys", index.Live()).
		Int("replayed", res.records).
		Uint64("bytes", appender.Size()).
		Uint64("stale", res.stale).
		Msg("Store opened")
	return s, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w (%d bytes)", types.ErrKeyTooLarge, MaxKeySize)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w (%d bytes)", types.ErrValueTooLarge, MaxValueSize)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return types.ErrClosed
	}

	if err := s.write(types.NewValue(key, value)); err != nil {
		return err
	}
	s.maybeCompact()
	return nil
}

// Get returns the live value of key. A missing or removed key is reported
// with found == false and a nil error.
func (s *Store) Get(key string) (string, bool, error) {
	s.swapMu.RLock()
	defer s.swapMu.RUnlock()
	if s.closed.Load() {
		return "", false, types.ErrClosed
	}
	s.reads.Add(1)

	entry, ok := s.index.Get(key)
	if !ok || entry.Tombstone {
		return "", false, nil
	}

	rec, err := s.pool.read(entry.Offset, entry.Length)
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w: %w", key, types.ErrIndexedRead, err)
	}
	if string(rec.Key) != key || rec.IsTombstone() {
		return "", false, fmt.Errorf("get %q: offset %d holds another record: %w", key, entry.Offset, types.ErrIndexedRead)
	}
	return string(rec.Value), true, nil
}

// Remove deletes key. Removing a key without a live value fails with
// types.ErrKeyNotFound.
func (s *Store) Remove(key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return types.ErrClosed
	}

	entry, ok := s.index.Get(key)
	if !ok || entry.Tombstone {
		return fmt.Errorf("remove %q: %w", key, types.ErrKeyNotFound)
	}

	if err := s.write(types.NewTombstone(key)); err != nil {
		return err
	}
	s.maybeCompact()
	return nil
}

// write appends rec and points the index at it. Caller holds writeMu.
func (s *Store) write(rec types.Record) error {
	offset, length, err := s.log.Append(rec)
	if err != nil {
		return fmt.Errorf("append %q: %w", rec.Key, err)
	}

	entry := types.IndexEntry{
		Tombstone: rec.IsTombstone(),
		Offset:    offset,
		Length:    length,
	}
	prev, existed := s.index.Put(string(rec.Key), entry)
	s.stale.Add(staleBytes(prev, existed, entry))
	s.logSize.Store(s.log.Size())
	s.writes.Add(1)
	return nil
}

// maybeCompact runs a compaction once enough of the log is stale. The write
// that triggered it has already succeeded, so failures are only logged.
func (s *Store) maybeCompact() {
	if s.stale.Load() <= s.opts.CompactionThreshold {
		return
	}
	if err := s.compact(); err != nil {
		log.Error().Err(err).Str("dir", s.dir).Msg("Compaction failed, keeping current log")
	}
}

// Compact rewrites the log so it holds exactly one record per live key.
func (s *Store) Compact() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return types.ErrClosed
	}
	return s.compact()
}

// compact runs with writeMu held for its whole duration so no write can slip
// between the index snapshot and the swap.
func (s *Store) compact() error {
	stale := s.stale.Load()
	if stale == 0 {
		log.Debug().Str("dir", s.dir).Msg("Log already compact, nothing to do")
		return nil
	}

	before := s.log.Size()
	log.Info().Uint64("bytes", before).Uint64("stale", stale).Msg("Compaction started!!")

	if err := dropHint(s.hintPath); err != nil {
		return err
	}

	m, err := merge(s.index.Snapshot(), s.pool, s.logPath+compactSuffix, s.opts.CompressThreshold)
	if err != nil {
		return fmt.Errorf("merge live records: %w", err)
	}
	if err := s.rotate(m); err != nil {
		return err
	}
	s.logSize.Store(m.size)
	s.compactions.Add(1)

	if !s.opts.DisableHints {
		if err := writeHint(s.hintPath, m.size, m.sum, m.index); err != nil {
			log.Warn().Err(err).Str("file", s.hintPath).Msg("Failed to write hint file")
		}
	}

	log.Info().
		Uint64("before", before).
		Uint64("after", m.size).
		Int("keys", m.index.Len()).
		Msg("Compaction complete!!")
	return nil
}

// Keys returns the live keys in sorted order.
func (s *Store) Keys() []string {
	s.swapMu.RLock()
	defer s.swapMu.RUnlock()

	keys := make([]string, 0)
	s.index.Range(func(key string, entry types.IndexEntry) bool {
		if !entry.Tombstone {
			keys = append(keys, key)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func (s *Store) Stats() types.Stats {
	s.swapMu.RLock()
	live, total := s.index.Live(), s.index.Len()
	s.swapMu.RUnlock()

	return types.Stats{
		Engine:      types.EngineKVS,
		LiveKeys:    live,
		Tombstones:  total - live,
		LogSize:     s.logSize.Load(),
		StaleBytes:  s.stale.Load(),
		Compactions: s.compactions.Load(),
		TotalReads:  s.reads.Load(),
		TotalWrites: s.writes.Load(),
	}
}

// Close flushes the log, closes every handle and releases the directory lock.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}

	// wait out in-flight reads
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.pool.reset()
	if err := s.log.Sync(); err != nil {
		log.Warn().Err(err).Str("file", s.logPath).Msg("Failed to sync log on close")
	}
	err := s.log.Close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = fmt.Errorf("unlock data directory: %w", uerr)
	}
	log.Info().Str("dir", s.dir).Msg("Store closed")
	return err
}
