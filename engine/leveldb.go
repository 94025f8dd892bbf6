package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pro0o/kvs/bitcask"
	"github.com/pro0o/kvs/types"
	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is the alternate engine, a thin wrapper over goleveldb kept in its
// own subdirectory of the data directory.
type LevelDB struct {
	// makes Remove's existence check and delete one step
	mu   sync.Mutex
	db   *leveldb.DB
	lock *flock.Flock
}

func OpenLevelDB(dir string) (*LevelDB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	// same directory lock as the kvs engine, so the marker check below
	// cannot race a concurrent kvs open
	lock, err := bitcask.LockDir(dir)
	if err != nil {
		return nil, err
	}

	db, err := openLevelDB(dir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return &LevelDB{db: db, lock: lock}, nil
}

func openLevelDB(dir string) (*leveldb.DB, error) {
	_, err := os.Stat(filepath.Join(dir, types.LogFileName))
	if err == nil {
		return nil, fmt.Errorf("%s holds a %s log: %w", dir, types.LogFileName, types.ErrWrongEngine)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("check engine marker: %w", err)
	}

	path := filepath.Join(dir, types.LevelDBDirName)
	db, err := leveldb.OpenFile(path, &opt.Options{
		Compression: opt.SnappyCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}

	log.Info().Str("dir", path).Msg("LevelDB opened")
	return db, nil
}

func (l *LevelDB) Set(key, value string) error {
	if err := l.db.Put([]byte(key), []byte(value), nil); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (l *LevelDB) Get(key string) (string, bool, error) {
	val, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return string(val), true, nil
}

func (l *LevelDB) Remove(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, err := l.db.Has([]byte(key), nil)
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("remove %q: %w", key, types.ErrKeyNotFound)
	}
	if err := l.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Compact compacts the whole keyspace.
func (l *LevelDB) Compact() error {
	if err := l.db.CompactRange(util.Range{}); err != nil {
		return fmt.Errorf("compact leveldb: %w", err)
	}
	return nil
}

func (l *LevelDB) Close() error {
	err := l.db.Close()
	if errors.Is(err, leveldb.ErrClosed) {
		return nil
	}
	if uerr := l.lock.Unlock(); uerr != nil && err == nil {
		err = fmt.Errorf("unlock data directory: %w", uerr)
	}
	return err
}
