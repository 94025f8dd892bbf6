package bitcask

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pro0o/kvs/types"
	"github.com/rs/zerolog/log"
)

const (
	HintFileName = "kvs.hint"
	LockFileName = "LOCK"

	compactSuffix = ".compact"
	tmpSuffix     = ".tmp"
)

func sortedKeys(m map[string]types.IndexEntry) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// cleanupOldFiles removes temp files left behind by a compaction or hint
// write that did not finish.
func cleanupOldFiles(dir string) {
	for _, pattern := range []string{"*" + compactSuffix, "*" + tmpSuffix} {
		leftovers, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		for _, path := range leftovers {
			if err := os.Remove(path); err != nil {
				log.Warn().Err(err).Str("file", path).Msg("Failed to delete leftover file")
			} else {
				log.Info().Str("file", path).Msg("Deleted leftover file")
			}
		}
	}
}

// checkEngine fails when dir already belongs to the leveldb engine.
func checkEngine(dir string) error {
	_, err := os.Stat(filepath.Join(dir, types.LevelDBDirName))
	if err == nil {
		return fmt.Errorf("%s holds a %s directory: %w", dir, types.LevelDBDirName, types.ErrWrongEngine)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("check engine marker: %w", err)
	}
	return nil
}
