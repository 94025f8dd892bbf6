package bitcask

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/pro0o/kvs/types"
	"github.com/rs/zerolog/log"
)

// rotate replaces the active log with a merged one. The caller holds the
// write lock; readers are held off only for the rename and index swap.
// On error the previous log, index and handles remain in use.
func (s *Store) rotate(m *merged) error {
	// open before the rename so the handle follows the inode
	fresh, err := openAppendLog(m.path, s.opts.CompressThreshold)
	if err != nil {
		os.Remove(m.path)
		return fmt.Errorf("open compacted log: %w", err)
	}

	s.swapMu.Lock()
	if err := os.Rename(m.path, s.logPath); err != nil {
		s.swapMu.Unlock()
		fresh.Close()
		os.Remove(m.path)
		return fmt.Errorf("rename compacted log: %w", err)
	}
	old := s.log
	fresh.path = s.logPath
	s.log = fresh
	s.index = m.index
	s.pool.reset()
	s.stale.Store(0)
	s.swapMu.Unlock()

	if err := old.Close(); err != nil {
		log.Warn().Err(err).Str("file", s.logPath).Msg("Failed to close replaced log")
	}
	return nil
}

// dropHint removes the hint file so it can never describe a log it was not
// written for.
func dropHint(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove hint file: %w", err)
	}
	return nil
}

// writeHint records where every live key of idx sits within the first
// covered bytes of the log, along with sum, the crc32 of those bytes.
// Written to a temp file and renamed into place.
func writeHint(path string, covered uint64, sum uint32, idx *Index) error {
	tmp := path + tmpSuffix
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create hint file: %w", err)
	}
	writer := bufio.NewWriter(file)

	fail := func(err error) error {
		file.Close()
		os.Remove(tmp)
		return err
	}

	if err := binary.Write(writer, binary.BigEndian, covered); err != nil {
		return fail(fmt.Errorf("write hint header: %w", err))
	}
	if err := binary.Write(writer, binary.BigEndian, sum); err != nil {
		return fail(fmt.Errorf("write hint header: %w", err))
	}
	snapshot := idx.Snapshot()
	for _, key := range sortedKeys(snapshot) {
		entry := snapshot[key]
		if err := writeHintEntry(writer, key, entry); err != nil {
			return fail(err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fail(fmt.Errorf("flush hint file: %w", err))
	}
	if err := file.Sync(); err != nil {
		return fail(fmt.Errorf("sync hint file: %w", err))
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close hint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename hint file: %w", err)
	}
	return nil
}

func writeHintEntry(writer *bufio.Writer, key string, entry types.IndexEntry) error {
	if err := binary.Write(writer, binary.BigEndian, uint32(len(key))); err != nil {
		return fmt.Errorf("write key length to hint: %w", err)
	}
	if _, err := writer.WriteString(key); err != nil {
		return fmt.Errorf("write key to hint: %w", err)
	}
	if err := binary.Write(writer, binary.BigEndian, entry.Offset); err != nil {
		return fmt.Errorf("write offset to hint: %w", err)
	}
	if err := binary.Write(writer, binary.BigEndian, entry.Length); err != nil {
		return fmt.Errorf("write length to hint: %w", err)
	}
	return nil
}
