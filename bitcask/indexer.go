package bitcask

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/pro0o/kvs/types"
	"github.com/rs/zerolog/log"
)

type replayResult struct {
	end     uint64 // offset just past the last record that decoded
	stale   uint64
	records int
	torn    bool   // scan stopped on a record that did not decode
	hinted  uint64 // log prefix taken from the hint file
}

// staleBytes is how many log bytes stop being live when entry replaces prev.
// A tombstone is itself dead weight from the moment it is written.
func staleBytes(prev types.IndexEntry, existed bool, entry types.IndexEntry) uint64 {
	var n uint64
	if existed && !prev.Tombstone {
		n += prev.Length
	}
	if entry.Tombstone {
		n += entry.Length
	}
	return n
}

// replay scans the log at path starting at byte from and applies every record
// to idx, later records winning. The first record that fails to decode ends
// the scan; nothing after it is trusted.
func replay(path string, from uint64, idx *Index) (replayResult, error) {
	res := replayResult{end: from}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	} else if err != nil {
		return res, fmt.Errorf("open log for replay: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(int64(from), io.SeekStart); err != nil {
		return res, fmt.Errorf("seek log to %d: %w", from, err)
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		rec, n, err := ReadRecord(reader)
		if err == io.EOF {
			break
		} else if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, types.ErrCorruptRecord) {
			log.Debug().Err(err).Uint64("offset", res.end).Msg("replay stopped at undecodable record")
			res.torn = true
			break
		} else if err != nil {
			return res, fmt.Errorf("replay at offset %d: %w", res.end, err)
		}

		entry := types.IndexEntry{
			Tombstone: rec.IsTombstone(),
			Offset:    res.end,
			Length:    uint64(n),
		}
		prev, existed := idx.Put(string(rec.Key), entry)
		res.stale += staleBytes(prev, existed, entry)
		res.end += uint64(n)
		res.records++
	}
	return res, nil
}

// prefixChecksum is the CRC32 of the first n bytes of the log at path.
func prefixChecksum(path string, n uint64) (uint32, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	h := crc32.NewIEEE()
	if _, err := io.CopyN(h, file, int64(n)); err != nil {
		return 0, fmt.Errorf("checksum log prefix: %w", err)
	}
	return h.Sum32(), nil
}

// loadHint fills idx from the hint file and returns the log prefix length it
// covers. The hint is trusted only if the log still holds the exact prefix it
// was written for. Any inconsistency is an error; idx must then be discarded.
func loadHint(hintPath, logPath string, logSize uint64, idx *Index) (uint64, error) {
	file, err := os.Open(hintPath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var covered uint64
	var sum uint32
	if err := binary.Read(reader, binary.BigEndian, &covered); err != nil {
		return 0, fmt.Errorf("read hint header: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &sum); err != nil {
		return 0, fmt.Errorf("read hint header: %w", err)
	}
	if covered > logSize {
		return 0, fmt.Errorf("hint covers %d bytes, log has %d", covered, logSize)
	}
	actual, err := prefixChecksum(logPath, covered)
	if err != nil {
		return 0, err
	}
	if actual != sum {
		return 0, fmt.Errorf("hint written for another log prefix (crc %08x, log has %08x)", sum, actual)
	}

	for {
		var keyLen uint32
		if err := binary.Read(reader, binary.BigEndian, &keyLen); err == io.EOF {
			break
		} else if err != nil {
			return 0, fmt.Errorf("read hint key length: %w", err)
		}
		if keyLen > MaxKeySize {
			return 0, fmt.Errorf("hint key length %d: %w", keyLen, types.ErrCorruptRecord)
		}

		keyBuffer := make([]byte, keyLen)
		if _, err := io.ReadFull(reader, keyBuffer); err != nil {
			return 0, fmt.Errorf("read hint key: %w", err)
		}

		var offset, length uint64
		if err := binary.Read(reader, binary.BigEndian, &offset); err != nil {
			return 0, fmt.Errorf("read hint offset: %w", err)
		}
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return 0, fmt.Errorf("read hint length: %w", err)
		}
		if offset+length > covered {
			return 0, fmt.Errorf("hint entry %q past covered prefix: %w", keyBuffer, types.ErrCorruptRecord)
		}

		idx.Put(string(keyBuffer), types.IndexEntry{Offset: offset, Length: length})
	}
	return covered, nil
}

// buildIndex recovers the index for the log at path, preferring the hint
// file for the compacted prefix when useHint is set. A hint that cannot be
// used is deleted so it is never consulted again.
func buildIndex(path, hintPath string, useHint bool) (*Index, replayResult, error) {
	var from uint64
	idx := NewIndex()

	if useHint {
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, replayResult{}, fmt.Errorf("stat log: %w", err)
		default:
			covered, err := loadHint(hintPath, path, uint64(info.Size()), idx)
			if err == nil {
				from = covered
				log.Debug().Uint64("covered", covered).Int("keys", idx.Len()).Msg("Loaded hint file")
			} else {
				if !errors.Is(err, os.ErrNotExist) {
					log.Warn().Err(err).Str("file", hintPath).Msg("Discarding unusable hint file")
					if derr := dropHint(hintPath); derr != nil {
						return nil, replayResult{}, derr
					}
				}
				idx = NewIndex()
			}
		}
	}

	res, err := replay(path, from, idx)
	if err != nil {
		return nil, res, err
	}
	res.hinted = from
	return idx, res, nil
}
