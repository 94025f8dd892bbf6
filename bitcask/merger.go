package bitcask

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/pro0o/kvs/types"
	"github.com/rs/zerolog/log"
)

// merged is a fully written compacted log waiting to be swapped in.
type merged struct {
	path  string
	index *Index
	size  uint64
	sum   uint32 // crc32 of the whole file
}

// merge writes one record per live key of snapshot into tmpPath, reading the
// current values through pool. Keys are written in sorted order.
func merge(snapshot map[string]types.IndexEntry, pool *readerPool, tmpPath string, compressAt int) (*merged, error) {
	log.Info().Int("keys", len(snapshot)).Msg("Merging started!!")

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmpPath, err)
	}

	out := &merged{path: tmpPath, index: NewIndex()}
	writer := bufio.NewWriterSize(file, 64*1024)
	sum := crc32.NewIEEE()

	fail := func(err error) (*merged, error) {
		file.Close()
		os.Remove(tmpPath)
		return nil, err
	}

	for _, key := range sortedKeys(snapshot) {
		entry := snapshot[key]
		rec, err := pool.read(entry.Offset, entry.Length)
		if err != nil {
			return fail(fmt.Errorf("reading live value for key %q: %w: %w", key, types.ErrIndexedRead, err))
		}
		if string(rec.Key) != key || rec.IsTombstone() {
			return fail(fmt.Errorf("record at offset %d is not the live value of %q: %w", entry.Offset, key, types.ErrIndexedRead))
		}

		buf := Encode(types.Record{Flag: types.FlagNormal, Key: rec.Key, Value: rec.Value}, compressAt)
		if _, err := writer.Write(buf); err != nil {
			return fail(fmt.Errorf("writing key %q: %w", key, err))
		}
		sum.Write(buf)
		out.index.Put(key, types.IndexEntry{Offset: out.size, Length: uint64(len(buf))})
		out.size += uint64(len(buf))
	}

	if err := writer.Flush(); err != nil {
		return fail(fmt.Errorf("flush %s: %w", tmpPath, err))
	}
	if err := file.Sync(); err != nil {
		return fail(fmt.Errorf("sync %s: %w", tmpPath, err))
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close %s: %w", tmpPath, err)
	}

	out.sum = sum.Sum32()
	log.Info().Uint64("bytes", out.size).Msg("Merging complete!!")
	return out, nil
}
