package bitcask

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pro0o/kvs/types"
)

// appendLog owns the write cursor of the active log file. It is not safe for
// concurrent use; the store serialises callers behind its write lock.
type appendLog struct {
	file       *os.File
	writer     *bufio.Writer
	path       string
	size       uint64
	compressAt int
}

func openAppendLog(path string, compressAt int) (*appendLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}

	return &appendLog{
		file:       file,
		writer:     bufio.NewWriterSize(file, 64*1024),
		path:       path,
		size:       uint64(info.Size()),
		compressAt: compressAt,
	}, nil
}

// Append writes rec at the end of the log and flushes it before returning
// the offset and length it occupies.
func (l *appendLog) Append(rec types.Record) (uint64, uint64, error) {
	buf := Encode(rec, l.compressAt)
	if _, err := l.writer.Write(buf); err != nil {
		return 0, 0, l.rollback(fmt.Errorf("write record: %w", err))
	}
	if err := l.writer.Flush(); err != nil {
		return 0, 0, l.rollback(fmt.Errorf("flush record: %w", err))
	}

	offset := l.size
	l.size += uint64(len(buf))
	return offset, uint64(len(buf)), nil
}

// rollback drops buffered bytes and cuts off any partial record so the next
// append starts on a record boundary.
func (l *appendLog) rollback(err error) error {
	l.writer.Reset(l.file)
	if terr := l.file.Truncate(int64(l.size)); terr != nil {
		return fmt.Errorf("%w (truncate after failed append: %v)", err, terr)
	}
	return err
}

func (l *appendLog) Size() uint64 {
	return l.size
}

func (l *appendLog) Sync() error {
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *appendLog) Close() error {
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return fmt.Errorf("flush log: %w", err)
	}
	return l.file.Close()
}
