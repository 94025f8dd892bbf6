package bitcask

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pro0o/kvs/types"
)

// reader is a read-only handle on the log. It uses positional reads only, so
// it never shares or moves a cursor.
type reader struct {
	file *os.File
}

func openReader(path string) (*reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reader %s: %w", path, err)
	}
	return &reader{file: file}, nil
}

// ReadAt fetches exactly length bytes at offset and decodes them as a record.
func (r *reader) ReadAt(offset, length uint64) (types.Record, error) {
	if length < headerSize {
		return types.Record{}, fmt.Errorf("length %d below header size: %w", length, types.ErrCorruptRecord)
	}

	buf := make([]byte, length)
	n, err := r.file.ReadAt(buf, int64(offset))
	if err != nil && !(err == io.EOF && uint64(n) == length) {
		return types.Record{}, fmt.Errorf("read %d bytes at offset %d: %w", length, offset, err)
	}
	return DecodeRecord(buf)
}

func (r *reader) Close() error {
	return r.file.Close()
}

// readerPool hands out independent read handles. Handles are reused purely by
// availability; nothing about the caller is remembered.
type readerPool struct {
	mu   sync.Mutex
	path string
	idle []*reader
	max  int
}

func newReaderPool(path string, max int) *readerPool {
	if max < 1 {
		max = 1
	}
	return &readerPool{path: path, max: max}
}

func (p *readerPool) get() (*reader, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		r := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()
	return openReader(p.path)
}

func (p *readerPool) put(r *reader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.max {
		r.Close()
		return
	}
	p.idle = append(p.idle, r)
}

// read borrows a handle for a single positional read.
func (p *readerPool) read(offset, length uint64) (types.Record, error) {
	r, err := p.get()
	if err != nil {
		return types.Record{}, err
	}
	rec, err := r.ReadAt(offset, length)
	if err != nil {
		r.Close()
		return types.Record{}, err
	}
	p.put(r)
	return rec, nil
}

// reset closes every idle handle. Callers must guarantee no handle is on
// loan, otherwise it will keep pointing at the replaced file.
func (p *readerPool) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.idle {
		r.Close()
	}
	p.idle = nil
}

func (p *readerPool) idleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
