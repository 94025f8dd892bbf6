package bitcask

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/pro0o/kvs/types"
)

// record layout (big endian):
//
//	flag u8 | crc32 u32 | keyLen u32 | valLen u32 | key | val
//
// crc covers every byte except itself.
const headerSize = 1 + 4 + 4 + 4

const (
	MaxKeySize   = 1 << 16
	MaxValueSize = 64 << 20
)

// Encode serialises rec. Normal values at least compressAt bytes long are
// snappy encoded when that saves a quarter or more; compressAt <= 0 disables it.
func Encode(rec types.Record, compressAt int) []byte {
	flag := rec.Flag.Kind()
	val := rec.Value
	if flag == types.FlagTombstone {
		val = nil
	} else if compressAt > 0 && len(val) >= compressAt {
		if snp := snappy.Encode(nil, val); len(snp) < len(val)-len(val)/4 {
			val = snp
			flag |= types.FlagSnappy
		}
	}

	buf := make([]byte, headerSize+len(rec.Key)+len(val))
	buf[0] = byte(flag)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(rec.Key)))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(val)))
	copy(buf[headerSize:], rec.Key)
	copy(buf[headerSize+len(rec.Key):], val)
	binary.BigEndian.PutUint32(buf[1:5], checksum(buf))
	return buf
}

// ReadRecord decodes the next record from r and reports how many bytes it
// occupied. io.EOF means r ended cleanly on a record boundary.
func ReadRecord(r io.Reader) (types.Record, int, error) {
	header := make([]byte, headerSize)
	if n, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return types.Record{}, 0, io.EOF
		}
		return types.Record{}, n, fmt.Errorf("read header: %w", err)
	}

	keyLen, valLen, err := parseHeader(header)
	if err != nil {
		return types.Record{}, headerSize, err
	}

	buf := make([]byte, headerSize+keyLen+valLen)
	copy(buf, header)
	if n, err := io.ReadFull(r, buf[headerSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return types.Record{}, headerSize + n, fmt.Errorf("read body: %w", err)
	}

	rec, err := decodeBody(buf, keyLen)
	return rec, len(buf), err
}

// DecodeRecord decodes a record that must fill buf exactly.
func DecodeRecord(buf []byte) (types.Record, error) {
	if len(buf) < headerSize {
		return types.Record{}, fmt.Errorf("short record of %d bytes: %w", len(buf), io.ErrUnexpectedEOF)
	}
	keyLen, valLen, err := parseHeader(buf[:headerSize])
	if err != nil {
		return types.Record{}, err
	}
	if want := headerSize + keyLen + valLen; want != len(buf) {
		return types.Record{}, fmt.Errorf("record length %d, framed as %d: %w", len(buf), want, types.ErrCorruptRecord)
	}
	return decodeBody(buf, keyLen)
}

func parseHeader(header []byte) (int, int, error) {
	flag := types.RecordFlag(header[0])
	if !flag.Valid() {
		return 0, 0, fmt.Errorf("unknown flag %#x: %w", header[0], types.ErrCorruptRecord)
	}
	keyLen := binary.BigEndian.Uint32(header[5:9])
	valLen := binary.BigEndian.Uint32(header[9:13])
	if keyLen > MaxKeySize || valLen > MaxValueSize {
		return 0, 0, fmt.Errorf("lengths key=%d val=%d out of range: %w", keyLen, valLen, types.ErrCorruptRecord)
	}
	if flag == types.FlagTombstone && valLen != 0 {
		return 0, 0, fmt.Errorf("tombstone with %d value bytes: %w", valLen, types.ErrCorruptRecord)
	}
	return int(keyLen), int(valLen), nil
}

func decodeBody(buf []byte, keyLen int) (types.Record, error) {
	if binary.BigEndian.Uint32(buf[1:5]) != checksum(buf) {
		return types.Record{}, fmt.Errorf("checksum mismatch: %w", types.ErrCorruptRecord)
	}

	flag := types.RecordFlag(buf[0])
	rec := types.Record{
		Flag: flag.Kind(),
		Key:  buf[headerSize : headerSize+keyLen],
	}
	if rec.Flag == types.FlagTombstone {
		return rec, nil
	}

	val := buf[headerSize+keyLen:]
	if flag&types.FlagSnappy != 0 {
		raw, err := snappy.Decode(nil, val)
		if err != nil {
			return types.Record{}, fmt.Errorf("snappy decode: %v: %w", err, types.ErrCorruptRecord)
		}
		val = raw
	}
	rec.Value = val
	return rec, nil
}

func checksum(buf []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(buf[:1])
	h.Write(buf[5:])
	return h.Sum32()
}
