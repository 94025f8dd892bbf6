package types

// RecordFlag is the first byte of every on-disk record.
type RecordFlag byte

const (
	FlagNormal    RecordFlag = 0
	FlagTombstone RecordFlag = 1

	// value bytes are snappy encoded, only valid on normal records
	FlagSnappy RecordFlag = 2
)

// Kind strips encoding bits, leaving normal or tombstone.
func (f RecordFlag) Kind() RecordFlag {
	return f &^ FlagSnappy
}

func (f RecordFlag) Valid() bool {
	switch f {
	case FlagNormal, FlagTombstone, FlagNormal | FlagSnappy:
		return true
	}
	return false
}

// Record is a single key/value (or key/tombstone) write.
type Record struct {
	Flag  RecordFlag
	Key   []byte
	Value []byte
}

func NewValue(key, val string) Record {
	return Record{Flag: FlagNormal, Key: []byte(key), Value: []byte(val)}
}

func NewTombstone(key string) Record {
	return Record{Flag: FlagTombstone, Key: []byte(key)}
}

func (r Record) IsTombstone() bool {
	return r.Flag.Kind() == FlagTombstone
}

// IndexEntry points at the latest record written for a key.
type IndexEntry struct {
	Tombstone bool
	Offset    uint64
	Length    uint64
}

type Stats struct {
	Engine      string `json:"engine"`
	LiveKeys    int    `json:"live_keys"`
	Tombstones  int    `json:"tombstones"`
	LogSize     uint64 `json:"log_size_bytes"`
	StaleBytes  uint64 `json:"stale_bytes"`
	Compactions uint64 `json:"compactions"`
	TotalReads  uint64 `json:"total_reads"`
	TotalWrites uint64 `json:"total_writes"`
}

// Directory layout. Each engine treats the other's entry as a marker and
// refuses to open a directory that contains it.
const (
	LogFileName    = "kvs.log"
	LevelDBDirName = "leveldb"
)

const (
	EngineKVS     = "kvs"
	EngineLevelDB = "leveldb"
)
