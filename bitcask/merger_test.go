package bitcask

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pro0o/kvs/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// readCompactedFile decodes every record in path and returns the live values.
func readCompactedFile(path string) (map[string]string, []string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	result := make(map[string]string)
	var order []string

	for {
		rec, _, err := ReadRecord(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if rec.IsTombstone() {
			return nil, nil, errors.New("tombstone in compacted file: " + string(rec.Key))
		}
		result[string(rec.Key)] = string(rec.Value)
		order = append(order, string(rec.Key))
	}

	return result, order, nil
}

func TestMerger(t *testing.T) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	testCases := []struct {
		name     string
		entries  []testEntry
		expected map[string]string
	}{
		{
			name: "basic_merge",
			entries: []testEntry{
				{flag: types.FlagNormal, key: "key1", value: "value1"},
				{flag: types.FlagNormal, key: "key2", value: "value2"},
				{flag: types.FlagNormal, key: "key3", value: "value3"},
				{flag: types.FlagNormal, key: "key4", value: "value4"},
			},
			expected: map[string]string{
				"key1": "value1",
				"key2": "value2",
				"key3": "value3",
				"key4": "value4",
			},
		},
		{
			name: "overwrites_same_key",
			entries: []testEntry{
				{flag: types.FlagNormal, key: "key1", value: "old_value"},
				{flag: types.FlagNormal, key: "key2", value: "value2"},
				{flag: types.FlagNormal, key: "key1", value: "new_value"},
				{flag: types.FlagNormal, key: "key3", value: "value3"},
			},
			expected: map[string]string{
				"key1": "new_value",
				"key2": "value2",
				"key3": "value3",
			},
		},
		{
			name: "handles_tombstones",
			entries: []testEntry{
				{flag: types.FlagNormal, key: "key1", value: "value1"},
				{flag: types.FlagNormal, key: "key2", value: "value2"},
				{flag: types.FlagTombstone, key: "key1"},
				{flag: types.FlagNormal, key: "key3", value: "value3"},
			},
			expected: map[string]string{
				"key2": "value2",
				"key3": "value3",
			},
		},
		{
			name:     "empty_log",
			entries:  []testEntry{},
			expected: map[string]string{},
		},
		{
			name: "single_key",
			entries: []testEntry{
				{flag: types.FlagNormal, key: "solo_key", value: "solo_value"},
			},
			expected: map[string]string{
				"solo_key": "solo_value",
			},
		},
		{
			name: "value_spelled_rm",
			entries: []testEntry{
				{flag: types.FlagNormal, key: "cmd", value: "rm"},
			},
			expected: map[string]string{
				"cmd": "rm",
			},
		},
		{
			name: "complex_scenario",
			entries: []testEntry{
				{flag: types.FlagNormal, key: "a", value: "1"},
				{flag: types.FlagNormal, key: "b", value: "2"},
				{flag: types.FlagNormal, key: "c", value: "3"},
				{flag: types.FlagNormal, key: "a", value: "updated_a"},
				{flag: types.FlagTombstone, key: "b"},
				{flag: types.FlagNormal, key: "d", value: "4"},
				{flag: types.FlagNormal, key: "e", value: "5"},
				{flag: types.FlagTombstone, key: "c"},
			},
			expected: map[string]string{
				"a": "updated_a",
				"d": "4",
				"e": "5",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tempDir := t.TempDir()
			logPath := filepath.Join(tempDir, types.LogFileName)
			createTestLogFile(t, logPath, tc.entries)

			idx := NewIndex()
			if _, err := replay(logPath, 0, idx); err != nil {
				t.Fatalf("Replay failed: %v", err)
			}

			pool := newReaderPool(logPath, 2)
			defer pool.reset()

			compactedPath := logPath + compactSuffix
			m, err := merge(idx.Snapshot(), pool, compactedPath, -1)
			if err != nil {
				t.Fatalf("Merge failed: %v", err)
			}

			actual, order, err := readCompactedFile(compactedPath)
			if err != nil {
				t.Fatalf("Failed to read compacted file: %v", err)
			}

			if len(actual) != len(tc.expected) {
				t.Errorf("Expected %d entries, got %d", len(tc.expected), len(actual))
			}
			for key, expectedValue := range tc.expected {
				actualValue, exists := actual[key]
				if !exists {
					t.Errorf("Expected key %q not found in result", key)
					continue
				}
				if actualValue != expectedValue {
					t.Errorf("For key %q: expected %q, got %q", key, expectedValue, actualValue)
				}
			}
			for key := range actual {
				if _, exists := tc.expected[key]; !exists {
					t.Errorf("Unexpected key %q found in result", key)
				}
			}

			for i := 1; i < len(order); i++ {
				if order[i-1] >= order[i] {
					t.Errorf("Expected keys in sorted order, got %q before %q", order[i-1], order[i])
				}
			}

			info, err := os.Stat(compactedPath)
			if err != nil {
				t.Fatalf("Failed to stat compacted file: %v", err)
			}
			if uint64(info.Size()) != m.size {
				t.Errorf("Expected merged size %d, got file of %d bytes", m.size, info.Size())
			}

			// the returned index must address the new file
			check := newReaderPool(compactedPath, 1)
			defer check.reset()
			m.index.Range(func(key string, entry types.IndexEntry) bool {
				rec, err := check.read(entry.Offset, entry.Length)
				if err != nil {
					t.Errorf("Reading %q through merged index: %v", key, err)
					return true
				}
				if string(rec.Value) != tc.expected[key] {
					t.Errorf("For key %q: merged index points at %q", key, rec.Value)
				}
				return true
			})
		})
	}
}

func TestMergerStaleIndex(t *testing.T) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, types.LogFileName)

	locs := createTestLogFile(t, logPath, []testEntry{
		{flag: types.FlagNormal, key: "a", value: "1"},
		{flag: types.FlagNormal, key: "b", value: "2"},
	})

	// "a" pointing at b's record must not be copied under the wrong key
	snapshot := map[string]types.IndexEntry{
		"a": {Offset: locs[1].offset, Length: locs[1].length},
	}

	pool := newReaderPool(logPath, 1)
	defer pool.reset()

	compactedPath := logPath + compactSuffix
	if _, err := merge(snapshot, pool, compactedPath, -1); !errors.Is(err, types.ErrIndexedRead) {
		t.Fatalf("Expected ErrIndexedRead, got %v", err)
	}
	if _, err := os.Stat(compactedPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected compacted file to be removed after failure, got %v", err)
	}
}
