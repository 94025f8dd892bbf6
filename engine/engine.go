// Package engine selects between the storage engines a server can run on.
//
// Both engines satisfy Engine. Callers depend on nothing else; optional
// capabilities (Compacter, StatsReporter) are discovered by type assertion.
package engine

import (
	"fmt"
	"slices"

	"github.com/pro0o/kvs/bitcask"
	"github.com/pro0o/kvs/types"
)

// Engine is the storage contract the server relies on.
type Engine interface {
	// Set stores value under key, overwriting unconditionally.
	Set(key, value string) error

	// Get returns the value for key. A missing key is not an error: found is
	// false and err is nil.
	Get(key string) (value string, found bool, err error)

	// Remove deletes key. It fails with types.ErrKeyNotFound when the key has
	// no value.
	Remove(key string) error

	Close() error
}

type Compacter interface {
	Compact() error
}

type StatsReporter interface {
	Stats() types.Stats
}

var (
	_ Engine        = (*bitcask.Store)(nil)
	_ Compacter     = (*bitcask.Store)(nil)
	_ StatsReporter = (*bitcask.Store)(nil)
	_ Engine        = (*LevelDB)(nil)
	_ Compacter     = (*LevelDB)(nil)
)

// Options carries per-engine settings. Engines ignore what they do not use.
type Options struct {
	Store *bitcask.Options
}

// Names lists the engines Open accepts.
func Names() []string {
	return []string{types.EngineKVS, types.EngineLevelDB}
}

func Valid(name string) bool {
	return slices.Contains(Names(), name)
}

// Open opens the named engine over dir.
func Open(name, dir string, opts *Options) (Engine, error) {
	if opts == nil {
		opts = &Options{}
	}

	switch name {
	case types.EngineKVS:
		store, err := bitcask.Open(dir, opts.Store)
		if err != nil {
			return nil, err
		}
		return store, nil
	case types.EngineLevelDB:
		db, err := OpenLevelDB(dir)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("%q (want one of %v): %w", name, Names(), types.ErrUnknownEngine)
	}
}
