package types

import "errors"

var (
	// ErrKeyNotFound is returned when removing a key that has no live value.
	ErrKeyNotFound = errors.New("key not found")

	// ErrWrongEngine is returned when a directory was initialised by the other engine.
	ErrWrongEngine = errors.New("wrong engine for data directory")

	// ErrCorruptRecord is returned when a record fails its checksum or framing.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrIndexedRead means the index points at bytes that could not be read back.
	ErrIndexedRead = errors.New("failed to read indexed record")

	ErrUnknownEngine = errors.New("unknown engine")
	ErrClosed        = errors.New("store is closed")
	ErrLocked        = errors.New("data directory is locked by another process")
	ErrKeyTooLarge   = errors.New("key exceeds maximum size")
	ErrValueTooLarge = errors.New("value exceeds maximum size")
)
