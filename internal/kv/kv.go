// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package kv defines the minimal read-only, bounded-range, column-family
// iteration contract the rest of this module needs from a directly-accessed
// KV store. The shape mirrors erigon-lib/kv's Cursor/Tx split and
// chaosmeng-tidb/kv's Iterator interface: Valid/Key/Value/Next/Close, one
// iterator per column family per bounded range, nothing transactional.
package kv

// CF names one of the four column families a TiDB-backed TiKV store keeps.
type CF string

const (
	CFDefault CF = "default"
	CFWrite   CF = "write"
	CFLock    CF = "lock"
	CFRaft    CF = "raft"
)

// Iterator walks a bounded key range within one column family in ascending
// key order. Callers must Close it. A zero-value-returning Key/Value call
// on an invalid iterator is undefined; check Valid first.
type Iterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Next() error
	Close()
}

// Store opens bounded-range iterators over a read-only, directly-accessed
// KV store. Implementations own the underlying engine handle; Close
// releases it.
type Store interface {
	// IterRange opens a forward iterator over cf bounded by [lower, upper).
	// A nil upper means unbounded. Readahead and other tuning are an
	// implementation concern.
	IterRange(cf CF, lower, upper []byte) (Iterator, error)
	Close() error
}
