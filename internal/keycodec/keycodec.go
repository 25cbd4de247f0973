// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package keycodec implements TiKV's memcomparable key encoding and the
// row/meta key layouts built on top of it. Grounded on
// storagenode.rs's get_table_info_keys_by_db_id / get_table_data_keys_by_table_id
// (the tikv_util::codec::bytes + tidb_query_datatype::codec::table calls)
// and spec §6's byte-exact description.
package keycodec

import (
	"encoding/binary"
	"math"

	"github.com/tikvexport/tidbexport/internal/errs"
)

const (
	// DataPrefix is prepended to every user key persisted to the store.
	DataPrefix byte = 'z'

	groupSize  = 8
	padByte    = 0x00
	fullMarker = 0xFF
)

// EncodeMemcomparable encodes raw in TiKV's 9-byte-group memcomparable
// form: 8 data bytes (zero-padded in the final partial group) followed by
// one marker byte, 0xFF when the group was full or 0xF7+n for a partial
// group of n bytes (n in 0..7). An input whose length is a multiple of 8,
// including the empty input, ends with an empty group marked 0xF7.
func EncodeMemcomparable(raw []byte) []byte {
	out := make([]byte, 0, (len(raw)/groupSize+1)*(groupSize+1))
	i := 0
	for {
		var chunk [groupSize]byte
		n := copy(chunk[:], raw[i:])
		i += n
		out = append(out, chunk[:]...)
		if n == groupSize {
			out = append(out, fullMarker)
			continue
		}
		out = append(out, byte(0xF7+n))
		break
	}
	return out
}

// DecodeMemcomparable reverses EncodeMemcomparable, returning the
// original bytes and the number of encoded bytes consumed from enc.
func DecodeMemcomparable(enc []byte) ([]byte, int, error) {
	var out []byte
	i := 0
	for {
		if i+groupSize+1 > len(enc) {
			return nil, 0, errs.CorruptedKey("truncated memcomparable group")
		}
		group := enc[i : i+groupSize]
		marker := enc[i+groupSize]
		i += groupSize + 1
		if marker == fullMarker {
			out = append(out, group...)
			continue
		}
		n := int(marker) - 0xF7
		if n < 0 || n > groupSize {
			return nil, 0, errs.CorruptedKey("invalid memcomparable marker")
		}
		out = append(out, group[:n]...)
		return out, i, nil
	}
}

// appendMVCC appends the 8-byte big-endian bitwise-inverted commit TS, so
// that greater timestamps sort first for a fixed user key prefix.
func appendMVCC(key []byte, commitTS uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ^commitTS)
	return append(key, buf[:]...)
}

// rowUserKey builds the user-level `t{table_id}_r{handle}` form.
func rowUserKey(tableID, handle int64) []byte {
	buf := make([]byte, 0, 1+8+2+8)
	buf = append(buf, 't')
	buf = appendI64(buf, tableID)
	buf = append(buf, '_', 'r')
	buf = appendI64(buf, handle)
	return buf
}

func appendI64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

// EncodeTableRowRange returns the [lower, upper) row-key bounds for
// tableID, z-prefixed and memcomparable-encoded: lower is the bare key of
// handle 0, upper is the bare key of handle math.MaxInt64 (see
// encodeRowKeyUpperBound), so MVCC versions of handle MaxInt64 itself
// fall outside the range.
func EncodeTableRowRange(tableID int64) (lower, upper []byte) {
	lower = encodeRowKey(tableID, 0)
	upper = encodeRowKeyUpperBound(tableID)
	return lower, upper
}

func encodeRowKey(tableID, handle int64) []byte {
	user := rowUserKey(tableID, handle)
	enc := EncodeMemcomparable(user)
	out := make([]byte, 0, 1+len(enc))
	out = append(out, DataPrefix)
	out = append(out, enc...)
	return out
}

// encodeRowKeyUpperBound mirrors the original tool: the bare encoding of
// handle=MaxInt64, used as an exclusive bound. Any MVCC-suffixed version
// of that exact handle sorts after it (the suffix makes the key longer),
// so in practice the range covers every handle in 0..MaxInt64 inclusive
// bar the very last one's own versions, which is the upstream behavior
// this mirrors rather than a bound this codec tightens.
func encodeRowKeyUpperBound(tableID int64) []byte {
	return encodeRowKey(tableID, math.MaxInt64)
}

// EncodeMetaDBRange returns the [lower, upper) bounds from the encoded
// `mDB:{db_id}` key up to the encoded `mDB:{db_id+1}` key, which covers
// that key and the longer keys that extend it (a database's table
// records). With dbID < 0 it returns the bounds of the whole `mDB`
// prefix, used for listing all databases.
func EncodeMetaDBRange(dbID int64) (lower, upper []byte) {
	if dbID < 0 {
		lower = append([]byte{DataPrefix}, EncodeMemcomparable([]byte("mDB"))...)
		upper = append([]byte{DataPrefix}, EncodeMemcomparable([]byte("mDB\xff"))...)
		return lower, upper
	}
	user := []byte("mDB:" + itoa(dbID))
	lower = append([]byte{DataPrefix}, EncodeMemcomparable(user)...)
	upperUser := []byte("mDB:" + itoa(dbID+1))
	upper = append([]byte{DataPrefix}, EncodeMemcomparable(upperUser)...)
	return lower, upper
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// DecodeIntHandle extracts the signed row handle from a raw (z-prefixed,
// MVCC-suffixed) row key. Fails with CorruptedKey if the decoded user key
// is not shaped t{8}_r{8}.
func DecodeIntHandle(rawKey []byte) (int64, error) {
	user, err := StripMVCCSuffix(rawKey)
	if err != nil {
		return 0, err
	}
	if len(user) < 1 || user[0] != DataPrefix {
		return 0, errs.CorruptedKey("missing data prefix")
	}
	plain, _, err := DecodeMemcomparable(user[1:])
	if err != nil {
		return 0, err
	}
	if len(plain) != 1+8+2+8 || plain[0] != 't' || plain[9] != '_' || plain[10] != 'r' {
		return 0, errs.CorruptedKey("key is not a row key")
	}
	return int64(binary.BigEndian.Uint64(plain[11:19])), nil
}

// StripMVCCSuffix removes the trailing 8-byte commit-TS suffix, returning
// the user key (still z-prefixed and memcomparable-encoded).
func StripMVCCSuffix(key []byte) ([]byte, error) {
	if len(key) < 8 {
		return nil, errs.CorruptedKey("key shorter than mvcc suffix")
	}
	return key[:len(key)-8], nil
}

// DecodeCommitTS recovers the commit TS carried by an MVCC-suffixed key's
// trailing 8 bytes.
func DecodeCommitTS(key []byte) (uint64, error) {
	if len(key) < 8 {
		return 0, errs.CorruptedKey("key shorter than mvcc suffix")
	}
	return ^binary.BigEndian.Uint64(key[len(key)-8:]), nil
}

// EncodeRowKeyWithTS builds a complete z-prefixed, memcomparable-encoded,
// MVCC-suffixed row key. Exposed for tests exercising round-trips.
func EncodeRowKeyWithTS(tableID, handle int64, commitTS uint64) []byte {
	return appendMVCC(encodeRowKey(tableID, handle), commitTS)
}

// EncodeMetaKey builds a z-prefixed, memcomparable-encoded meta key from
// a plain user key such as "mDB:1:a", without an MVCC suffix. Exposed for
// tests exercising the schema reader's default-CF table scan, which
// compares encoded keys directly against EncodeMetaDBRange's bounds but
// never strips or decodes an MVCC suffix.
func EncodeMetaKey(userKey []byte) []byte {
	enc := EncodeMemcomparable(userKey)
	out := make([]byte, 0, 1+len(enc))
	out = append(out, DataPrefix)
	out = append(out, enc...)
	return out
}

// EncodeMetaKeyWithTS builds a complete z-prefixed, memcomparable-encoded,
// MVCC-suffixed meta key from a plain user key such as "mDB:1". Exposed
// for tests exercising the schema reader's write-CF database scan, which
// must honor the same byte ordering EncodeMetaDBRange produces.
func EncodeMetaKeyWithTS(userKey []byte, commitTS uint64) []byte {
	return appendMVCC(EncodeMetaKey(userKey), commitTS)
}
