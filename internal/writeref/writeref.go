// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package writeref decodes TiKV's write-CF value format: a one-byte
// write type, a varint start_ts, and an optional inlined short value.
// Grounded on original_source/src/storagenode.rs and tabledataiterator.rs's
// use of txn_types::WriteRef::parse.
package writeref

import (
	"encoding/binary"

	"github.com/tikvexport/tidbexport/internal/errs"
)

// Type is the write-record kind.
type Type byte

const (
	TypePut      Type = 'P'
	TypeDelete   Type = 'D'
	TypeLock     Type = 'L'
	TypeRollback Type = 'R'

	shortValueFlag byte = 'v'
)

// WriteRef is the decoded form of one write-CF value.
type WriteRef struct {
	Type       Type
	StartTS    uint64
	ShortValue []byte // nil if absent
}

// Parse decodes a write-CF value. Unrecognized type tags and truncated
// varints yield CorruptedData, matching the propagation policy that
// schema-reader callers tolerate per-record errors while the
// row-reconstruction engine treats them as fatal.
func Parse(val []byte) (WriteRef, error) {
	if len(val) == 0 {
		return WriteRef{}, errs.CorruptedKey("empty write value")
	}
	wt, err := parseType(val[0])
	if err != nil {
		return WriteRef{}, err
	}

	rest := val[1:]
	startTS, n := binary.Uvarint(rest)
	if n <= 0 {
		return WriteRef{}, &errs.CorruptedDataErr{Msg: "invalid write-ref start_ts varint"}
	}
	rest = rest[n:]

	wr := WriteRef{Type: wt, StartTS: startTS}
	if len(rest) == 0 {
		return wr, nil
	}
	if rest[0] != shortValueFlag {
		// no short value present; the remainder (if any) is ignored, as
		// newer write-ref schemas may append fields this tool does not use.
		return wr, nil
	}
	rest = rest[1:]
	if len(rest) == 0 {
		return WriteRef{}, &errs.CorruptedDataErr{Msg: "truncated write-ref short value length"}
	}
	length := int(rest[0])
	rest = rest[1:]
	if length > len(rest) {
		return WriteRef{}, &errs.CorruptedDataErr{Msg: "truncated write-ref short value"}
	}
	wr.ShortValue = rest[:length]
	return wr, nil
}

func parseType(b byte) (Type, error) {
	switch Type(b) {
	case TypePut, TypeDelete, TypeLock, TypeRollback:
		return Type(b), nil
	default:
		return 0, &errs.CorruptedDataErr{Msg: "unknown write-ref type tag"}
	}
}
