// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package engine reconstructs logical table rows from the default and
// write column families of a TiKV-shaped store. Grounded on
// original_source/src/tabledataiterator.rs's TableDataIterator, which
// this package follows call-for-call: the three one-element pushback
// slots, the per-handle drain-default-then-drain-write loop, and the
// delete-vs-put timestamp race are all the same algorithm translated
// into Go's iterator idiom.
package engine

import (
	"github.com/tikvexport/tidbexport/internal/errs"
	"github.com/tikvexport/tidbexport/internal/keycodec"
	"github.com/tikvexport/tidbexport/internal/kv"
	"github.com/tikvexport/tidbexport/internal/schema"
	"github.com/tikvexport/tidbexport/internal/writeref"
)

// RowImage is one reconstructed logical row: spec §3's "Row Image".
type RowImage struct {
	Handle      int64
	CommitTS    uint64
	KeyBytes    []byte
	ValueBytes  []byte
	PKBytes     []byte // nil unless TableInfo.PKIsHandle
}

type candidateRow struct {
	handle     int64
	commitTS   uint64
	keyBytes   []byte
	valueBytes []byte
}

type writeEntry struct {
	handle   int64
	commitTS uint64
	keyBytes []byte
	wref     writeref.WriteRef
}

// Engine walks one table's row-key range, merging its default and write
// CF iterators into a sequence of RowImages, one per live logical
// handle.
type Engine struct {
	info *schema.TableInfo

	defaultIter kv.Iterator
	writeIter   kv.Iterator

	defaultEOF bool
	writeEOF   bool

	pushbackDefault    *candidateRow
	pushbackWrite      *writeEntry
	pushbackInProgress *candidateRow
}

// New constructs an Engine over iterators already bounded to info's row
// key range (see keycodec.EncodeTableRowRange). The Engine takes
// ownership of both iterators and closes them when exhausted; callers
// that abandon iteration early must Close them.
func New(info *schema.TableInfo, defaultIter, writeIter kv.Iterator) *Engine {
	return &Engine{info: info, defaultIter: defaultIter, writeIter: writeIter}
}

// Next returns the next reconstructed row, or (nil, nil) when the table
// is exhausted. A non-nil error is fatal: per the propagation policy,
// engine/decoder errors bubble up and abort the export.
func (e *Engine) Next() (*RowImage, error) {
	for {
		var curHandle int64
		var curRow *candidateRow

		if e.pushbackInProgress != nil {
			curRow = e.pushbackInProgress
			e.pushbackInProgress = nil
			curHandle = curRow.handle
		}

		if !e.defaultEOF {
			for {
				rd, ok, err := e.nextDefault()
				if err != nil {
					return nil, err
				}
				if !ok {
					break
				}
				switch {
				case curHandle == 0:
					curHandle = rd.handle
					curRow = rd
				case curHandle == rd.handle:
					// older version of the row already chosen; skip.
					continue
				default:
					e.pushbackDefault = rd
				}
				if e.pushbackDefault != nil {
					break
				}
			}
		}

		var maxDeleteTS uint64
		for {
			we, ok, err := e.nextWrite()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}

			if we.handle < curHandle {
				if curRow == nil {
					// no row to carry forward under the older handle; drop it.
					continue
				}
				e.pushbackInProgress = curRow
				curRow = nil
				curHandle = we.handle
			} else if we.handle > curHandle && curHandle != 0 {
				e.pushbackWrite = we
				break
			}

			switch we.wref.Type {
			case writeref.TypeDelete:
				if we.wref.StartTS > maxDeleteTS {
					maxDeleteTS = we.wref.StartTS
				}
			case writeref.TypePut:
				if we.wref.ShortValue == nil {
					continue
				}
				candidate := &candidateRow{
					handle:     we.handle,
					commitTS:   we.commitTS,
					keyBytes:   we.keyBytes,
					valueBytes: we.wref.ShortValue,
				}
				if curRow == nil || candidate.commitTS > curRow.commitTS {
					curHandle = candidate.handle
					curRow = candidate
				}
			}
		}

		if curRow != nil {
			if maxDeleteTS >= curRow.commitTS {
				curRow = nil
			} else {
				return e.buildImage(curRow), nil
			}
		}

		if e.defaultEOF && e.writeEOF {
			e.Close()
			return nil, nil
		}
	}
}

func (e *Engine) buildImage(row *candidateRow) *RowImage {
	img := &RowImage{
		Handle:     row.handle,
		CommitTS:   row.commitTS,
		KeyBytes:   row.keyBytes,
		ValueBytes: row.valueBytes,
	}
	if e.info.PKIsHandle {
		img.PKBytes = synthesizePK(row.handle)
	}
	return img
}

// synthesizePK encodes handle as the little-endian 8-byte primary key
// value. Whether the PK column is UNSIGNED only changes how the row-v2
// decoder later interprets these bytes (AsU64 vs AsI64); the bit
// pattern of a two's-complement int64 reinterpreted as uint64 is
// identical, so the encoding itself needs no sign branch.
func synthesizePK(handle int64) []byte {
	buf := make([]byte, 8)
	v := uint64(handle)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
	return buf
}

// Close releases both underlying iterators. Safe to call more than
// once.
func (e *Engine) Close() {
	if e.defaultIter != nil {
		e.defaultIter.Close()
		e.defaultIter = nil
	}
	if e.writeIter != nil {
		e.writeIter.Close()
		e.writeIter = nil
	}
}

func (e *Engine) nextDefault() (*candidateRow, bool, error) {
	if e.pushbackDefault != nil {
		rd := e.pushbackDefault
		e.pushbackDefault = nil
		return rd, true, nil
	}
	if e.defaultEOF {
		return nil, false, nil
	}
	if !e.defaultIter.Valid() {
		e.defaultEOF = true
		return nil, false, nil
	}

	key := append([]byte(nil), e.defaultIter.Key()...)
	val := append([]byte(nil), e.defaultIter.Value()...)

	handle, err := keycodec.DecodeIntHandle(key)
	if err != nil {
		return nil, false, &errs.CorruptedDataBytesErr{Msg: "corrupted default-cf key: " + err.Error(), Data: key}
	}
	commitTS, err := keycodec.DecodeCommitTS(key)
	if err != nil {
		return nil, false, &errs.CorruptedDataBytesErr{Msg: "corrupted default-cf key: " + err.Error(), Data: key}
	}

	if err := e.defaultIter.Next(); err != nil {
		return nil, false, &errs.StorageNodeErr{Msg: err.Error()}
	}

	return &candidateRow{handle: handle, commitTS: commitTS, keyBytes: key, valueBytes: val}, true, nil
}

func (e *Engine) nextWrite() (*writeEntry, bool, error) {
	if e.pushbackWrite != nil {
		we := e.pushbackWrite
		e.pushbackWrite = nil
		return we, true, nil
	}
	if e.writeEOF {
		return nil, false, nil
	}
	if !e.writeIter.Valid() {
		e.writeEOF = true
		return nil, false, nil
	}

	key := append([]byte(nil), e.writeIter.Key()...)
	val := append([]byte(nil), e.writeIter.Value()...)

	handle, err := keycodec.DecodeIntHandle(key)
	if err != nil {
		return nil, false, &errs.CorruptedDataBytesErr{Msg: "corrupted write-cf key: " + err.Error(), Data: key}
	}
	commitTS, err := keycodec.DecodeCommitTS(key)
	if err != nil {
		return nil, false, &errs.CorruptedDataBytesErr{Msg: "corrupted write-cf key: " + err.Error(), Data: key}
	}
	wref, err := writeref.Parse(val)
	if err != nil {
		return nil, false, &errs.CorruptedDataBytesErr{Msg: "corrupted write-cf value: " + err.Error(), Data: val}
	}

	if err := e.writeIter.Next(); err != nil {
		return nil, false, &errs.StorageNodeErr{Msg: err.Error()}
	}

	return &writeEntry{handle: handle, commitTS: commitTS, keyBytes: key, wref: wref}, true, nil
}
