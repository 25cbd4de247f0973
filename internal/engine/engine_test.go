// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tikvexport/tidbexport/internal/keycodec"
	"github.com/tikvexport/tidbexport/internal/schema"
)

type sliceIterator struct {
	keys, vals [][]byte
	idx        int
}

func newSliceIterator(pairs [][2][]byte) *sliceIterator {
	it := &sliceIterator{}
	for _, p := range pairs {
		it.keys = append(it.keys, p[0])
		it.vals = append(it.vals, p[1])
	}
	return it
}

func (it *sliceIterator) Valid() bool   { return it.idx < len(it.keys) }
func (it *sliceIterator) Key() []byte   { return it.keys[it.idx] }
func (it *sliceIterator) Value() []byte { return it.vals[it.idx] }
func (it *sliceIterator) Next() error {
	it.idx++
	return nil
}
func (it *sliceIterator) Close() {}

func rowKey(tableID, handle int64, commitTS uint64) []byte {
	return keycodec.EncodeRowKeyWithTS(tableID, handle, commitTS)
}

func writeVal(t byte, startTS uint64, shortValue []byte) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], startTS)
	out := append([]byte{t}, buf[:n]...)
	if shortValue != nil {
		out = append(out, 'v', byte(len(shortValue)))
		out = append(out, shortValue...)
	}
	return out
}

func intRowV2(colID byte, i64 int64) []byte {
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, uint64(i64))
	ids := []byte{colID}
	var offs [2]byte
	binary.LittleEndian.PutUint16(offs[:], 8)
	var counts [4]byte
	binary.LittleEndian.PutUint16(counts[0:2], 1)
	buf := []byte{0x80, 0}
	buf = append(buf, counts[:]...)
	buf = append(buf, ids...)
	buf = append(buf, offs[:]...)
	buf = append(buf, val...)
	return buf
}

func simpleTableInfo() *schema.TableInfo {
	return &schema.TableInfo{
		ID:      1,
		Columns: []schema.ColumnInfo{{ID: 1, FieldType: schema.FieldType{Tp: 8}}}, // LongLong
	}
}

func TestSinglePutInlineShortValue(t *testing.T) {
	writeIter := newSliceIterator([][2][]byte{
		{rowKey(1, 7, 101), writeVal('P', 100, intRowV2(1, 42))},
	})
	defaultIter := newSliceIterator(nil)

	e := New(simpleTableInfo(), defaultIter, writeIter)
	img, err := e.Next()
	require.NoError(t, err)
	require.NotNil(t, img)
	require.Equal(t, int64(7), img.Handle)

	next, err := e.Next()
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestPutThenDeleteHidesRow(t *testing.T) {
	writeIter := newSliceIterator([][2][]byte{
		{rowKey(1, 7, 200), writeVal('D', 250, nil)},
		{rowKey(1, 7, 101), writeVal('P', 100, intRowV2(1, 42))},
	})
	defaultIter := newSliceIterator(nil)

	e := New(simpleTableInfo(), defaultIter, writeIter)
	img, err := e.Next()
	require.NoError(t, err)
	require.Nil(t, img, "delete with start_ts >= put commit_ts must hide the row")
}

func TestLargeRowSplitAcrossDefaultAndWrite(t *testing.T) {
	writeIter := newSliceIterator([][2][]byte{
		{rowKey(1, 7, 101), writeVal('P', 100, nil)}, // no short value: body lives in default
	})
	defaultIter := newSliceIterator([][2][]byte{
		{rowKey(1, 7, 101), intRowV2(1, 999)},
	})

	e := New(simpleTableInfo(), defaultIter, writeIter)
	img, err := e.Next()
	require.NoError(t, err)
	require.NotNil(t, img)
	require.Equal(t, int64(7), img.Handle)
	require.Equal(t, intRowV2(1, 999), img.ValueBytes)
}

func TestSupersededPutIsIgnored(t *testing.T) {
	writeIter := newSliceIterator([][2][]byte{
		{rowKey(1, 7, 300), writeVal('P', 299, intRowV2(1, 2))}, // newest, highest commit ts first
		{rowKey(1, 7, 101), writeVal('P', 100, intRowV2(1, 1))},
	})
	defaultIter := newSliceIterator(nil)

	e := New(simpleTableInfo(), defaultIter, writeIter)
	img, err := e.Next()
	require.NoError(t, err)
	require.NotNil(t, img)
	require.Equal(t, intRowV2(1, 2), img.ValueBytes)

	next, err := e.Next()
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestPKInHandleSynthesis(t *testing.T) {
	info := &schema.TableInfo{
		ID:         1,
		PKIsHandle: true,
		Columns: []schema.ColumnInfo{
			{ID: 1, FieldType: schema.FieldType{Tp: 8, Flag: schema.FlagPriKey | schema.FlagUnsigned}},
		},
	}
	writeIter := newSliceIterator([][2][]byte{
		{rowKey(1, 7, 101), writeVal('P', 100, []byte{0x80, 0, 0, 0, 0, 0})}, // no columns, id 1 absent
	})
	defaultIter := newSliceIterator(nil)

	e := New(info, defaultIter, writeIter)
	img, err := e.Next()
	require.NoError(t, err)
	require.NotNil(t, img)
	require.Equal(t, uint64(7), binary.LittleEndian.Uint64(img.PKBytes))
}

func TestMultipleHandlesInAscendingOrder(t *testing.T) {
	writeIter := newSliceIterator([][2][]byte{
		{rowKey(1, 1, 101), writeVal('P', 100, intRowV2(1, 10))},
		{rowKey(1, 2, 101), writeVal('P', 100, intRowV2(1, 20))},
	})
	defaultIter := newSliceIterator(nil)

	e := New(simpleTableInfo(), defaultIter, writeIter)
	first, err := e.Next()
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Handle)

	second, err := e.Next()
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Handle)

	third, err := e.Next()
	require.NoError(t, err)
	require.Nil(t, third)
}
