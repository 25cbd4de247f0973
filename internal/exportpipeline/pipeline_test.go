// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package exportpipeline

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tikvexport/tidbexport/internal/engine"
	"github.com/tikvexport/tidbexport/internal/keycodec"
	"github.com/tikvexport/tidbexport/internal/kv"
	"github.com/tikvexport/tidbexport/internal/schema"
	"github.com/tikvexport/tidbexport/internal/sink"
	"github.com/tikvexport/tidbexport/internal/writeref"
)

type sliceIterator struct {
	keys, vals [][]byte
	idx        int
}

func (it *sliceIterator) Valid() bool   { return it.idx < len(it.keys) }
func (it *sliceIterator) Key() []byte   { return it.keys[it.idx] }
func (it *sliceIterator) Value() []byte { return it.vals[it.idx] }
func (it *sliceIterator) Next() error   { it.idx++; return nil }
func (it *sliceIterator) Close()        {}

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
	var offs [2]byte
	binary.LittleEndian.PutUint16(offs[:], 8)
	var counts [4]byte
	binary.LittleEndian.PutUint16(counts[0:2], 1)
	buf := []byte{0x80, 0}
	buf = append(buf, counts[:]...)
	buf = append(buf, colID)
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

func TestRunWritesAllRowsAcrossWorkers(t *testing.T) {
	const rowCount = 250

	var keys, vals [][]byte
	for i := int64(1); i <= rowCount; i++ {
		keys = append(keys, keycodec.EncodeRowKeyWithTS(1, i, 100))
		vals = append(vals, writeVal('P', 99, intRowV2(1, i*10)))
	}
	writeIter := &sliceIterator{keys: keys, vals: vals}
	defaultIter := &sliceIterator{}

	info := simpleTableInfo()
	eng := engine.New(info, defaultIter, writeIter)

	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")
	s, err := sink.Open(path, 0, false)
	require.NoError(t, err)

	written, err := Run(eng, info, s, Options{ThreadNum: 4}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(rowCount), written)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, rowCount)

	total := 0
	for _, line := range lines {
		v, err := strconv.Atoi(strings.TrimSpace(line))
		require.NoError(t, err)
		total += v
	}
	require.Equal(t, rowCount*(rowCount+1)/2*10, total)
}

func TestRunPropagatesDecoderError(t *testing.T) {
	writeIter := &sliceIterator{
		keys: [][]byte{keycodec.EncodeRowKeyWithTS(1, 1, 100)},
		vals: [][]byte{writeVal(byte(writeref.TypePut), 99, []byte{0x7f})}, // bad codec version byte
	}
	defaultIter := &sliceIterator{}

	info := simpleTableInfo()
	eng := engine.New(info, defaultIter, writeIter)

	dir := t.TempDir()
	s, err := sink.Open(filepath.Join(dir, "out.csv"), 0, false)
	require.NoError(t, err)
	defer s.Close()

	_, err = Run(eng, info, s, Options{ThreadNum: 2}, nil)
	require.Error(t, err)
}

var _ kv.Iterator = (*sliceIterator)(nil)
