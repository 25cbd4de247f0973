// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package writeref

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeForTest(wt Type, startTS uint64, shortValue []byte) []byte {
	buf := []byte{byte(wt)}
	var tsBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tsBuf[:], startTS)
	buf = append(buf, tsBuf[:n]...)
	if shortValue != nil {
		buf = append(buf, shortValueFlag, byte(len(shortValue)))
		buf = append(buf, shortValue...)
	}
	return buf
}

func TestParsePutWithShortValue(t *testing.T) {
	raw := encodeForTest(TypePut, 100, []byte{0x01, 0x02, 0x03})
	wr, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, TypePut, wr.Type)
	require.Equal(t, uint64(100), wr.StartTS)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, wr.ShortValue)
}

func TestParseDeleteNoShortValue(t *testing.T) {
	raw := encodeForTest(TypeDelete, 55, nil)
	wr, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, TypeDelete, wr.Type)
	require.Equal(t, uint64(55), wr.StartTS)
	require.Nil(t, wr.ShortValue)
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte{'X', 0x01})
	require.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(nil)
	require.Error(t, err)
}

func TestParseTruncatedShortValue(t *testing.T) {
	raw := encodeForTest(TypePut, 1, []byte{1, 2, 3})
	truncated := raw[:len(raw)-1]
	_, err := Parse(truncated)
	require.Error(t, err)
}
