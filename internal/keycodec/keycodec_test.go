// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package keycodec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemcomparableRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("a"),
		[]byte("mDB:1"),
		bytes.Repeat([]byte{1}, 8),
		bytes.Repeat([]byte{1}, 9),
		bytes.Repeat([]byte{1}, 16),
		bytes.Repeat([]byte{1}, 17),
	}
	for _, c := range cases {
		enc := EncodeMemcomparable(c)
		dec, n, err := DecodeMemcomparable(enc)
		require.NoError(t, err)
		require.Equal(t, len(enc), n)
		require.True(t, bytes.Equal(c, dec), "roundtrip mismatch for %v", c)
	}
}

func TestMemcomparableRoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 256; i++ {
		n := r.Intn(64*1024 + 1)
		buf := make([]byte, n)
		r.Read(buf)
		enc := EncodeMemcomparable(buf)
		dec, consumed, err := DecodeMemcomparable(enc)
		require.NoError(t, err)
		require.Equal(t, len(enc), consumed)
		require.True(t, bytes.Equal(buf, dec))
	}
}

func TestEncodeTableRowRangeOrdering(t *testing.T) {
	lower, upper := EncodeTableRowRange(42)
	require.Equal(t, byte('z'), lower[0])
	require.True(t, bytes.Compare(lower, upper) < 0)

	k1 := EncodeRowKeyWithTS(42, 7, 100)
	k2 := EncodeRowKeyWithTS(42, 8, 100)
	require.True(t, bytes.Compare(k1, k2) < 0, "handle 7 must sort before handle 8")
	require.True(t, bytes.Compare(lower, k1) <= 0)
}

func TestCommitTSOrderingWithinHandle(t *testing.T) {
	older := EncodeRowKeyWithTS(1, 1, 100)
	newer := EncodeRowKeyWithTS(1, 1, 200)
	require.True(t, bytes.Compare(newer, older) < 0, "higher commit ts must sort first")
}

func TestDecodeIntHandle(t *testing.T) {
	key := EncodeRowKeyWithTS(9, -5, 55)
	h, err := DecodeIntHandle(key)
	require.NoError(t, err)
	require.Equal(t, int64(-5), h)
}

func TestDecodeIntHandleRejectsMetaKey(t *testing.T) {
	lower, _ := EncodeMetaDBRange(3)
	_, err := DecodeIntHandle(append(lower, make([]byte, 8)...))
	require.Error(t, err)
}

func TestStripMVCCSuffixTooShort(t *testing.T) {
	_, err := StripMVCCSuffix([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestEncodeMetaDBRange(t *testing.T) {
	lower, upper := EncodeMetaDBRange(5)
	require.True(t, bytes.Compare(lower, upper) < 0)

	allLower, allUpper := EncodeMetaDBRange(-1)
	require.True(t, bytes.Compare(allLower, lower) <= 0)
	require.True(t, bytes.Compare(upper, allUpper) <= 0)
}

// TestEncodeMetaDBRangeAllDatabasesCoversRealKeys guards against building
// the all-databases upper bound by appending a raw 0xFF after the
// finished "mDB" encoding instead of encoding "mDB"+0xFF as the input:
// that earlier form diverged from a real encoded key at the first data
// byte past the shared "mDB" prefix, excluding every real mDB:X key from
// the [lower, upper) range.
func TestEncodeMetaDBRangeAllDatabasesCoversRealKeys(t *testing.T) {
	allLower, allUpper := EncodeMetaDBRange(-1)
	for _, dbID := range []int64{0, 1, 5, 999} {
		realKey := EncodeMetaKeyWithTS([]byte("mDB:"+itoa(dbID)), 12345)
		require.True(t, bytes.Compare(allLower, realKey) <= 0, "dbID %d: lower must not exceed a real meta key", dbID)
		require.True(t, bytes.Compare(realKey, allUpper) < 0, "dbID %d: a real meta key must fall below the upper bound", dbID)
	}
}

func TestDecodeCommitTS(t *testing.T) {
	key := EncodeRowKeyWithTS(1, 1, 12345)
	ts, err := DecodeCommitTS(key)
	require.NoError(t, err)
	require.Equal(t, uint64(12345), ts)
}
