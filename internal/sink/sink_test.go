// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestWriteSingleFileNoRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")

	s, err := Open(path, 0, false)
	require.NoError(t, err)
	_, err = s.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))
}

func TestRotationProducesNumberedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")

	s, err := Open(path, 10, false) // tiny budget forces rotation quickly
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Write([]byte("0123456789\n"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var csvFiles int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".csv" {
			csvFiles++
		}
	}
	require.Greater(t, csvFiles, 1, "expected more than one rotated file")
}

func TestGzipOutputIsReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")

	s, err := Open(path, 0, true)
	require.NoError(t, err)
	_, err = s.Write([]byte("42\n"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.Open(path + ".gz")
	require.NoError(t, err)
	defer f.Close()

	gr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gr.Close()

	buf := make([]byte, 16)
	n, _ := gr.Read(buf)
	require.Equal(t, "42\n", string(buf[:n]))
}
