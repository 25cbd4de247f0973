// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package errs collects the error taxonomy shared by every layer of the
// exporter: the KV store, the schema reader, the row-v2 decoder, and the
// export pipeline all return one of these rather than a bare fmt.Errorf,
// so a caller can decide "skip and continue" vs. "dump and abort" with a
// type switch instead of string matching.
package errs

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
)

// StorageNodeErr reports that the KV library refused an operation: a
// missing column family, or a directory that could not be opened.
type StorageNodeErr struct {
	Msg string
}

func (e *StorageNodeErr) Error() string { return "StorageNodeError: " + e.Msg }

// CorruptedDataErr reports a structural expectation violated while
// decoding: a bad codec version, a bad enum index, a type-tag mismatch.
type CorruptedDataErr struct {
	Msg string
}

func (e *CorruptedDataErr) Error() string { return "CorruptedData: " + e.Msg }

// CorruptedDataBytesErr is CorruptedDataErr plus the offending blob, kept
// around so --debug can hex-dump it before the process exits.
type CorruptedDataBytesErr struct {
	Msg  string
	Data []byte
}

func (e *CorruptedDataBytesErr) Error() string { return "CorruptedData: " + e.Msg }

// CorruptedDataStringErr is the text-payload analog of CorruptedDataBytesErr,
// used when the captured blob is JSON (a meta record) rather than binary
// row-v2.
type CorruptedDataStringErr struct {
	Msg  string
	Text string
}

func (e *CorruptedDataStringErr) Error() string { return "CorruptedData: " + e.Msg }

// IOErr reports a failure writing to the sink.
type IOErr struct {
	Msg string
}

func (e *IOErr) Error() string { return "IO: " + e.Msg }

// OtherErr is the catch-all: invalid CLI paths, poisoned locks.
type OtherErr struct {
	Msg string
}

func (e *OtherErr) Error() string { return "Other: " + e.Msg }

// CorruptedKey is returned by the key codec when a key's shape does not
// match the layout the caller expected (e.g. decoding a handle out of a
// meta key).
func CorruptedKey(reason string) error {
	return &CorruptedDataErr{Msg: "corrupted key: " + reason}
}

// DumpCorrupted writes the "********Error Data********" sentinel block used
// by the original tool's debug mode: a CorruptedDataBytesErr's blob is
// hex-dumped via spew, a CorruptedDataStringErr's text is printed as-is,
// and any other error prints nothing.
func DumpCorrupted(err error) {
	const banner = "\n********Error Data********\n%s\n********Error Data End********\n"
	switch e := err.(type) {
	case *CorruptedDataBytesErr:
		fmt.Printf(banner, spew.Sdump(e.Data))
	case *CorruptedDataStringErr:
		fmt.Printf(banner, e.Text)
	}
}
