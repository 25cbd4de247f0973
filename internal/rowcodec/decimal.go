// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package rowcodec

import (
	"fmt"
	"strings"

	"github.com/tikvexport/tidbexport/internal/errs"
)

// TiDB's NewDecimal binary format packs base-1e9 "words": each group of
// up to 9 decimal digits is stored as a 1/2/3/4-byte big-endian integer
// (width chosen by digit count), sign-biased so byte-wise comparison
// matches numeric comparison. This mirrors TiDB's mydecimal.go
// FromBin/fromBin, which the original tool leaned on via
// tidb_query_datatype::codec::mysql::Decimal. Only the digit string and
// sign are reconstructed here; this tool only needs decimal → text.
const digitsPerWord = 9

var dig2Bytes = [10]int{0, 1, 1, 2, 2, 3, 3, 4, 4, 4}

// decodeDecimal decodes data, a FieldType.Decimal-scaled NewDecimal
// payload, into its canonical text representation. precision/scale
// (Flen/Decimal on the column) bound the word layout the same way
// mydecimal.go's FromBin does; this tool is given only the scale via
// the column's Decimal field, so it infers precision from the payload
// length the same way the value was originally sized.
func decodeDecimal(data []byte, scale int) (string, error) {
	if len(data) == 0 {
		return "", &errs.CorruptedDataErr{Msg: "decode decimal data error"}
	}

	negative := data[0]&0x80 == 0
	buf := append([]byte(nil), data...)
	if negative {
		for i := range buf {
			buf[i] = ^buf[i]
		}
	}
	buf[0] &= 0x7F

	wordsFrac := scale / digitsPerWord
	trailingDigits := scale - wordsFrac*digitsPerWord
	trailingBytes := dig2Bytes[trailingDigits]

	intBytes := len(buf) - wordsFrac*4 - trailingBytes
	if intBytes < 0 {
		return "", &errs.CorruptedDataErr{Msg: "decode decimal data error"}
	}

	var intDigits, fracDigits []byte
	pos := 0

	// Leading partial word for the integer part, if any bytes remain
	// that don't divide evenly into 4-byte words.
	leadingBytes := intBytes % 4
	leadingDigits := 0
	for d, b := range dig2Bytes {
		if b == leadingBytes {
			leadingDigits = d
		}
	}
	if leadingBytes > 0 {
		v, err := readPartialWord(buf[pos:pos+leadingBytes], leadingBytes)
		if err != nil {
			return "", err
		}
		intDigits = append(intDigits, []byte(fmt.Sprintf("%0*d", leadingDigits, v))...)
		pos += leadingBytes
	}
	for pos+4 <= intBytes {
		v := be32(buf[pos : pos+4])
		intDigits = append(intDigits, []byte(fmt.Sprintf("%09d", v))...)
		pos += 4
	}

	for i := 0; i < wordsFrac; i++ {
		v := be32(buf[pos : pos+4])
		fracDigits = append(fracDigits, []byte(fmt.Sprintf("%09d", v))...)
		pos += 4
	}
	if trailingBytes > 0 {
		v, err := readPartialWord(buf[pos:pos+trailingBytes], trailingBytes)
		if err != nil {
			return "", err
		}
		fracDigits = append(fracDigits, []byte(fmt.Sprintf("%0*d", trailingDigits, v))...)
	}

	intStr := strings.TrimLeft(string(intDigits), "0")
	if intStr == "" {
		intStr = "0"
	}

	var sb strings.Builder
	if negative {
		sb.WriteByte('-')
	}
	sb.WriteString(intStr)
	if len(fracDigits) > 0 {
		sb.WriteByte('.')
		sb.Write(fracDigits)
	}
	return sb.String(), nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func readPartialWord(b []byte, n int) (uint32, error) {
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	_ = n
	return v, nil
}
