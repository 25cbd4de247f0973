// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package rowcodec decodes TiDB's row-v2 columnar value format. Grounded
// on original_source/src/datum.rs's RowData::get_datum_refs_as_small /
// _as_big and DatumRef's typed accessors.
package rowcodec

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tikvexport/tidbexport/internal/errs"
	"github.com/tikvexport/tidbexport/internal/schema"
)

// CodecVersion is the only row-v2 version this decoder understands.
const CodecVersion = 0x80

// FieldTypeTp mirrors the MySQL-level type tag byte stored in
// schema.FieldType.Tp (TiDB's FieldTypeTp enum).
const (
	TpTiny       byte = 1
	TpShort      byte = 2
	TpLong       byte = 3
	TpFloat      byte = 4
	TpDouble     byte = 5
	TpNull       byte = 6
	TpTimestamp  byte = 7
	TpLongLong   byte = 8
	TpInt24      byte = 9
	TpDate       byte = 10
	TpDuration   byte = 11
	TpDatetime   byte = 12
	TpYear       byte = 13
	TpNewDate    byte = 14
	TpVarchar    byte = 15
	TpJSON       byte = 0xf5
	TpNewDecimal byte = 0xf6
	TpEnum       byte = 0xf7
	TpSet        byte = 0xf8
	TpTinyBlob   byte = 0xf9
	TpMediumBlob byte = 0xfa
	TpLongBlob   byte = 0xfb
	TpBlob       byte = 0xfc
	TpVarString  byte = 0xfd
	TpString     byte = 0xfe
	TpGeometry   byte = 0xff
	TpBit        byte = 0x10
)

// DatumRef binds a decoded column's declared type to a slice of the row
// blob (or to synthesized PK bytes, or nil for a null datum). It borrows
// its backing slice; it must not outlive the RowImage it was decoded
// from.
type DatumRef struct {
	Col  *schema.ColumnInfo
	data []byte
	null bool
}

// IsNull reports whether this column's value is absent from the row.
func (d DatumRef) IsNull() bool { return d.null }

// Decode yields one DatumRef per column of info, in column declaration
// order, from a row-v2 value blob. pkBytes is the little-endian 8-byte
// synthesized primary key, used when info.PKIsHandle and a column
// carries the PRIKEY flag but its id is absent from both id arrays.
func Decode(val []byte, info *schema.TableInfo, pkBytes []byte) ([]DatumRef, error) {
	if len(val) < 2 {
		return nil, &errs.CorruptedDataBytesErr{Msg: "row-v2 value too short", Data: val}
	}
	if val[0] != CodecVersion {
		return nil, &errs.CorruptedDataBytesErr{Msg: "bad row-v2 codec version", Data: val}
	}
	isBig := val[1]&1 == 1
	rest := val[2:]
	if isBig {
		return decodeVariant(rest, info, pkBytes, 4)
	}
	return decodeVariant(rest, info, pkBytes, 2)
}

// decodeVariant implements both the "small" (idWidth=1, offWidth=2) and
// "big" (idWidth=4, offWidth=4) layouts; idWidth is derived from
// offWidth per the row-v2 spec (1 byte ids for small, 4 byte ids for
// big).
func decodeVariant(data []byte, info *schema.TableInfo, pkBytes []byte, offWidth int) ([]DatumRef, error) {
	idWidth := 1
	if offWidth == 4 {
		idWidth = 4
	}

	if len(data) < 4 {
		return nil, &errs.CorruptedDataBytesErr{Msg: "row-v2 header truncated", Data: data}
	}
	nonNullCnt := int(binary.LittleEndian.Uint16(data[0:2]))
	nullCnt := int(binary.LittleEndian.Uint16(data[2:4]))
	data = data[4:]

	nonNullIDs, data, err := readIDs(data, nonNullCnt, idWidth)
	if err != nil {
		return nil, err
	}
	nullIDs, data, err := readIDs(data, nullCnt, idWidth)
	if err != nil {
		return nil, err
	}
	offsets, data, err := readOffsets(data, nonNullCnt, offWidth)
	if err != nil {
		return nil, err
	}
	values := data

	out := make([]DatumRef, 0, len(info.Columns))
	for i := range info.Columns {
		col := &info.Columns[i]
		id := uint64(col.ID)

		if idx, ok := searchUint64(nonNullIDs, id); ok {
			end := offsets[idx]
			start := 0
			if idx > 0 {
				start = offsets[idx-1]
			}
			if end > len(values) || start > end {
				return nil, &errs.CorruptedDataErr{Msg: "row-v2 offset out of range"}
			}
			out = append(out, DatumRef{Col: col, data: values[start:end]})
			continue
		}
		if _, ok := searchUint64(nullIDs, id); ok {
			out = append(out, DatumRef{Col: col, null: true})
			continue
		}
		if info.PKIsHandle && col.FieldType.HasPriKeyFlag() {
			out = append(out, DatumRef{Col: col, data: pkBytes})
			continue
		}
		out = append(out, DatumRef{Col: col, null: true})
	}
	return out, nil
}

func readIDs(data []byte, count, width int) ([]uint64, []byte, error) {
	need := count * width
	if need > len(data) {
		return nil, nil, &errs.CorruptedDataErr{Msg: "row-v2 id array truncated"}
	}
	ids := make([]uint64, count)
	for i := 0; i < count; i++ {
		off := i * width
		if width == 1 {
			ids[i] = uint64(data[off])
		} else {
			ids[i] = uint64(binary.LittleEndian.Uint32(data[off : off+4]))
		}
	}
	return ids, data[need:], nil
}

func readOffsets(data []byte, count, width int) ([]int, []byte, error) {
	need := count * width
	if need > len(data) {
		return nil, nil, &errs.CorruptedDataErr{Msg: "row-v2 offsets array truncated"}
	}
	offs := make([]int, count)
	for i := 0; i < count; i++ {
		off := i * width
		if width == 2 {
			offs[i] = int(binary.LittleEndian.Uint16(data[off : off+2]))
		} else {
			offs[i] = int(binary.LittleEndian.Uint32(data[off : off+4]))
		}
	}
	return offs, data[need:], nil
}

// searchUint64 binary-searches a strictly ascending slice, matching the
// row-v2 invariant that id arrays are sorted.
func searchUint64(ids []uint64, target uint64) (int, bool) {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= target })
	if i < len(ids) && ids[i] == target {
		return i, true
	}
	return 0, false
}

func (d DatumRef) isTp(tps ...byte) bool {
	for _, tp := range tps {
		if d.Col.FieldType.Tp == tp {
			return true
		}
	}
	return false
}

func (d DatumRef) isInteger() bool {
	return d.isTp(TpTiny, TpShort, TpInt24, TpLong, TpLongLong)
}

// AsU64 decodes an unsigned integer column.
func (d DatumRef) AsU64() (uint64, error) {
	if !d.isInteger() || !d.Col.FieldType.IsUnsigned() {
		return 0, &errs.CorruptedDataErr{Msg: "invalid u64 data"}
	}
	return decodeV2Uint(d.data)
}

// AsI64 decodes a signed integer column; width is detected from the
// slice length (1/2/4/8 bytes), sign-extending appropriately.
func (d DatumRef) AsI64() (int64, error) {
	if !d.isInteger() || d.Col.FieldType.IsUnsigned() {
		return 0, &errs.CorruptedDataErr{Msg: "invalid i64 data"}
	}
	switch len(d.data) {
	case 1:
		return int64(int8(d.data[0])), nil
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(d.data))), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(d.data))), nil
	case 8:
		return int64(binary.LittleEndian.Uint64(d.data)), nil
	default:
		return 0, &errs.CorruptedDataErr{Msg: "invalid i64 data width"}
	}
}

func decodeV2Uint(data []byte) (uint64, error) {
	switch len(data) {
	case 1:
		return uint64(data[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case 8:
		return binary.LittleEndian.Uint64(data), nil
	default:
		return 0, &errs.CorruptedDataErr{Msg: "invalid integer data width"}
	}
}

// AsF64 decodes a Double column (IEEE-754).
func (d DatumRef) AsF64() (float64, error) {
	if !d.isTp(TpDouble) {
		return 0, &errs.CorruptedDataErr{Msg: "invalid double data"}
	}
	if len(d.data) != 8 {
		return 0, &errs.CorruptedDataErr{Msg: "invalid double data width"}
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(d.data)), nil
}

// AsF32 decodes a Float column, truncating the stored f64 payload to
// f32, matching DatumRef::as_f32 in the original.
func (d DatumRef) AsF32() (float32, error) {
	if !d.isTp(TpFloat) {
		return 0, &errs.CorruptedDataErr{Msg: "invalid float data"}
	}
	if len(d.data) != 8 {
		return 0, &errs.CorruptedDataErr{Msg: "invalid float data width"}
	}
	return float32(math.Float64frombits(binary.LittleEndian.Uint64(d.data))), nil
}

// AsBytes returns the raw bytes of a string/blob column.
func (d DatumRef) AsBytes() ([]byte, error) {
	if !d.isTp(TpVarchar, TpVarString, TpString, TpGeometry, TpTinyBlob, TpMediumBlob, TpLongBlob, TpBlob) {
		return nil, &errs.CorruptedDataErr{Msg: "invalid bytes data"}
	}
	return d.data, nil
}

// AsDuration decodes a Duration column: signed nanoseconds plus the
// column's declared fractional-second precision.
func (d DatumRef) AsDuration() (nanos int64, fsp int8, err error) {
	if !d.isTp(TpDuration) {
		return 0, 0, &errs.CorruptedDataErr{Msg: "invalid duration data"}
	}
	u, err := decodeV2Uint(d.data)
	if err != nil {
		return 0, 0, &errs.CorruptedDataErr{Msg: "invalid duration data"}
	}
	// sign-extend the 1/2/4/8-byte little-endian payload
	shift := uint(64 - 8*len(d.data))
	return int64(u<<shift) >> shift, int8(d.Col.FieldType.Decimal), nil
}

// AsPackedTime decodes a Date/DateTime/Timestamp column's packed u64
// representation, leaving higher-level unpacking (year/month/day/...) to
// the caller's time library of choice.
func (d DatumRef) AsPackedTime() (packed uint64, fsp int8, err error) {
	if !d.isTp(TpDate, TpDatetime, TpTimestamp) {
		return 0, 0, &errs.CorruptedDataErr{Msg: "invalid datetime data"}
	}
	v, err := decodeV2Uint(d.data)
	if err != nil {
		return 0, 0, &errs.CorruptedDataErr{Msg: "invalid datetime data"}
	}
	return v, int8(d.Col.FieldType.Decimal), nil
}

// AsJSON returns the type tag byte and the remaining typed payload of a
// JSON column.
func (d DatumRef) AsJSON() (typeTag byte, payload []byte, err error) {
	if !d.isTp(TpJSON) {
		return 0, nil, &errs.CorruptedDataErr{Msg: "invalid json data"}
	}
	if len(d.data) < 1 {
		return 0, nil, &errs.CorruptedDataErr{Msg: "invalid json data"}
	}
	return d.data[0], d.data[1:], nil
}

// AsEnum decodes an Enum column into its element string. The row-v2
// payload is a 1-based index; n=0 or n>len(Elems) is CorruptedData.
//
// This is the corrected form of the guard: the original tool's
// DatumRef::as_enum_val checked `if self.is_enum()` (true means error),
// which rejects every genuine enum value and only "succeeds" on a
// type mismatch — backwards. Here the guard requires the column to
// actually be an Enum.
func (d DatumRef) AsEnum() (string, error) {
	if !d.isTp(TpEnum) {
		return "", &errs.CorruptedDataErr{Msg: "invalid enum data"}
	}
	n, err := decodeV2Uint(d.data)
	if err != nil {
		return "", &errs.CorruptedDataErr{Msg: "invalid enum data"}
	}
	idx := int(n)
	if idx == 0 || idx > len(d.Col.FieldType.Elems) {
		return "", &errs.CorruptedDataErr{Msg: "enum data number overflow enum boundary"}
	}
	return d.Col.FieldType.Elems[idx-1], nil
}

// AsSet decodes a Set column's bitmap payload into the selected element
// strings, using a roaring bitmap to represent the selected bit
// positions. Same inverted-guard correction as AsEnum applies: the
// column must actually be a Set.
func (d DatumRef) AsSet() ([]string, error) {
	if !d.isTp(TpSet) {
		return nil, &errs.CorruptedDataErr{Msg: "invalid set data"}
	}
	num, err := decodeV2Uint(d.data)
	if err != nil {
		return nil, &errs.CorruptedDataErr{Msg: "invalid set data, decode to number error"}
	}
	if len(d.Col.FieldType.Elems) == 0 {
		return nil, nil
	}

	bm := roaring.New()
	for i := 0; i < 64; i++ {
		if num&(uint64(1)<<uint(i)) != 0 {
			bm.Add(uint32(i))
		}
	}

	var out []string
	it := bm.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i < len(d.Col.FieldType.Elems) {
			out = append(out, d.Col.FieldType.Elems[i])
		}
	}
	return out, nil
}

// AsBit and AsYear both decode to a plain u64 payload.
func (d DatumRef) AsBit() (uint64, error) {
	if !d.isTp(TpBit) {
		return 0, &errs.CorruptedDataErr{Msg: "invalid bit data"}
	}
	return decodeV2Uint(d.data)
}

func (d DatumRef) AsYear() (uint64, error) {
	if !d.isTp(TpYear) {
		return 0, &errs.CorruptedDataErr{Msg: "invalid year data"}
	}
	return decodeV2Uint(d.data)
}

// AsDecimal decodes TiDB's NewDecimal mantissa/scale wire format into a
// decimal string, using the column's declared scale (FieldType.Decimal);
// the precision is inferred from the payload length, not read from Flen.
func (d DatumRef) AsDecimal() (string, error) {
	if !d.isTp(TpNewDecimal) {
		return "", &errs.CorruptedDataErr{Msg: "invalid decimal data"}
	}
	return decodeDecimal(d.data, int(d.Col.FieldType.Decimal))
}
