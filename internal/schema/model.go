// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package schema models the subset of TiDB's JSON schema metadata this
// tool needs: databases, tables, columns, field types, and partitions.
// Grounded on original_source/src/tidbtypes.rs, decoded with goccy/go-json.
package schema

// SchemaState mirrors TiDB's internal DDL lifecycle states; only
// DeleteOnly and Public are consulted by this tool.
type SchemaState uint8

const (
	StateNone                  SchemaState = 0
	StateDeleteOnly            SchemaState = 1
	StateWriteOnly             SchemaState = 2
	StateWriteReorganization   SchemaState = 3
	StateDeleteReorganization  SchemaState = 4
	StatePublic                SchemaState = 5
	StateReplicaOnly           SchemaState = 6
	StateGlobalTxnOnly         SchemaState = 7
)

// CIStr is TiDB's case-insensitive string pair: the original spelling
// and its lowercase form, used for name comparisons.
type CIStr struct {
	O string `json:"O"`
	L string `json:"L"`
}

// DBInfo is the JSON-decoded form of a database meta record.
type DBInfo struct {
	ID      int64       `json:"id"`
	Name    CIStr       `json:"db_name"`
	Charset string      `json:"charset"`
	Collate string      `json:"collate"`
	State   SchemaState `json:"state"`
}

// FieldTypeFlag bits, a subset of TiDB's mysql.FieldType flag bits.
const (
	FlagUnsigned uint32 = 1 << 5
	FlagPriKey   uint32 = 1 << 1
)

// FieldType describes a column's MySQL-level type as TiDB encodes it.
type FieldType struct {
	Tp      byte     `json:"Tp"`
	Flag    uint32   `json:"Flag"`
	Flen    uint32   `json:"Flen"`
	Decimal int32    `json:"Decimal"`
	Charset string   `json:"Charset"`
	Collate string   `json:"Collate"`
	Elems   []string `json:"Elems"`
}

// IsUnsigned reports whether the UNSIGNED flag bit is set.
func (f FieldType) IsUnsigned() bool { return f.Flag&FlagUnsigned != 0 }

// HasPriKeyFlag reports whether this column carries the PRIKEY flag,
// i.e. it is the table's primary key column.
func (f FieldType) HasPriKeyFlag() bool { return f.Flag&FlagPriKey != 0 }

// ColumnInfo describes one table column.
type ColumnInfo struct {
	ID        int64       `json:"id"`
	Name      CIStr       `json:"name"`
	Offset    int32       `json:"offset"`
	FieldType FieldType   `json:"type"`
	State     SchemaState `json:"state"`
	Comment   string      `json:"comment"`
	Hidden    bool        `json:"hidden"`
	Version   uint64      `json:"version"`
}

// IndexColumn and IndexInfo are carried through for completeness; the
// reconstruction engine does not consume them.
type IndexColumn struct {
	Name   CIStr `json:"name"`
	Offset int32 `json:"offset"`
	Length int32 `json:"length"`
}

type IndexInfo struct {
	ID          int64         `json:"id"`
	Name        CIStr         `json:"idx_name"`
	TableName   CIStr         `json:"tbl_name"`
	Columns     []IndexColumn `json:"idx_cols"`
	State       SchemaState   `json:"state"`
	Comment     string        `json:"comment"`
	IsUnique    bool          `json:"is_unique"`
	IsPrimary   bool          `json:"is_primary"`
	IsInvisible bool          `json:"is_invisible"`
	IsGlobal    bool          `json:"is_global"`
}

// PartitionDefinition names one partition's id within a partitioned
// table.
type PartitionDefinition struct {
	ID   int64 `json:"id"`
	Name CIStr `json:"name"`
}

type PartitionInfo struct {
	Definitions []PartitionDefinition `json:"definitions"`
}

// TableInfo is the JSON-decoded form of a table meta record.
type TableInfo struct {
	ID                int64          `json:"id"`
	Name              CIStr          `json:"name"`
	Charset           string         `json:"charset"`
	Collate           string         `json:"collate"`
	Columns           []ColumnInfo   `json:"cols"`
	IndexInfo         []IndexInfo    `json:"index_info"`
	State             SchemaState    `json:"state"`
	PKIsHandle        bool           `json:"pk_is_handle"`
	IsCommonHandle    bool           `json:"is_common_handle"`
	CommonHandleVer   uint16         `json:"common_handle_version"`
	Comment           string         `json:"comment"`
	AutoIncID         int64          `json:"auto_inc_id"`
	AutoIDCache       int64          `json:"auto_id_cache"`
	UpdateTimestamp   int64          `json:"update_timestamp"`
	Version           uint16         `json:"version"`
	Partition         *PartitionInfo `json:"partition"`
}

// HasPartitions reports whether this table is partitioned.
func (t *TableInfo) HasPartitions() bool { return t.Partition != nil }

// PartitionTableInfos expands a partitioned TableInfo into one synthetic
// TableInfo per partition: identical to the parent but with ID replaced
// by the partition id and Partition cleared, so the reconstruction
// engine can be run once per partition id as if it were its own table.
func (t *TableInfo) PartitionTableInfos() []TableInfo {
	if t.Partition == nil {
		return nil
	}
	out := make([]TableInfo, 0, len(t.Partition.Definitions))
	for _, def := range t.Partition.Definitions {
		clone := *t
		clone.Partition = nil
		clone.ID = def.ID
		out = append(out, clone)
	}
	return out
}
