// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package schema

import (
	"bytes"

	"github.com/goccy/go-json"
	log "github.com/erigontech/erigon-lib/log/v3"

	"github.com/tikvexport/tidbexport/internal/errs"
	"github.com/tikvexport/tidbexport/internal/keycodec"
	"github.com/tikvexport/tidbexport/internal/kv"
	"github.com/tikvexport/tidbexport/internal/writeref"
)

// Reader lists databases and tables out of a KV store's write/default
// column families. Grounded on
// original_source/src/storagenode.rs::get_databases and
// ::get_table_info_by_dbid.
type Reader struct {
	store kv.Store
	log   log.Logger
}

// NewReader constructs a Reader over an already-opened store.
func NewReader(store kv.Store, logger log.Logger) *Reader {
	if logger == nil {
		logger = log.Root()
	}
	return &Reader{store: store, log: logger}
}

// ListDatabases scans the write CF's `mDB:` range, keeping only the
// first (latest) record per user key. Lock/Rollback markers are
// skipped; Delete excludes the database; Put's inline short value is
// JSON-decoded as a DBInfo. Per-record decode failures are tolerated
// (skip and continue) per the schema-reader propagation policy; a
// failure to open the write CF itself is returned to the caller.
func (r *Reader) ListDatabases() ([]DBInfo, error) {
	lower, upper := keycodec.EncodeMetaDBRange(-1)
	it, err := r.store.IterRange(kv.CFWrite, lower, upper)
	if err != nil {
		return nil, &errs.StorageNodeErr{Msg: err.Error()}
	}
	defer it.Close()

	var out []DBInfo
	var curUserKey []byte
	for it.Valid() {
		userKey, err := keycodec.StripMVCCSuffix(it.Key())
		if err != nil {
			if e := it.Next(); e != nil {
				return nil, &errs.StorageNodeErr{Msg: e.Error()}
			}
			continue
		}
		if bytes.Equal(curUserKey, userKey) {
			if e := it.Next(); e != nil {
				return nil, &errs.StorageNodeErr{Msg: e.Error()}
			}
			continue
		}

		wr, err := writeref.Parse(it.Value())
		if err != nil {
			if e := it.Next(); e != nil {
				return nil, &errs.StorageNodeErr{Msg: e.Error()}
			}
			continue
		}
		switch wr.Type {
		case writeref.TypeLock, writeref.TypeRollback:
			if e := it.Next(); e != nil {
				return nil, &errs.StorageNodeErr{Msg: e.Error()}
			}
			continue
		}

		curUserKey = append([]byte(nil), userKey...)

		if wr.Type == writeref.TypeDelete {
			if e := it.Next(); e != nil {
				return nil, &errs.StorageNodeErr{Msg: e.Error()}
			}
			continue
		}

		var db DBInfo
		if err := json.Unmarshal(wr.ShortValue, &db); err != nil {
			r.log.Debug("database meta parse error", "data", string(wr.ShortValue))
			if e := it.Next(); e != nil {
				return nil, &errs.StorageNodeErr{Msg: e.Error()}
			}
			continue
		}
		out = append(out, db)

		if e := it.Next(); e != nil {
			return nil, &errs.StorageNodeErr{Msg: e.Error()}
		}
	}
	return out, nil
}

// ListTables scans the default CF under dbID's per-db key range,
// JSON-decoding each value as a TableInfo. Per table-id, the Public
// version with the greatest UpdateTimestamp is kept; the greatest
// UpdateTimestamp seen in DeleteOnly state is tracked; at the end, any
// kept Public entry whose UpdateTimestamp is <= its table's DeleteOnly
// max is discarded, since that means the table was dropped after that
// version was published.
func (r *Reader) ListTables(dbID int64) ([]TableInfo, error) {
	lower, upper := keycodec.EncodeMetaDBRange(dbID)
	it, err := r.store.IterRange(kv.CFDefault, lower, upper)
	if err != nil {
		return nil, &errs.StorageNodeErr{Msg: err.Error()}
	}
	defer it.Close()

	kept := make(map[int64]TableInfo)
	deletedAt := make(map[int64]int64)

	for it.Valid() {
		var t TableInfo
		if err := json.Unmarshal(it.Value(), &t); err != nil {
			r.log.Debug("table info parse error", "data", string(it.Value()))
			if e := it.Next(); e != nil {
				return nil, &errs.StorageNodeErr{Msg: e.Error()}
			}
			continue
		}

		if t.State != StatePublic {
			if t.State == StateDeleteOnly {
				if cur, ok := deletedAt[t.ID]; !ok || cur < t.UpdateTimestamp {
					deletedAt[t.ID] = t.UpdateTimestamp
				}
			}
			if e := it.Next(); e != nil {
				return nil, &errs.StorageNodeErr{Msg: e.Error()}
			}
			continue
		}

		if old, ok := kept[t.ID]; !ok || old.UpdateTimestamp < t.UpdateTimestamp {
			kept[t.ID] = t
		}

		if e := it.Next(); e != nil {
			return nil, &errs.StorageNodeErr{Msg: e.Error()}
		}
	}

	for tableID, deleteTime := range deletedAt {
		if entry, ok := kept[tableID]; ok && entry.UpdateTimestamp <= deleteTime {
			delete(kept, tableID)
		}
	}

	out := make([]TableInfo, 0, len(kept))
	for _, t := range kept {
		out = append(out, t)
	}
	return out, nil
}
