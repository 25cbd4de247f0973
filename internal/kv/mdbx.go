// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erigontech/mdbx-go/mdbx"
	"github.com/pkg/errors"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/tikvexport/tidbexport/internal/errs"
)

// cfNames lists every column family the environment is opened with. raft
// and lock are opened (the engine requires every DBI it was created with
// to be present) but never cursor-iterated by this module; see
// SPEC_FULL.md §3.1.
var cfNames = []CF{CFDefault, CFWrite, CFLock, CFRaft}

// MdbxStore is a Store backed by github.com/erigontech/mdbx-go, opened
// read-only against a TiKV data directory. It stands in for "directly
// access the column-family store" without a running TiKV transactional
// runtime.
type MdbxStore struct {
	env  *mdbx.Env
	dbis map[CF]mdbx.DBI
	log  log.Logger
}

// OpenReadOnly opens path as a read-only MDBX environment. Opening is
// retried with exponential backoff for up to 30s: a TiDB node that was
// just stopped can hold the data directory's advisory lock briefly while
// its own storage engine finishes flushing.
func OpenReadOnly(path string, logger log.Logger) (*MdbxStore, error) {
	if logger == nil {
		logger = log.Root()
	}

	env, err := mdbx.NewEnv(mdbx.Default)
	if err != nil {
		return nil, &errs.StorageNodeErr{Msg: err.Error()}
	}
	if err := env.SetOption(mdbx.OptMaxDB, uint64(len(cfNames))); err != nil {
		return nil, &errs.StorageNodeErr{Msg: err.Error()}
	}

	open := func() error {
		return env.Open(path, mdbx.Readonly|mdbx.NoSubdir|mdbx.NoTLS, 0o664)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(open, backoff.WithContext(bo, context.Background())); err != nil {
		return nil, &errs.StorageNodeErr{Msg: errors.Wrapf(err, "open mdbx env %s", path).Error()}
	}

	dbis := make(map[CF]mdbx.DBI, len(cfNames))
	err = env.View(func(txn *mdbx.Txn) error {
		for _, cf := range cfNames {
			dbi, err := txn.OpenDBI(string(cf), 0, nil, nil)
			if err != nil {
				return fmt.Errorf("open cf %q: %w", cf, err)
			}
			dbis[cf] = dbi
		}
		return nil
	})
	if err != nil {
		env.Close()
		return nil, &errs.StorageNodeErr{Msg: err.Error()}
	}

	logger.Info("kv store opened", "path", path, "cfs", len(dbis))
	return &MdbxStore{env: env, dbis: dbis, log: logger}, nil
}

// IterRange implements Store.
func (s *MdbxStore) IterRange(cf CF, lower, upper []byte) (Iterator, error) {
	dbi, ok := s.dbis[cf]
	if !ok {
		return nil, &errs.StorageNodeErr{Msg: fmt.Sprintf("cf %s not exists.", cf)}
	}

	txn, err := s.env.BeginTxn(nil, mdbx.Readonly)
	if err != nil {
		return nil, &errs.StorageNodeErr{Msg: err.Error()}
	}
	txn.RawRead = true

	cur, err := txn.OpenCursor(dbi)
	if err != nil {
		txn.Abort()
		return nil, &errs.StorageNodeErr{Msg: err.Error()}
	}

	it := &mdbxIterator{txn: txn, cur: cur, upper: upper}
	if err := it.seek(lower); err != nil {
		it.Close()
		return nil, err
	}
	return it, nil
}

// Close releases the MDBX environment.
func (s *MdbxStore) Close() error {
	s.env.Close()
	return nil
}

type mdbxIterator struct {
	txn   *mdbx.Txn
	cur   *mdbx.Cursor
	upper []byte

	key, val []byte
	valid    bool
	closed   bool
}

func (it *mdbxIterator) seek(lower []byte) error {
	var k, v []byte
	var err error
	if len(lower) == 0 {
		k, v, err = it.cur.Get(nil, nil, mdbx.First)
	} else {
		k, v, err = it.cur.Get(lower, nil, mdbx.SetRange)
	}
	return it.store(k, v, err)
}

func (it *mdbxIterator) store(k, v []byte, err error) error {
	if mdbx.IsNotFound(err) {
		it.valid = false
		return nil
	}
	if err != nil {
		return &errs.StorageNodeErr{Msg: err.Error()}
	}
	if it.upper != nil && bytesCompare(k, it.upper) >= 0 {
		it.valid = false
		return nil
	}
	it.key, it.val, it.valid = k, v, true
	return nil
}

func (it *mdbxIterator) Valid() bool   { return it.valid }
func (it *mdbxIterator) Key() []byte   { return it.key }
func (it *mdbxIterator) Value() []byte { return it.val }

func (it *mdbxIterator) Next() error {
	if !it.valid {
		return nil
	}
	k, v, err := it.cur.Get(nil, nil, mdbx.Next)
	return it.store(k, v, err)
}

func (it *mdbxIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.cur.Close()
	it.txn.Abort()
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
