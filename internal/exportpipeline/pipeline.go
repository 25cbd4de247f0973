// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package exportpipeline wires the row-reconstruction engine to N CSV
// formatter workers over a bounded channel, as described in spec §5:
// one producer, N consumers, one shared rotating sink. Grounded on
// original_source/src/export/csvexporter.rs's CsvExporter::start_export
// (thread-per-worker over a crossbeam_channel::Receiver<Vec<Box<RowData>>>)
// translated into goroutines over a buffered Go channel.
package exportpipeline

import (
	"sync"
	"sync/atomic"

	log "github.com/erigontech/erigon-lib/log/v3"

	"github.com/tikvexport/tidbexport/internal/engine"
	"github.com/tikvexport/tidbexport/internal/errs"
	"github.com/tikvexport/tidbexport/internal/formatter"
	"github.com/tikvexport/tidbexport/internal/schema"
	"github.com/tikvexport/tidbexport/internal/sink"
)

const (
	batchSize       = 100
	channelCapacity = 10
)

// Options configures one table's export run.
type Options struct {
	ThreadNum int // number of formatter workers; defaults to 3 if <= 0
	Debug     bool
}

// Run drains eng into batches of batchSize rows, fans them out over a
// channel of capacity channelCapacity to Options.ThreadNum formatter
// workers, and blocks until every row has been formatted and written to
// s. It returns the total number of rows written, and the first fatal
// error encountered by any worker or by the producer.
//
// Per the propagation policy, a decoder error is fatal: the first
// worker to hit one sets the shared error and every other goroutine
// drains to exit without emitting more rows, rather than silently
// dropping data that didn't fit the decoder's assumptions.
func Run(eng *engine.Engine, info *schema.TableInfo, s *sink.Sink, opts Options, logger log.Logger) (int64, error) {
	if logger == nil {
		logger = log.Root()
	}
	threadNum := opts.ThreadNum
	if threadNum <= 0 {
		threadNum = 3
	}

	ch := make(chan []*engine.RowImage, channelCapacity)

	var (
		errOnce  sync.Once
		errMu    sync.Mutex
		firstErr error
		failed   int32
		written  int64
	)
	fail := func(err error) {
		errOnce.Do(func() {
			errMu.Lock()
			firstErr = err
			errMu.Unlock()
			atomic.StoreInt32(&failed, 1)
		})
	}

	var wg sync.WaitGroup
	wg.Add(threadNum)
	for i := 0; i < threadNum; i++ {
		go func(workerID int) {
			defer wg.Done()
			w := formatter.NewCSVWriter(info, s)
			for batch := range ch {
				if atomic.LoadInt32(&failed) != 0 {
					continue // drain without doing more work once a sibling has failed
				}
				for _, row := range batch {
					n, err := w.WriteRow(row)
					if err != nil {
						logger.Error("row format failed", "worker", workerID, "handle", row.Handle, "err", err)
						if opts.Debug {
							errs.DumpCorrupted(err)
						}
						fail(err)
						break
					}
					atomic.AddInt64(&written, n)
				}
			}
			if err := w.Flush(); err != nil {
				fail(err)
			}
		}(i)
	}

	producerErr := produce(eng, ch)
	close(ch)
	wg.Wait()

	if producerErr != nil {
		return written, producerErr
	}
	errMu.Lock()
	defer errMu.Unlock()
	return written, firstErr
}

func produce(eng *engine.Engine, ch chan<- []*engine.RowImage) error {
	batch := make([]*engine.RowImage, 0, batchSize)
	for {
		row, err := eng.Next()
		if err != nil {
			return err
		}
		if row == nil {
			if len(batch) > 0 {
				ch <- batch
			}
			return nil
		}
		batch = append(batch, row)
		if len(batch) == batchSize {
			ch <- batch
			batch = make([]*engine.RowImage, 0, batchSize)
		}
	}
}
