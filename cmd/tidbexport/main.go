// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Command tidbexport dumps table rows out of a TiDB/TiKV data directory
// directly, bypassing the SQL layer. Grounded on
// original_source/src/main.rs's Cli/main: the same database/table
// lookup-or-list fallback, the same partition expansion, translated from
// clap onto spf13/cobra.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/spf13/cobra"

	"github.com/tikvexport/tidbexport/internal/engine"
	"github.com/tikvexport/tidbexport/internal/exportpipeline"
	"github.com/tikvexport/tidbexport/internal/keycodec"
	"github.com/tikvexport/tidbexport/internal/kv"
	"github.com/tikvexport/tidbexport/internal/schema"
	"github.com/tikvexport/tidbexport/internal/sink"
)

type cliOptions struct {
	path      string
	database  string
	table     string
	writer    string
	export    string
	gzip      bool
	fileSize  string
	threadNum int
	debug     bool
}

func main() {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "tidbexport",
		Short: "Export TiDB table rows directly from a TiKV data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&opts.path, "path", "p", "", "TiKV data directory path")
	flags.StringVarP(&opts.database, "database", "d", "", "database name for listing tables or exporting")
	flags.StringVarP(&opts.table, "table", "t", "", "table name to export, must belong to --database")
	flags.StringVarP(&opts.writer, "writer", "w", "", "output format (only 'csv' supported)")
	flags.StringVarP(&opts.export, "export", "e", "", "output path/stem, required once --writer is set")
	flags.BoolVarP(&opts.gzip, "gzip", "g", false, "gzip-compress output files")
	flags.StringVarP(&opts.fileSize, "file-size", "s", "0", "maximum bytes per output file (bare MB integer or datasize suffix); 0 disables rotation")
	flags.IntVarP(&opts.threadNum, "thread-num", "n", 3, "formatter worker count")
	flags.BoolVar(&opts.debug, "debug", false, "dump corrupted payloads before fatal exit")
	root.MarkFlagRequired("path")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *cliOptions) error {
	logger := log.New()

	store, err := kv.OpenReadOnly(opts.path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reader := schema.NewReader(store, logger)

	if opts.database == "" {
		return printDatabases(reader)
	}

	dbs, err := reader.ListDatabases()
	if err != nil {
		return err
	}
	db, ok := findDB(dbs, opts.database)
	if !ok {
		fmt.Printf("not found database: %s\n", opts.database)
		return printDatabases(reader)
	}

	if opts.table == "" {
		return printTables(reader, db.ID)
	}

	tables, err := reader.ListTables(db.ID)
	if err != nil {
		return err
	}
	table, ok := findTable(tables, opts.table)
	if !ok {
		fmt.Printf("not found table: %s\n", opts.table)
		return printTables(reader, db.ID)
	}

	if opts.writer != "csv" {
		return fmt.Errorf("unsupported writer %q: only csv is supported", opts.writer)
	}
	if opts.export == "" {
		return fmt.Errorf("--export is required when --writer is set")
	}

	maxFileSize, err := parseFileSize(opts.fileSize)
	if err != nil {
		return fmt.Errorf("invalid --file-size %q: %w", opts.fileSize, err)
	}

	s, err := sink.Open(opts.export, maxFileSize, opts.gzip)
	if err != nil {
		return err
	}
	defer s.Close()

	targets := []schema.TableInfo{table}
	if table.HasPartitions() {
		targets = table.PartitionTableInfos()
	}

	for _, t := range targets {
		if err := exportTable(store, &t, s, opts, logger); err != nil {
			return err
		}
	}
	return nil
}

func exportTable(store kv.Store, info *schema.TableInfo, s *sink.Sink, opts *cliOptions, logger log.Logger) error {
	lower, upper := keycodec.EncodeTableRowRange(info.ID)

	defaultIter, err := store.IterRange(kv.CFDefault, lower, upper)
	if err != nil {
		return err
	}
	writeIter, err := store.IterRange(kv.CFWrite, lower, upper)
	if err != nil {
		defaultIter.Close()
		return err
	}

	eng := engine.New(info, defaultIter, writeIter)
	written, err := exportpipeline.Run(eng, info, s, exportpipeline.Options{
		ThreadNum: opts.threadNum,
		Debug:     opts.debug,
	}, logger)
	if err != nil {
		return err
	}
	logger.Info("table exported", "table", info.Name.O, "id", info.ID, "rows", written)
	return nil
}

func printDatabases(reader *schema.Reader) error {
	dbs, err := reader.ListDatabases()
	if err != nil {
		return err
	}
	for _, db := range dbs {
		fmt.Printf("%d, %s\n", db.ID, db.Name.L)
	}
	return nil
}

func printTables(reader *schema.Reader, dbID int64) error {
	tables, err := reader.ListTables(dbID)
	if err != nil {
		return err
	}
	for _, t := range tables {
		fmt.Printf("%d, %s\n", t.ID, t.Name.L)
	}
	return nil
}

func findDB(dbs []schema.DBInfo, name string) (schema.DBInfo, bool) {
	for _, db := range dbs {
		if db.Name.L == name {
			return db, true
		}
	}
	return schema.DBInfo{}, false
}

func findTable(tables []schema.TableInfo, name string) (schema.TableInfo, bool) {
	for _, t := range tables {
		if t.Name.L == name {
			return t, true
		}
	}
	return schema.TableInfo{}, false
}

// parseFileSize accepts either a bare MB integer (spec.md's original
// unit) or a datasize-suffixed value like "512MB"; 0 disables rotation.
func parseFileSize(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n * 1024 * 1024, nil
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return int64(v.Bytes()), nil
}
