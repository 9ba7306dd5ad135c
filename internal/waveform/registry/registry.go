// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry maps a canonical stream name to its (stream_id,
// data_table) pair, lazily provisioning new streams on the writer path
// (spec.md §4.D).
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/uofuseismo/uwaveserver/pkg/log"
)

// NotFound is the sentinel stream id returned by a reader-mode lookup that
// finds no matching row (spec.md §4.D step 5).
const NotFound int64 = -1

// Mode selects writer-mode (create-on-miss) vs reader-mode (miss is not an
// error) lookup behavior.
type Mode int

const (
	ReaderMode Mode = iota
	WriterMode
)

// Entry is a resolved stream's identity and backing table.
type Entry struct {
	StreamID int64
	Table    string
}

var errStreamNotFound = errors.New("waveform/registry: stream not found")

// canonicalName mirrors packet.Packet.Name()'s NET.STA.CHA[.LOC] format
// without importing the packet package, so the registry stays usable from
// contexts that only have the four identifier strings.
func canonicalName(network, station, channel, location string) string {
	name := network + "." + station + "." + channel
	if location != "" {
		name += "." + location
	}
	return name
}

// Registry caches name -> (stream_id, data_table) lookups, guarded by its
// own lock, and serializes access to the database session separately
// (spec.md §4.D).
type Registry struct {
	db     *sqlx.DB
	schema string

	cacheMu sync.RWMutex
	cache   map[string]Entry

	dbMu sync.Mutex
}

// New constructs a registry bound to db. If schema is non-empty, the
// stored procedure invoked on a cache miss is the `_in_schema` variant.
func New(db *sqlx.DB, schema string) *Registry {
	return &Registry{db: db, schema: schema, cache: make(map[string]Entry)}
}

// SetDB swaps the registry's database handle, used by the writer after a
// reconnect so lookups stop targeting the dropped session.
func (r *Registry) SetDB(db *sqlx.DB) {
	r.dbMu.Lock()
	r.db = db
	r.dbMu.Unlock()
}

// Load preloads the cache with every row in the streams table, per
// spec.md §4.D ("At startup the registry loads all rows from the streams
// table").
func (r *Registry) Load() error {
	r.dbMu.Lock()
	rows, err := r.db.Query(`SELECT network, station, channel, location, stream_id, data_table FROM streams`)
	r.dbMu.Unlock()
	if err != nil {
		return fmt.Errorf("waveform/registry: load streams: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var network, station, channel, location, table string
		var streamID int64
		if err := rows.Scan(&network, &station, &channel, &location, &streamID, &table); err != nil {
			return fmt.Errorf("waveform/registry: scan streams row: %w", err)
		}
		name := canonicalName(network, station, channel, location)
		r.cacheMu.Lock()
		r.cache[name] = Entry{StreamID: streamID, Table: table}
		r.cacheMu.Unlock()
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("waveform/registry: iterate streams: %w", err)
	}
	log.Infof("waveform/registry: loaded %d stream(s)", loaded)
	return nil
}

// Resolve returns the (stream_id, data_table) pair for the given
// identifiers, following the five steps in spec.md §4.D.
func (r *Registry) Resolve(network, station, channel, location string, mode Mode) (Entry, error) {
	name := canonicalName(network, station, channel, location)

	// Step 1: cached value.
	if e, ok := r.lookupCache(name); ok {
		return e, nil
	}

	// Step 2: query the streams table.
	e, ok, err := r.queryStreamsTable(network, station, channel, location)
	if err != nil {
		return Entry{}, err
	}
	if ok {
		r.storeCache(name, e)
		return e, nil
	}

	if mode != WriterMode {
		// Step 5: reader mode, not found.
		return Entry{StreamID: NotFound}, nil
	}

	// Step 3: writer mode, create via the stored procedure and re-query.
	if err := r.createStreamDataTable(network, station, channel, location); err != nil {
		return Entry{}, fmt.Errorf("waveform/registry: create stream data table: %w", err)
	}
	e, ok, err = r.queryStreamsTable(network, station, channel, location)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		// Step 4: still missing after the stored procedure ran.
		log.Critf("waveform/registry: stream %s not found after creation", name)
		return Entry{}, errStreamNotFound
	}
	r.storeCache(name, e)
	return e, nil
}

func (r *Registry) lookupCache(name string) (Entry, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	e, ok := r.cache[name]
	return e, ok
}

func (r *Registry) storeCache(name string, e Entry) {
	r.cacheMu.Lock()
	r.cache[name] = e
	r.cacheMu.Unlock()
}

func (r *Registry) queryStreamsTable(network, station, channel, location string) (Entry, bool, error) {
	r.dbMu.Lock()
	defer r.dbMu.Unlock()

	var streamID int64
	var table string
	err := r.db.QueryRow(
		`SELECT stream_id, data_table FROM streams WHERE network = $1 AND station = $2 AND channel = $3 AND location = $4`,
		network, station, channel, location,
	).Scan(&streamID, &table)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("waveform/registry: query streams: %w", err)
	}
	return Entry{StreamID: streamID, Table: table}, true, nil
}

// createStreamDataTable invokes the schema-defined stored procedure that
// creates the data table, configures time partitioning, the column-store
// ordering, the chunk-skipping index on stream_id, and the retention
// policy (spec.md §4.D). Inserts at the row level are on-conflict-do-
// nothing, so two processes racing to create the same stream converge on
// one row.
func (r *Registry) createStreamDataTable(network, station, channel, location string) error {
	proc := "create_stream_data_table_with_defaults"
	args := []interface{}{network, station, channel, location}
	if r.schema != "" {
		proc = "create_stream_data_table_with_defaults_in_schema"
		args = append([]interface{}{r.schema}, args...)
	}

	placeholders := make([]string, len(args))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("SELECT %s(%s)", proc, strings.Join(placeholders, ", "))

	r.dbMu.Lock()
	defer r.dbMu.Unlock()
	if _, err := r.db.Exec(query, args...); err != nil {
		return err
	}
	return nil
}
