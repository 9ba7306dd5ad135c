// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reader implements the two range queries exposed to callers:
// a single-stream query and an all-channels-for-station query
// (spec.md §4.F).
package reader

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/uofuseismo/uwaveserver/internal/waveform/codec"
	"github.com/uofuseismo/uwaveserver/internal/waveform/packet"
	"github.com/uofuseismo/uwaveserver/internal/waveform/registry"
	"github.com/uofuseismo/uwaveserver/pkg/log"
)

var (
	errBadRange        = errors.New("waveform/reader: t0 must be less than t1")
	errEmptyIdentifier = errors.New("waveform/reader: identifiers must not be empty")
)

// Reader executes range queries against the resolved data tables.
type Reader struct {
	db       *sqlx.DB
	registry *registry.Registry
}

// New constructs a reader bound to db and reg.
func New(db *sqlx.DB, reg *registry.Registry) *Reader {
	return &Reader{db: db, registry: reg}
}

type row struct {
	StartTime       float64 `db:"start_time"`
	SamplingRate    float64 `db:"sampling_rate"`
	NumberOfSamples int     `db:"number_of_samples"`
	LittleEndian    bool    `db:"little_endian"`
	Compressed      bool    `db:"compressed"`
	DataType        string  `db:"data_type"`
	Data            []byte  `db:"data"`
}

func decodeRow(r row, network, station, channel, location string) (*packet.Packet, error) {
	p := &packet.Packet{}
	if err := p.SetNetwork(network); err != nil {
		return nil, err
	}
	if err := p.SetStation(station); err != nil {
		return nil, err
	}
	if err := p.SetChannel(channel); err != nil {
		return nil, err
	}
	if err := p.SetLocation(location); err != nil {
		return nil, err
	}
	if err := p.SetSamplingRate(r.SamplingRate); err != nil {
		return nil, err
	}
	p.SetStartTimeSeconds(r.StartTime)

	n := r.NumberOfSamples
	switch r.DataType {
	case "i":
		xs, err := codec.DecodeInt32(r.Data, n, r.LittleEndian, r.Compressed)
		if err != nil {
			return nil, err
		}
		p.SetInt32Samples(xs)
	case "l":
		xs, err := codec.DecodeInt64(r.Data, n, r.LittleEndian, r.Compressed)
		if err != nil {
			return nil, err
		}
		p.SetInt64Samples(xs)
	case "f":
		xs, err := codec.DecodeFloat32(r.Data, n, r.LittleEndian, r.Compressed)
		if err != nil {
			return nil, err
		}
		p.SetFloat32Samples(xs)
	case "d":
		xs, err := codec.DecodeFloat64(r.Data, n, r.LittleEndian, r.Compressed)
		if err != nil {
			return nil, err
		}
		p.SetFloat64Samples(xs)
	case "t":
		xs, err := codec.DecodeText(r.Data, n, r.Compressed)
		if err != nil {
			return nil, err
		}
		p.SetTextSamples(xs)
	default:
		return nil, fmt.Errorf("waveform/reader: unknown data_type tag %q", r.DataType)
	}
	return p, nil
}

// Query executes the single-stream range query (spec.md §4.F). t0 and t1
// are Unix epoch seconds. cacheOnly skips the database round-trip,
// returning only what the registry already knows is absent (an empty
// result, since the reader has no in-memory sample cache).
func (r *Reader) Query(network, station, channel, location string, t0, t1 float64, cacheOnly bool) ([]*packet.Packet, error) {
	if network == "" || station == "" || channel == "" {
		return nil, errEmptyIdentifier
	}
	if t0 >= t1 {
		return nil, errBadRange
	}

	entry, err := r.registry.Resolve(network, station, channel, location, registry.ReaderMode)
	if err != nil {
		return nil, fmt.Errorf("waveform/reader: resolve stream: %w", err)
	}
	if entry.StreamID == registry.NotFound {
		return nil, nil
	}
	if cacheOnly {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT EXTRACT(epoch FROM start_time) AS start_time, sampling_rate, number_of_samples,
		       little_endian, compressed, data_type, data
		FROM %s
		WHERE stream_id = $1 AND end_time > to_timestamp($2) AND start_time < to_timestamp($3)`, entry.Table)

	rows, err := r.db.Queryx(query, entry.StreamID, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("waveform/reader: query %s: %w", entry.Table, err)
	}
	defer rows.Close()

	var packets []*packet.Packet
	for rows.Next() {
		var rw row
		if err := rows.StructScan(&rw); err != nil {
			return nil, fmt.Errorf("waveform/reader: scan row: %w", err)
		}
		p, err := decodeRow(rw, network, station, channel, location)
		if err != nil {
			log.Warnf("waveform/reader: skipping undecodable row for %s.%s.%s: %v", network, station, channel, err)
			continue
		}
		packets = append(packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("waveform/reader: iterate %s: %w", entry.Table, err)
	}

	sort.Slice(packets, func(i, j int) bool {
		si, _ := packets[i].StartTimeMicroSeconds()
		sj, _ := packets[j].StartTimeMicroSeconds()
		return si < sj
	})
	return packets, nil
}

// streamRef is a (name, stream_id, table) tuple used to group the
// per-station lookup by backing table.
type streamRef struct {
	name     string
	streamID int64
	table    string
}

// QueryStation executes the all-channels-for-station query (spec.md §4.F):
// look up every stream for the station, group by backing table, and run
// one IN (...) query per distinct table.
func (r *Reader) QueryStation(network, station string, t0, t1 float64, cacheOnly bool) (map[string][]*packet.Packet, error) {
	if network == "" || station == "" {
		return nil, errEmptyIdentifier
	}
	if t0 >= t1 {
		return nil, errBadRange
	}

	refs, err := r.streamsForStation(network, station)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]*packet.Packet)
	if len(refs) == 0 || cacheOnly {
		return result, nil
	}

	byTable := make(map[string][]streamRef)
	for _, ref := range refs {
		byTable[ref.table] = append(byTable[ref.table], ref)
	}

	for table, group := range byTable {
		ids := make([]int64, len(group))
		byID := make(map[int64]streamRef, len(group))
		for i, ref := range group {
			ids[i] = ref.streamID
			byID[ref.streamID] = ref
		}

		query := sq.Select(
			"stream_id",
			"EXTRACT(epoch FROM start_time) AS start_time",
			"sampling_rate", "number_of_samples", "little_endian", "compressed", "data_type", "data",
		).From(table).
			Where(sq.Eq{"stream_id": ids}).
			Where("end_time > to_timestamp(?)", t0).
			Where("start_time < to_timestamp(?)", t1).
			PlaceholderFormat(sq.Dollar)

		sqlStr, args, err := query.ToSql()
		if err != nil {
			return nil, fmt.Errorf("waveform/reader: build query for %s: %w", table, err)
		}

		rows, err := r.db.Queryx(sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("waveform/reader: query %s: %w", table, err)
		}

		for rows.Next() {
			var streamID int64
			var rw row
			if err := rows.Scan(&streamID, &rw.StartTime, &rw.SamplingRate, &rw.NumberOfSamples,
				&rw.LittleEndian, &rw.Compressed, &rw.DataType, &rw.Data); err != nil {
				rows.Close()
				return nil, fmt.Errorf("waveform/reader: scan row from %s: %w", table, err)
			}
			ref, ok := byID[streamID]
			if !ok {
				continue
			}
			parts := strings.SplitN(ref.name, ".", 4)
			channel := ""
			location := ""
			if len(parts) >= 3 {
				channel = parts[2]
			}
			if len(parts) == 4 {
				location = parts[3]
			}
			p, err := decodeRow(rw, network, station, channel, location)
			if err != nil {
				log.Warnf("waveform/reader: skipping undecodable row for %s: %v", ref.name, err)
				continue
			}
			result[ref.name] = append(result[ref.name], p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("waveform/reader: iterate %s: %w", table, err)
		}
		rows.Close()
	}

	for name := range result {
		packets := result[name]
		sort.Slice(packets, func(i, j int) bool {
			si, _ := packets[i].StartTimeMicroSeconds()
			sj, _ := packets[j].StartTimeMicroSeconds()
			return si < sj
		})
		result[name] = packets
	}
	return result, nil
}

func (r *Reader) streamsForStation(network, station string) ([]streamRef, error) {
	rows, err := r.db.Query(
		`SELECT network, station, channel, location, stream_id, data_table FROM streams WHERE network = $1 AND station = $2`,
		network, station,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("waveform/reader: list streams for station: %w", err)
	}
	defer rows.Close()

	var refs []streamRef
	for rows.Next() {
		var net, sta, cha, loc, table string
		var streamID int64
		if err := rows.Scan(&net, &sta, &cha, &loc, &streamID, &table); err != nil {
			return nil, fmt.Errorf("waveform/reader: scan stream row: %w", err)
		}
		name := net + "." + sta + "." + cha
		if loc != "" {
			name += "." + loc
		}
		refs = append(refs, streamRef{name: name, streamID: streamID, table: table})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("waveform/reader: iterate streams: %w", err)
	}
	return refs, nil
}
