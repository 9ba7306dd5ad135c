// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package writer validates, resolves, encodes and inserts a single packet
// into its stream's data table (spec.md §4.E).
package writer

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/uofuseismo/uwaveserver/internal/waveform/codec"
	"github.com/uofuseismo/uwaveserver/internal/waveform/credentials"
	"github.com/uofuseismo/uwaveserver/internal/waveform/packet"
	"github.com/uofuseismo/uwaveserver/internal/waveform/registry"
	"github.com/uofuseismo/uwaveserver/pkg/log"
)

var (
	errMissingFields = errors.New("waveform/writer: network, station, channel or sampling_rate unset")
	errUnknownType   = errors.New("waveform/writer: data type is Unknown")
)

// Config holds the writer's retention threshold (spec.md §6 "Retention").
type Config struct {
	// RetentionDuration is the oldest acceptable packet age; a packet whose
	// end_time is older than now-RetentionDuration is rejected.
	RetentionDuration time.Duration
	// Compress enables deflate on the encoded sample array.
	Compress bool
	// CompressionLevel is passed through to the codec (default: "best").
	CompressionLevel int
}

// Writer inserts admitted packets into their resolved data table.
type Writer struct {
	db       *sqlx.DB
	registry *registry.Registry
	cfg      Config
	creds    credentials.Credentials

	// reconnect is credentials.Reconnect by default; tests substitute a
	// stub so the dropped-session path can be exercised without a real
	// Postgres server.
	reconnect func(credentials.Credentials) (*credentials.Connection, error)
}

// New constructs a writer bound to db and reg. creds is retained so the
// writer can reconnect on its own if the session drops (spec.md §4.E,
// §7 "transient I/O errors").
func New(db *sqlx.DB, reg *registry.Registry, cfg Config, creds credentials.Credentials) *Writer {
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = codec.CompressionBest
	}
	return &Writer{db: db, registry: reg, cfg: cfg, creds: creds, reconnect: credentials.Reconnect}
}

// ensureConnected pings the current session and, if it does not answer,
// reconnects once before the caller proceeds: a dropped session is
// recovered once per write, not retried indefinitely.
func (w *Writer) ensureConnected() error {
	if w.db.Ping() == nil {
		return nil
	}
	log.Warnf("waveform/writer: database session dropped, reconnecting")
	conn, err := w.reconnect(w.creds)
	if err != nil {
		return fmt.Errorf("waveform/writer: reconnect: %w", err)
	}
	w.db = conn.DB()
	w.registry.SetDB(w.db)
	return nil
}

// Write performs the five steps in spec.md §4.E. It returns (false, nil)
// for the warn-and-skip cases (empty sample array, expired packet) so
// callers can distinguish "nothing written, no error" from a fatal error.
func (w *Writer) Write(p *packet.Packet) (bool, error) {
	if err := w.ensureConnected(); err != nil {
		return false, err
	}

	network, err := p.Network()
	if err != nil {
		return false, errMissingFields
	}
	station, err := p.Station()
	if err != nil {
		return false, errMissingFields
	}
	channel, err := p.Channel()
	if err != nil {
		return false, errMissingFields
	}
	if _, err := p.SamplingRate(); err != nil {
		return false, errMissingFields
	}

	if p.NumberOfSamples() == 0 {
		log.Warnf("waveform/writer: empty sample array for %s.%s.%s, skipping", network, station, channel)
		return false, nil
	}
	if p.SampleType() == packet.Unknown {
		return false, errUnknownType
	}

	startUS, err := p.StartTimeMicroSeconds()
	if err != nil {
		return false, errMissingFields
	}
	endUS, err := p.EndTimeMicroSeconds()
	if err != nil {
		return false, err
	}

	// Step 2: reject expired packets (warn, no error).
	if w.cfg.RetentionDuration > 0 {
		cutoffUS := time.Now().Add(-w.cfg.RetentionDuration).UnixMicro()
		if endUS < cutoffUS {
			log.Warnf("waveform/writer: packet for %s.%s.%s expired (end_time < retention cutoff), skipping",
				network, station, channel)
			return false, nil
		}
	}

	location := p.Location()

	// Step 3: resolve (stream_id, table), creating the stream if absent.
	entry, err := w.registry.Resolve(network, station, channel, location, registry.WriterMode)
	if err != nil {
		return false, fmt.Errorf("waveform/writer: resolve stream: %w", err)
	}

	// Step 4: encode the sample array and choose the data_type tag.
	tag, err := p.SampleType().Tag()
	if err != nil {
		return false, err
	}
	data, err := encode(p, w.cfg.Compress, w.cfg.CompressionLevel)
	if err != nil {
		return false, fmt.Errorf("waveform/writer: encode: %w", err)
	}

	// Step 5: insert, on-conflict-do-nothing on (stream_id, start_time).
	// little_endian is always written true: the codec always emits
	// little-endian bytes regardless of host endianness.
	query := fmt.Sprintf(`
		INSERT INTO %s (
			stream_id, start_time, end_time, sampling_rate, number_of_samples,
			little_endian, compressed, data_type, data
		) VALUES (
			$1, to_timestamp($2), to_timestamp($3), $4, $5, true, $6, $7, $8
		) ON CONFLICT (stream_id, start_time) DO NOTHING`, entry.Table)

	_, err = w.db.Exec(query,
		entry.StreamID,
		float64(startUS)/1e6,
		float64(endUS)/1e6,
		mustRate(p),
		p.NumberOfSamples(),
		w.cfg.Compress,
		string(tag),
		data,
	)
	if err != nil {
		return false, fmt.Errorf("waveform/writer: insert row: %w", err)
	}
	return true, nil
}

func mustRate(p *packet.Packet) float64 {
	rate, _ := p.SamplingRate()
	return rate
}

func encode(p *packet.Packet, compressed bool, level int) ([]byte, error) {
	switch p.SampleType() {
	case packet.Int32:
		xs, _ := p.ViewInt32()
		return codec.EncodeInt32(xs, compressed, level)
	case packet.Int64:
		xs, _ := p.ViewInt64()
		return codec.EncodeInt64(xs, compressed, level)
	case packet.Float32:
		xs, _ := p.ViewFloat32()
		return codec.EncodeFloat32(xs, compressed, level)
	case packet.Float64:
		xs, _ := p.ViewFloat64()
		return codec.EncodeFloat64(xs, compressed, level)
	case packet.Text:
		xs, _ := p.ViewText()
		return codec.EncodeText(xs, compressed, level)
	default:
		return nil, errUnknownType
	}
}
