// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package export serializes decoded packets into the wire formats exposed
// by the HTTP query surface: a fixed-size binary record stream
// (miniSEED2-style), a JSON-header binary variant (miniSEED3-style), and a
// structured JSON document (spec.md §4.H).
package export

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/uofuseismo/uwaveserver/internal/waveform/packet"
)

var errNoData = errors.New("waveform/export: no packets to pack")

// DefaultRecordLength is the fixed miniSEED2-style record size used unless
// a caller requests a different length.
const DefaultRecordLength = 512

// widestEncoding picks the data type wide enough to hold every packet's
// samples without loss, mirroring the original implementation's
// "maxEncodingInteger" selection: int32 < float32 < float64, and int64 is
// always packed as float64.
type widestEncoding int

const (
	encodingInt32 widestEncoding = iota
	encodingFloat32
	encodingFloat64
)

func packetEncoding(p *packet.Packet) (widestEncoding, error) {
	switch p.SampleType() {
	case packet.Int32:
		return encodingInt32, nil
	case packet.Float32:
		return encodingFloat32, nil
	case packet.Float64, packet.Int64:
		return encodingFloat64, nil
	default:
		return 0, fmt.Errorf("waveform/export: unsupported data type %s", p.SampleType())
	}
}

func widestOf(packets []*packet.Packet) (widestEncoding, error) {
	best := widestEncoding(-1)
	for _, p := range packets {
		if p.NumberOfSamples() == 0 {
			continue
		}
		enc, err := packetEncoding(p)
		if err != nil {
			return 0, err
		}
		if enc > best {
			best = enc
		}
	}
	if best < 0 {
		return 0, errNoData
	}
	return best, nil
}

// record is one fixed-length miniSEED2-style record's logical content
// before it is packed to bytes.
type record struct {
	network      string
	station      string
	channel      string
	location     string
	startTimeNS  int64
	samplingRate float64
	numSamples   int
	sampleType   byte
	payload      []byte
}

func packetsToRecords(packets []*packet.Packet, enc widestEncoding) ([]record, error) {
	records := make([]record, 0, len(packets))
	for _, p := range packets {
		if p.NumberOfSamples() == 0 {
			continue
		}
		network, err := p.Network()
		if err != nil {
			continue
		}
		station, err := p.Station()
		if err != nil {
			continue
		}
		channel, err := p.Channel()
		if err != nil {
			continue
		}
		startUS, err := p.StartTimeMicroSeconds()
		if err != nil {
			continue
		}
		rate, err := p.SamplingRate()
		if err != nil {
			continue
		}

		payload, tag, err := packPayload(p, enc)
		if err != nil {
			return nil, err
		}

		records = append(records, record{
			network:      network,
			station:      station,
			channel:      channel,
			location:     p.ExportLocation(),
			startTimeNS:  startUS * 1000,
			samplingRate: rate,
			numSamples:   p.NumberOfSamples(),
			sampleType:   tag,
			payload:      payload,
		})
	}
	if len(records) == 0 {
		return nil, errNoData
	}
	return records, nil
}

// DefaultMergeToleranceFraction is the fraction of one sample period treated
// as contiguous when merging same-stream records into a trace list,
// mirroring libmseed's default merge tolerance of half a sample period
// (the original implementation passes a NULL MS3Tolerance to
// mstl3_addmsr_recordptr, which falls back to this same default).
const DefaultMergeToleranceFraction = 0.5

// mergeRecords groups records by stream identity, sorts each group by start
// time, and concatenates adjacent records into a single trace whenever the
// gap between them is within toleranceFraction of one sample period and
// their sampling rates match (spec.md §4.H: "records for the same stream are
// merged into a trace list under a configurable time tolerance").
func mergeRecords(records []record, toleranceFraction float64) []record {
	if toleranceFraction <= 0 {
		toleranceFraction = DefaultMergeToleranceFraction
	}

	byStream := make(map[string][]record)
	order := make([]string, 0)
	for _, r := range records {
		key := r.network + "." + r.station + "." + r.channel + "." + r.location
		if _, ok := byStream[key]; !ok {
			order = append(order, key)
		}
		byStream[key] = append(byStream[key], r)
	}

	merged := make([]record, 0, len(records))
	for _, key := range order {
		group := byStream[key]
		sort.Slice(group, func(i, j int) bool { return group[i].startTimeNS < group[j].startTimeNS })

		current := group[0]
		for _, next := range group[1:] {
			contiguous := false
			if current.samplingRate == next.samplingRate && current.samplingRate > 0 {
				periodNS := int64(1e9 / current.samplingRate)
				expectedStart := current.startTimeNS + int64(current.numSamples)*periodNS
				tolNS := int64(float64(periodNS) * toleranceFraction)
				gap := next.startTimeNS - expectedStart
				if gap < 0 {
					gap = -gap
				}
				contiguous = gap <= tolNS
			}
			if contiguous {
				current.payload = append(current.payload, next.payload...)
				current.numSamples += next.numSamples
			} else {
				merged = append(merged, current)
				current = next
			}
		}
		merged = append(merged, current)
	}
	return merged
}

// packPayload converts a packet's samples to the widest common encoding's
// little-endian byte representation, up-converting narrower types as the
// original implementation does when packing a mixed-type trace list.
func packPayload(p *packet.Packet, enc widestEncoding) ([]byte, byte, error) {
	switch enc {
	case encodingInt32:
		xs, _ := p.ViewInt32()
		buf := make([]byte, 4*len(xs))
		for i, x := range xs {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(x))
		}
		return buf, 'i', nil
	case encodingFloat32:
		xs32, ok := p.ViewInt32()
		var floats []float32
		if ok {
			floats = make([]float32, len(xs32))
			for i, x := range xs32 {
				floats[i] = float32(x)
			}
		} else {
			floats, ok = p.ViewFloat32()
			if !ok {
				return nil, 0, fmt.Errorf("waveform/export: cannot widen %s to float32", p.SampleType())
			}
		}
		buf := make([]byte, 4*len(floats))
		for i, f := range floats {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
		}
		return buf, 'f', nil
	case encodingFloat64:
		var doubles []float64
		switch p.SampleType() {
		case packet.Int32:
			xs, _ := p.ViewInt32()
			doubles = make([]float64, len(xs))
			for i, x := range xs {
				doubles[i] = float64(x)
			}
		case packet.Int64:
			xs, _ := p.ViewInt64()
			doubles = make([]float64, len(xs))
			for i, x := range xs {
				doubles[i] = float64(x)
			}
		case packet.Float32:
			xs, _ := p.ViewFloat32()
			doubles = make([]float64, len(xs))
			for i, x := range xs {
				doubles[i] = float64(x)
			}
		case packet.Float64:
			doubles, _ = p.ViewFloat64()
		default:
			return nil, 0, fmt.Errorf("waveform/export: cannot widen %s to float64", p.SampleType())
		}
		buf := make([]byte, 8*len(doubles))
		for i, d := range doubles {
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(d))
		}
		return buf, 'd', nil
	default:
		return nil, 0, fmt.Errorf("waveform/export: unhandled encoding %d", enc)
	}
}

// EncodeMiniSEED2 packs the packets into a concatenated stream of
// fixed-size records (default 512 bytes) using the default merge
// tolerance; see EncodeMiniSEED2WithTolerance.
func EncodeMiniSEED2(packets []*packet.Packet, recordLength int) ([]byte, error) {
	return EncodeMiniSEED2WithTolerance(packets, recordLength, DefaultMergeToleranceFraction)
}

// EncodeMiniSEED2WithTolerance packs the packets into a concatenated stream
// of fixed-size records (default 512 bytes), selecting the widest payload
// encoding present across the packet list, merging same-stream records
// within toleranceFraction of a sample period into shared traces, and
// splitting any trace whose payload would overflow recordLength into
// multiple records for the same stream (spec.md §4.H).
func EncodeMiniSEED2WithTolerance(packets []*packet.Packet, recordLength int, toleranceFraction float64) ([]byte, error) {
	if recordLength <= 0 {
		recordLength = DefaultRecordLength
	}
	enc, err := widestOf(packets)
	if err != nil {
		return nil, err
	}
	records, err := packetsToRecords(packets, enc)
	if err != nil {
		return nil, err
	}
	records = mergeRecords(records, toleranceFraction)

	var out bytes.Buffer
	headerLen := 64 // fixed fields before the payload, see packRecord
	maxPayload := recordLength - headerLen
	if maxPayload <= 0 {
		return nil, fmt.Errorf("waveform/export: record length %d too small for header", recordLength)
	}
	elementSize := elementSizeFor(enc)
	maxSamplesPerRecord := maxPayload / elementSize
	if maxSamplesPerRecord == 0 {
		return nil, fmt.Errorf("waveform/export: record length %d cannot hold one sample", recordLength)
	}

	for _, r := range records {
		samplesPerElement := len(r.payload) / elementSize
		for offset := 0; offset < samplesPerElement; offset += maxSamplesPerRecord {
			end := offset + maxSamplesPerRecord
			if end > samplesPerElement {
				end = samplesPerElement
			}
			chunk := r.payload[offset*elementSize : end*elementSize]
			chunkRecord := record{
				network:      r.network,
				station:      r.station,
				channel:      r.channel,
				location:     r.location,
				startTimeNS:  r.startTimeNS + int64(float64(offset)/r.samplingRate*1e9),
				samplingRate: r.samplingRate,
				numSamples:   end - offset,
				sampleType:   r.sampleType,
				payload:      chunk,
			}
			packRecord(&out, chunkRecord, recordLength)
		}
	}
	return out.Bytes(), nil
}

func elementSizeFor(enc widestEncoding) int {
	switch enc {
	case encodingInt32, encodingFloat32:
		return 4
	case encodingFloat64:
		return 8
	default:
		return 1
	}
}

func packRecord(out *bytes.Buffer, r record, recordLength int) {
	header := make([]byte, 0, 64)
	header = appendFixedString(header, r.network, 8)
	header = appendFixedString(header, r.station, 8)
	header = appendFixedString(header, r.channel, 8)
	header = appendFixedString(header, r.location, 8)
	startBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(startBuf, uint64(r.startTimeNS))
	header = append(header, startBuf...)
	rateBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(rateBuf, math.Float64bits(r.samplingRate))
	header = append(header, rateBuf...)
	nBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(nBuf, uint32(r.numSamples))
	header = append(header, nBuf...)
	header = append(header, r.sampleType)
	for len(header) < 64 {
		header = append(header, 0)
	}

	rec := make([]byte, recordLength)
	copy(rec, header)
	copy(rec[len(header):], r.payload)
	out.Write(rec)
}

func appendFixedString(dst []byte, s string, width int) []byte {
	b := make([]byte, width)
	copy(b, s)
	return append(dst, b...)
}

// miniSEED3Header is the JSON header preceding the raw little-endian
// payload in the miniSEED3-flavored record (no CRC, per
// original_source/lib/private/toMiniSEED.hpp's useMiniSEED3 path).
type miniSEED3Header struct {
	Network         string  `json:"network"`
	Station         string  `json:"station"`
	Channel         string  `json:"channel"`
	LocationCode    string  `json:"locationCode"`
	StartTimeNS     int64   `json:"startTimeNanoSeconds"`
	SamplingRate    float64 `json:"samplingRate"`
	NumberOfSamples int     `json:"numberOfSamples"`
	SampleType      string  `json:"sampleType"`
	PayloadLength   int     `json:"payloadLength"`
}

// EncodeMiniSEED3 packs each merged trace as a JSON header followed
// immediately by its raw little-endian payload, length-prefixed so a reader
// can find the next header without a fixed record size, using the default
// merge tolerance; see EncodeMiniSEED3WithTolerance.
func EncodeMiniSEED3(packets []*packet.Packet) ([]byte, error) {
	return EncodeMiniSEED3WithTolerance(packets, DefaultMergeToleranceFraction)
}

// EncodeMiniSEED3WithTolerance is EncodeMiniSEED3 with an explicit merge
// tolerance, expressed as a fraction of one sample period (spec.md §4.H).
func EncodeMiniSEED3WithTolerance(packets []*packet.Packet, toleranceFraction float64) ([]byte, error) {
	enc, err := widestOf(packets)
	if err != nil {
		return nil, err
	}
	records, err := packetsToRecords(packets, enc)
	if err != nil {
		return nil, err
	}
	records = mergeRecords(records, toleranceFraction)

	var out bytes.Buffer
	for _, r := range records {
		header := miniSEED3Header{
			Network:         r.network,
			Station:         r.station,
			Channel:         r.channel,
			LocationCode:    r.location,
			StartTimeNS:     r.startTimeNS,
			SamplingRate:    r.samplingRate,
			NumberOfSamples: r.numSamples,
			SampleType:      string(r.sampleType),
			PayloadLength:   len(r.payload),
		}
		hdrBytes, err := json.Marshal(header)
		if err != nil {
			return nil, fmt.Errorf("waveform/export: marshal miniSEED3 header: %w", err)
		}
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(hdrBytes)))
		out.Write(lenBuf)
		out.Write(hdrBytes)
		out.Write(r.payload)
	}
	return out.Bytes(), nil
}

// jsonPacket is one {sampling_rate, start_time_microseconds, samples}
// entry within a stream's group.
type jsonPacket struct {
	SamplingRate          float64     `json:"samplingRate"`
	StartTimeMicroSeconds int64       `json:"startTimeMicroSeconds"`
	Samples               interface{} `json:"samples"`
}

// jsonStreamGroup is one stream's network/station/channel/location plus
// its ordered packet list.
type jsonStreamGroup struct {
	Network      string       `json:"network"`
	Station      string       `json:"station"`
	Channel      string       `json:"channel"`
	LocationCode string       `json:"locationCode"`
	Packets      []jsonPacket `json:"packets"`
}

func samplesOf(p *packet.Packet) interface{} {
	switch p.SampleType() {
	case packet.Int32:
		xs, _ := p.ViewInt32()
		return xs
	case packet.Int64:
		xs, _ := p.ViewInt64()
		return xs
	case packet.Float32:
		xs, _ := p.ViewFloat32()
		return xs
	case packet.Float64:
		xs, _ := p.ViewFloat64()
		return xs
	case packet.Text:
		xs, _ := p.ViewText()
		return string(xs)
	default:
		return nil
	}
}

// EncodeJSONDocument groups packets by canonical stream name and emits a
// structured document per spec.md §4.H, matching
// original_source/lib/private/toJSON.hpp's grouping/sort shape.
func EncodeJSONDocument(packets []*packet.Packet) ([]byte, error) {
	groups := make(map[string]*jsonStreamGroup)
	order := make([]string, 0)

	for _, p := range packets {
		network, err := p.Network()
		if err != nil {
			continue
		}
		station, err := p.Station()
		if err != nil {
			continue
		}
		channel, err := p.Channel()
		if err != nil {
			continue
		}
		name, err := p.Name()
		if err != nil {
			continue
		}

		g, ok := groups[name]
		if !ok {
			g = &jsonStreamGroup{
				Network:      network,
				Station:      station,
				Channel:      channel,
				LocationCode: p.ExportLocation(),
			}
			groups[name] = g
			order = append(order, name)
		}

		startUS, err := p.StartTimeMicroSeconds()
		if err != nil {
			continue
		}
		rate, err := p.SamplingRate()
		if err != nil {
			continue
		}
		g.Packets = append(g.Packets, jsonPacket{
			SamplingRate:          rate,
			StartTimeMicroSeconds: startUS,
			Samples:               samplesOf(p),
		})
	}

	sort.Strings(order)
	result := make([]*jsonStreamGroup, 0, len(order))
	for _, name := range order {
		g := groups[name]
		sort.Slice(g.Packets, func(i, j int) bool {
			return g.Packets[i].StartTimeMicroSeconds < g.Packets[j].StartTimeMicroSeconds
		})
		result = append(result, g)
	}

	return json.Marshal(result)
}
