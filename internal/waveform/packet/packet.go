// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package packet implements the in-memory waveform record that flows
// through the admission filter, the writer, and the reader.
//
// A Packet identifies a stream by the tuple (network, station, channel,
// location) and carries exactly one typed sample array. The sample array
// is a tagged union rather than an interface{} so that callers can view it
// without a type assertion on the hot path.
package packet

import (
	"errors"
	"math"
	"strings"
)

// SampleType is the discriminant of the sample union.
type SampleType int

const (
	Unknown SampleType = iota
	Int32
	Int64
	Float32
	Float64
	Text
)

func (t SampleType) String() string {
	switch t {
	case Int32:
		return "i32"
	case Int64:
		return "i64"
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

// Tag returns the one-character data_type column tag from spec.md §3/§4.E.
func (t SampleType) Tag() (byte, error) {
	switch t {
	case Int32:
		return 'i', nil
	case Int64:
		return 'l', nil
	case Float32:
		return 'f', nil
	case Float64:
		return 'd', nil
	case Text:
		return 't', nil
	default:
		return 0, errNotSet
	}
}

// ElementSize returns sizeof(T) for the numeric types; Text has no fixed
// element size and reports 1.
func (t SampleType) ElementSize() int {
	switch t {
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	case Text:
		return 1
	default:
		return 0
	}
}

var (
	errNotSet      = errors.New("waveform/packet: field not set")
	errEmptyIdent  = errors.New("waveform/packet: identifier is empty after normalization")
	errNonPositive = errors.New("waveform/packet: sampling rate must be positive")
	errNoSamples   = errors.New("waveform/packet: no samples in signal")
)

// Packet is a contiguous block of typed samples at one rate for one stream.
type Packet struct {
	network  string
	station  string
	channel  string
	location string

	haveStartTime bool
	startTimeUS   int64 // microseconds since Unix epoch

	haveRate bool
	rateHz   float64

	sampleType SampleType
	i32        []int32
	i64        []int64
	f32        []float32
	f64        []float64
	text       []byte
}

// normalize strips surrounding whitespace and uppercases an identifier.
func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func setIdent(dst *string, v string) error {
	n := normalize(v)
	if n == "" {
		return errEmptyIdent
	}
	*dst = n
	return nil
}

func (p *Packet) SetNetwork(v string) error { return setIdent(&p.network, v) }
func (p *Packet) SetStation(v string) error { return setIdent(&p.station, v) }
func (p *Packet) SetChannel(v string) error { return setIdent(&p.channel, v) }

// SetLocation accepts an empty location; it is not normalized to "--" until
// export (spec.md §3).
func (p *Packet) SetLocation(v string) error {
	p.location = normalize(v)
	return nil
}

func (p *Packet) Network() (string, error) { return getIdent(p.network) }
func (p *Packet) Station() (string, error) { return getIdent(p.station) }
func (p *Packet) Channel() (string, error) { return getIdent(p.channel) }

// Location never fails: an empty location is legal.
func (p *Packet) Location() string { return p.location }

func getIdent(v string) (string, error) {
	if v == "" {
		return "", errNotSet
	}
	return v, nil
}

// ExportLocation returns the location code normalized for export: an empty
// location becomes "--" per spec.md §3/§4.H.
func (p *Packet) ExportLocation() string {
	if p.location == "" {
		return "--"
	}
	return p.location
}

// Name returns the canonical NET.STA.CHA[.LOC] stream name used as the
// registry and admission-filter key.
func (p *Packet) Name() (string, error) {
	if p.network == "" || p.station == "" || p.channel == "" {
		return "", errNotSet
	}
	name := p.network + "." + p.station + "." + p.channel
	if p.location != "" {
		name += "." + p.location
	}
	return name, nil
}

// SetStartTimeSeconds accepts a floating point epoch-seconds value,
// converting to microsecond precision.
func (p *Packet) SetStartTimeSeconds(sec float64) {
	p.startTimeUS = int64(math.Round(sec * 1e6))
	p.haveStartTime = true
}

// SetStartTimeMicroSeconds accepts an integer offset from the Unix epoch
// already in microseconds.
func (p *Packet) SetStartTimeMicroSeconds(us int64) {
	p.startTimeUS = us
	p.haveStartTime = true
}

func (p *Packet) StartTimeMicroSeconds() (int64, error) {
	if !p.haveStartTime {
		return 0, errNotSet
	}
	return p.startTimeUS, nil
}

// SetSamplingRate rejects non-positive rates per spec.md §4.A.
func (p *Packet) SetSamplingRate(hz float64) error {
	if hz <= 0 {
		return errNonPositive
	}
	p.rateHz = hz
	p.haveRate = true
	return nil
}

func (p *Packet) SamplingRate() (float64, error) {
	if !p.haveRate {
		return 0, errNotSet
	}
	return p.rateHz, nil
}

// NumberOfSamples returns the length of the active sample array.
func (p *Packet) NumberOfSamples() int {
	switch p.sampleType {
	case Int32:
		return len(p.i32)
	case Int64:
		return len(p.i64)
	case Float32:
		return len(p.f32)
	case Float64:
		return len(p.f64)
	case Text:
		return len(p.text)
	default:
		return 0
	}
}

func (p *Packet) SampleType() SampleType { return p.sampleType }

// SetInt32Samples moves xs into the packet, taking ownership.
func (p *Packet) SetInt32Samples(xs []int32) { p.Clear(); p.sampleType = Int32; p.i32 = xs }
func (p *Packet) SetInt64Samples(xs []int64) { p.Clear(); p.sampleType = Int64; p.i64 = xs }
func (p *Packet) SetFloat32Samples(xs []float32) {
	p.Clear()
	p.sampleType = Float32
	p.f32 = xs
}
func (p *Packet) SetFloat64Samples(xs []float64) {
	p.Clear()
	p.sampleType = Float64
	p.f64 = xs
}
func (p *Packet) SetTextSamples(xs []byte) { p.Clear(); p.sampleType = Text; p.text = xs }

// ViewInt32 etc. expose a zero-copy view over the active variant; each
// returns false if the discriminant does not match.
func (p *Packet) ViewInt32() ([]int32, bool)     { return p.i32, p.sampleType == Int32 }
func (p *Packet) ViewInt64() ([]int64, bool)     { return p.i64, p.sampleType == Int64 }
func (p *Packet) ViewFloat32() ([]float32, bool) { return p.f32, p.sampleType == Float32 }
func (p *Packet) ViewFloat64() ([]float64, bool) { return p.f64, p.sampleType == Float64 }
func (p *Packet) ViewText() ([]byte, bool)       { return p.text, p.sampleType == Text }

// Clear releases the sample array and resets the discriminant to Unknown.
func (p *Packet) Clear() {
	p.sampleType = Unknown
	p.i32 = nil
	p.i64 = nil
	p.f32 = nil
	p.f64 = nil
	p.text = nil
}

// EndTimeMicroSeconds computes end_time = start_time + round((n-1)/rate *
// 1e6) microseconds per spec.md §3/§8. Fails if the start time or rate is
// unset, or if there are no samples (errNoSamples, matching
// original_source/lib/packet.cpp's getEndTime throwing "No samples in
// signal" on an empty packet). Callers that tolerate empty packets must
// check NumberOfSamples() == 0 themselves before calling this.
func (p *Packet) EndTimeMicroSeconds() (int64, error) {
	if !p.haveStartTime {
		return 0, errNotSet
	}
	n := p.NumberOfSamples()
	if n == 0 {
		return 0, errNoSamples
	}
	if !p.haveRate {
		return 0, errNotSet
	}
	offset := math.Round(float64(n-1) / p.rateHz * 1e6)
	return p.startTimeUS + int64(offset), nil
}

// Trim restricts the sample array to those samples whose timestamps lie in
// [start, end] microseconds. The start-sample index is floored from the
// offset; the end-sample index is ceiled and exclusive; both are clipped to
// [0, n] per spec.md §4.A.
func (p *Packet) Trim(start, end int64) error {
	n := p.NumberOfSamples()
	if n == 0 {
		return nil
	}
	if !p.haveRate {
		return errNotSet
	}

	periodUS := 1e6 / p.rateHz
	fromIdx := int(math.Floor(float64(start-p.startTimeUS) / periodUS))
	toIdx := int(math.Ceil(float64(end-p.startTimeUS)/periodUS)) + 1

	if fromIdx < 0 {
		fromIdx = 0
	}
	if toIdx > n {
		toIdx = n
	}
	if toIdx < fromIdx {
		toIdx = fromIdx
	}

	switch p.sampleType {
	case Int32:
		p.i32 = p.i32[fromIdx:toIdx]
	case Int64:
		p.i64 = p.i64[fromIdx:toIdx]
	case Float32:
		p.f32 = p.f32[fromIdx:toIdx]
	case Float64:
		p.f64 = p.f64[fromIdx:toIdx]
	case Text:
		p.text = p.text[fromIdx:toIdx]
	}

	if fromIdx > 0 {
		p.startTimeUS += int64(math.Round(float64(fromIdx) * periodUS))
	}
	return nil
}
