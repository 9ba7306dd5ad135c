// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package export

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uofuseismo/uwaveserver/internal/waveform/packet"
)

func newPacket(t *testing.T, net, sta, cha, loc string, startSec float64, rate float64, xs []int32) *packet.Packet {
	t.Helper()
	p := &packet.Packet{}
	require.NoError(t, p.SetNetwork(net))
	require.NoError(t, p.SetStation(sta))
	require.NoError(t, p.SetChannel(cha))
	require.NoError(t, p.SetLocation(loc))
	require.NoError(t, p.SetSamplingRate(rate))
	p.SetStartTimeSeconds(startSec)
	p.SetInt32Samples(xs)
	return p
}

func TestEncodeMiniSEED2RejectsEmptyInput(t *testing.T) {
	_, err := EncodeMiniSEED2(nil, 0)
	assert.ErrorIs(t, err, errNoData)
}

func TestEncodeMiniSEED2ProducesFixedSizeRecords(t *testing.T) {
	p := newPacket(t, "uu", "bgu", "hhz", "01", 1_700_000_000, 100, []int32{1, 2, 3, 4, 5})
	out, err := EncodeMiniSEED2([]*packet.Packet{p}, 512)
	require.NoError(t, err)
	assert.Equal(t, 512, len(out))
}

func TestEncodeMiniSEED2SplitsOverflowingPayload(t *testing.T) {
	xs := make([]int32, 200)
	for i := range xs {
		xs[i] = int32(i)
	}
	p := newPacket(t, "uu", "bgu", "hhz", "01", 1_700_000_000, 100, xs)
	out, err := EncodeMiniSEED2([]*packet.Packet{p}, 256)
	require.NoError(t, err)
	assert.Equal(t, 0, len(out)%256)
	assert.Greater(t, len(out), 256)
}

func TestEncodeMiniSEED2DefaultsRecordLength(t *testing.T) {
	p := newPacket(t, "uu", "bgu", "hhz", "01", 1_700_000_000, 100, []int32{1})
	out, err := EncodeMiniSEED2([]*packet.Packet{p}, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRecordLength, len(out))
}

func TestEncodeMiniSEED3HeaderLengthPrefixed(t *testing.T) {
	p := newPacket(t, "uu", "bgu", "hhz", "01", 1_700_000_000, 100, []int32{1, 2, 3})
	out, err := EncodeMiniSEED3([]*packet.Packet{p})
	require.NoError(t, err)
	require.Greater(t, len(out), 4)

	hdrLen := binary.LittleEndian.Uint32(out[:4])
	hdrBytes := out[4 : 4+hdrLen]
	var hdr miniSEED3Header
	require.NoError(t, json.Unmarshal(hdrBytes, &hdr))
	assert.Equal(t, "UU", hdr.Network)
	assert.Equal(t, "BGU", hdr.Station)
	assert.Equal(t, 3, hdr.NumberOfSamples)
	assert.Equal(t, "i", hdr.SampleType)
	assert.Equal(t, 12, hdr.PayloadLength)

	payload := out[4+hdrLen:]
	assert.Equal(t, 12, len(payload))
}

func TestEncodeMiniSEED3RejectsEmptyInput(t *testing.T) {
	_, err := EncodeMiniSEED3(nil)
	assert.ErrorIs(t, err, errNoData)
}

func TestEncodeJSONDocumentGroupsByStreamAndSorts(t *testing.T) {
	p1 := newPacket(t, "uu", "bgu", "hhz", "01", 1_700_000_010, 100, []int32{4, 5})
	p2 := newPacket(t, "uu", "bgu", "hhz", "01", 1_700_000_000, 100, []int32{1, 2, 3})
	p3 := newPacket(t, "uu", "tmu", "hhz", "", 1_700_000_000, 50, []int32{9})

	out, err := EncodeJSONDocument([]*packet.Packet{p1, p2, p3})
	require.NoError(t, err)

	var groups []jsonStreamGroup
	require.NoError(t, json.Unmarshal(out, &groups))
	require.Len(t, groups, 2)

	// Sorted by canonical name: UU.BGU.HHZ.01 < UU.TMU.HHZ
	assert.Equal(t, "BGU", groups[0].Station)
	assert.Equal(t, "01", groups[0].LocationCode)
	require.Len(t, groups[0].Packets, 2)
	assert.Less(t, groups[0].Packets[0].StartTimeMicroSeconds, groups[0].Packets[1].StartTimeMicroSeconds)

	assert.Equal(t, "TMU", groups[1].Station)
	assert.Equal(t, "--", groups[1].LocationCode)
}

func TestEncodeJSONDocumentEmptyInputProducesEmptyArray(t *testing.T) {
	out, err := EncodeJSONDocument(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}

func TestEncodeMiniSEED3MergesContiguousPacketsIntoOneTrace(t *testing.T) {
	p1 := newPacket(t, "uu", "bgu", "hhz", "01", 1_700_000_000, 100, []int32{1, 2, 3, 4, 5})
	p2 := newPacket(t, "uu", "bgu", "hhz", "01", 1_700_000_000.05, 100, []int32{6, 7, 8})

	out, err := EncodeMiniSEED3([]*packet.Packet{p1, p2})
	require.NoError(t, err)

	hdrLen := binary.LittleEndian.Uint32(out[:4])
	var hdr miniSEED3Header
	require.NoError(t, json.Unmarshal(out[4:4+hdrLen], &hdr))
	assert.Equal(t, 8, hdr.NumberOfSamples)
	assert.Equal(t, 32, hdr.PayloadLength)
	assert.Len(t, out, int(4+hdrLen)+32)
}

func TestEncodeMiniSEED3KeepsDistantPacketsAsSeparateTraces(t *testing.T) {
	p1 := newPacket(t, "uu", "bgu", "hhz", "01", 1_700_000_000, 100, []int32{1, 2, 3})
	p2 := newPacket(t, "uu", "bgu", "hhz", "01", 1_700_001_000, 100, []int32{4, 5})

	out, err := EncodeMiniSEED3([]*packet.Packet{p1, p2})
	require.NoError(t, err)

	hdrLen := binary.LittleEndian.Uint32(out[:4])
	var hdr1 miniSEED3Header
	require.NoError(t, json.Unmarshal(out[4:4+hdrLen], &hdr1))
	assert.Equal(t, 3, hdr1.NumberOfSamples)

	rest := out[4+hdrLen+uint32(hdr1.PayloadLength):]
	hdrLen2 := binary.LittleEndian.Uint32(rest[:4])
	var hdr2 miniSEED3Header
	require.NoError(t, json.Unmarshal(rest[4:4+hdrLen2], &hdr2))
	assert.Equal(t, 2, hdr2.NumberOfSamples)
}

func TestWidestOfPicksFloat64ForInt64(t *testing.T) {
	p := &packet.Packet{}
	require.NoError(t, p.SetNetwork("uu"))
	require.NoError(t, p.SetStation("bgu"))
	require.NoError(t, p.SetChannel("hhz"))
	require.NoError(t, p.SetSamplingRate(100))
	p.SetStartTimeSeconds(0)
	p.SetInt64Samples([]int64{1, 2, 3})

	enc, err := widestOf([]*packet.Packet{p})
	require.NoError(t, err)
	assert.Equal(t, encodingFloat64, enc)
}
