// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package codec implements the byte-exact pack/compress/unpack protocol
// used as the database payload for stored packet rows (spec.md §4.B, §6).
//
// Wire format (payload of the `data` column):
//
//	Little-endian concatenation of number_of_samples elements of size
//	sizeof(data_type), optionally wrapped by a deflate stream. The row
//	carries little_endian=true and a compressed flag indicating whether
//	deflate was applied.
//
// The codec never inspects host endianness implicitly: callers always get
// little-endian bytes out of Encode and must tell Decode whether the bytes
// it is given are little-endian (they always are for data this codec
// itself produced, but the reader path decodes historical rows that may
// carry little_endian=false).
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"unsafe"

	"github.com/klauspost/compress/flate"
)

var (
	errLength = errors.New("waveform/codec: decoded length does not match number_of_samples")
)

// hostIsBigEndian reports whether the running process is big-endian.
func hostIsBigEndian() bool {
	var x uint16 = 1
	b := (*[2]byte)(unsafe.Pointer(&x))
	return b[0] == 0
}

// CompressionLevel mirrors flate's level constants; "best" is the codec's
// default per spec.md §4.B.
const (
	CompressionBest    = flate.BestCompression
	CompressionDefault = flate.DefaultCompression
	CompressionSpeed   = flate.BestSpeed
)

func swap2(b []byte) {
	b[0], b[1] = b[1], b[0]
}

func swap4(b []byte) {
	b[0], b[3] = b[3], b[0]
	b[1], b[2] = b[2], b[1]
}

func swap8(b []byte) {
	b[0], b[7] = b[7], b[0]
	b[1], b[6] = b[6], b[1]
	b[2], b[5] = b[5], b[2]
	b[3], b[4] = b[4], b[3]
}

// encodeElements writes n*w little-endian bytes. fill writes each element
// through binary.LittleEndian, so the output is little-endian on any host.
func encodeElements(w int, n int, fill func(i int, dst []byte)) []byte {
	out := make([]byte, n*w)
	for i := 0; i < n; i++ {
		dst := out[i*w : (i+1)*w]
		fill(i, dst)
	}
	return out
}

func deflate(raw []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}

// EncodeInt32 packs a []int32 sample array. If compressed is true the
// little-endian bytes are additionally run through deflate at level.
func EncodeInt32(xs []int32, compressed bool, level int) ([]byte, error) {
	raw := encodeElements(4, len(xs), func(i int, dst []byte) {
		binary.LittleEndian.PutUint32(dst, uint32(xs[i]))
	})
	if !compressed {
		return raw, nil
	}
	return deflate(raw, level)
}

func EncodeInt64(xs []int64, compressed bool, level int) ([]byte, error) {
	raw := encodeElements(8, len(xs), func(i int, dst []byte) {
		binary.LittleEndian.PutUint64(dst, uint64(xs[i]))
	})
	if !compressed {
		return raw, nil
	}
	return deflate(raw, level)
}

func EncodeFloat32(xs []float32, compressed bool, level int) ([]byte, error) {
	raw := encodeElements(4, len(xs), func(i int, dst []byte) {
		binary.LittleEndian.PutUint32(dst, math.Float32bits(xs[i]))
	})
	if !compressed {
		return raw, nil
	}
	return deflate(raw, level)
}

func EncodeFloat64(xs []float64, compressed bool, level int) ([]byte, error) {
	raw := encodeElements(8, len(xs), func(i int, dst []byte) {
		binary.LittleEndian.PutUint64(dst, math.Float64bits(xs[i]))
	})
	if !compressed {
		return raw, nil
	}
	return deflate(raw, level)
}

// EncodeText passes bytes through unchanged: no swap, and no deflate
// unless the caller explicitly asks for it (spec.md §4.B).
func EncodeText(xs []byte, compressed bool, level int) ([]byte, error) {
	if !compressed {
		out := make([]byte, len(xs))
		copy(out, xs)
		return out, nil
	}
	return deflate(xs, level)
}

// decodeElements returns data as little-endian w-byte groups: unchanged if
// littleEndian is set, else with each w-byte group reversed. The callers
// read the result through binary.LittleEndian.
func decodeElements(data []byte, w int, n int, littleEndian bool) ([]byte, error) {
	if len(data) != n*w {
		return nil, errLength
	}
	if littleEndian {
		return data, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	for i := 0; i < n; i++ {
		chunk := out[i*w : (i+1)*w]
		switch w {
		case 2:
			swap2(chunk)
		case 4:
			swap4(chunk)
		case 8:
			swap8(chunk)
		}
	}
	return out, nil
}

// DecodeInt32 reverses EncodeInt32. If compressed, data is first inflated.
func DecodeInt32(data []byte, n int, littleEndian, compressed bool) ([]int32, error) {
	raw, err := maybeInflate(data, compressed)
	if err != nil {
		return nil, err
	}
	bs, err := decodeElements(raw, 4, n, littleEndian)
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(bs[i*4 : i*4+4]))
	}
	return out, nil
}

func DecodeInt64(data []byte, n int, littleEndian, compressed bool) ([]int64, error) {
	raw, err := maybeInflate(data, compressed)
	if err != nil {
		return nil, err
	}
	bs, err := decodeElements(raw, 8, n, littleEndian)
	if err != nil {
		return nil, err
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(bs[i*8 : i*8+8]))
	}
	return out, nil
}

func DecodeFloat32(data []byte, n int, littleEndian, compressed bool) ([]float32, error) {
	raw, err := maybeInflate(data, compressed)
	if err != nil {
		return nil, err
	}
	bs, err := decodeElements(raw, 4, n, littleEndian)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(bs[i*4 : i*4+4]))
	}
	return out, nil
}

func DecodeFloat64(data []byte, n int, littleEndian, compressed bool) ([]float64, error) {
	raw, err := maybeInflate(data, compressed)
	if err != nil {
		return nil, err
	}
	bs, err := decodeElements(raw, 8, n, littleEndian)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(bs[i*8 : i*8+8]))
	}
	return out, nil
}

func DecodeText(data []byte, n int, compressed bool) ([]byte, error) {
	raw, err := maybeInflate(data, compressed)
	if err != nil {
		return nil, err
	}
	if len(raw) != n {
		return nil, errLength
	}
	return raw, nil
}

func maybeInflate(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	return inflate(data)
}
