// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package admission implements the per-stream circular-buffer algorithm
// that rejects future, expired, and duplicate packets while tolerating
// legitimate back-fills and detecting clock slips (spec.md §4.G).
//
// Per-stream state is held in one map guarded by a mutex, mirroring
// internal/memorystore's Level: lookups and buffer mutation happen while
// holding that one map lock, but the lock is never held across I/O -
// there is none on this path.
package admission

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Category names a reason a packet was not admitted.
type Category int

const (
	Accepted Category = iota - 1
	Future
	Expired
	Duplicate
	BadTiming
	Empty
	Unsupported
)

func (c Category) String() string {
	switch c {
	case Accepted:
		return "accepted"
	case Future:
		return "future"
	case Expired:
		return "expired"
	case Duplicate:
		return "duplicate"
	case BadTiming:
		return "bad_timing"
	case Empty:
		return "empty"
	case Unsupported:
		return "unsupported_rate"
	default:
		return "unknown"
	}
}

// Header is the minimal per-packet record the duplicate/clock-slip test
// needs (spec.md §4.G).
type Header struct {
	StartUS    int64
	EndUS      int64
	RateHz     float64
	NumSamples int
}

// errUnclassifiableRate reports a sampling rate the tolerance table in
// spec.md §4.G has no tier for. original_source/lib/testDuplicatePacket.cpp
// throws "Could not classify sampling rate" for rates >= 1005 Hz rather than
// reusing the last tier's tolerance; this package surfaces the same
// unsupported-rate condition as an explicit rejection instead of a silent
// default.
var errUnclassifiableRate = errors.New("waveform/admission: could not classify sampling rate")

// toleranceUS returns the rate-dependent start-time tolerance from the
// table in spec.md §4.G, or errUnclassifiableRate for rateHz >= 1005.
func toleranceUS(rateHz float64) (int64, error) {
	switch {
	case rateHz < 105:
		return 15000, nil
	case rateHz < 255:
		return 4500, nil
	case rateHz < 505:
		return 2500, nil
	case rateHz < 1005:
		return 1500, nil
	default:
		return 0, errUnclassifiableRate
	}
}

// sameHeader implements the "two headers are the same packet" predicate.
// It assumes a.RateHz has already been classified (testDuplicateOrClockSlip
// rejects any header whose rate isn't before it ever reaches the buffer).
func sameHeader(a, b Header) bool {
	if a.RateHz != b.RateHz || a.NumSamples != b.NumSamples {
		return false
	}
	tol, err := toleranceUS(a.RateHz)
	if err != nil {
		return false
	}
	diff := a.StartUS - b.StartUS
	if diff < 0 {
		diff = -diff
	}
	return diff < tol
}

func overlaps(a, b Header) bool {
	return a.StartUS <= b.EndUS && b.StartUS <= a.EndUS
}

// Config holds the admission filter's thresholds (spec.md §6 "Admission"
// option group).
type Config struct {
	MaxFuture  time.Duration
	MaxExpired time.Duration

	// Exactly one of BufferCapacity or BufferDuration should be set; if
	// both are zero, a capacity of 1001 is used.
	BufferCapacity int
	BufferDuration time.Duration
}

type streamBuffer struct {
	capacity int
	headers  []Header // kept sorted ascending by StartUS
}

func newStreamBuffer(cfg Config, packetDuration time.Duration) *streamBuffer {
	cap := cfg.BufferCapacity
	if cap <= 0 {
		if cfg.BufferDuration > 0 && packetDuration > 0 {
			est := int(cfg.BufferDuration / packetDuration)
			if est < 1000 {
				est = 1000
			}
			cap = est + 1
		} else {
			cap = 1001
		}
	}
	return &streamBuffer{capacity: cap, headers: make([]Header, 0, 8)}
}

// RejectedSets accumulates rejected packets by category for a single
// stream, drained periodically by the rate-limited logger.
type RejectedSets struct {
	mu     sync.Mutex
	counts map[Category]int
}

func newRejectedSets() *RejectedSets {
	return &RejectedSets{counts: make(map[Category]int)}
}

func (r *RejectedSets) record(c Category) {
	r.mu.Lock()
	r.counts[c]++
	r.mu.Unlock()
}

// Drain returns and clears the accumulated counts.
func (r *RejectedSets) Drain() map[Category]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Category]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	for k := range r.counts {
		delete(r.counts, k)
	}
	return out
}

// Filter is the admission filter. It is safe for concurrent use.
type Filter struct {
	cfg Config

	mu      sync.Mutex
	buffers map[string]*streamBuffer

	rejectedMu sync.Mutex
	rejected   map[string]*RejectedSets
}

// New constructs an admission filter with the given thresholds.
func New(cfg Config) *Filter {
	return &Filter{
		cfg:      cfg,
		buffers:  make(map[string]*streamBuffer),
		rejected: make(map[string]*RejectedSets),
	}
}

func (f *Filter) rejectedSetsFor(name string) *RejectedSets {
	f.rejectedMu.Lock()
	defer f.rejectedMu.Unlock()
	rs, ok := f.rejected[name]
	if !ok {
		rs = newRejectedSets()
		f.rejected[name] = rs
	}
	return rs
}

// RejectedSetsFor exposes the per-stream rejection accumulator so a
// rate-limited logger can drain it (spec.md §4.G, §7).
func (f *Filter) RejectedSetsFor(name string) *RejectedSets {
	return f.rejectedSetsFor(name)
}

// Names returns the canonical names of every stream the filter has seen,
// letting a periodic logger enumerate streams to drain (spec.md §7).
func (f *Filter) Names() []string {
	f.rejectedMu.Lock()
	defer f.rejectedMu.Unlock()
	names := make([]string, 0, len(f.rejected))
	for name := range f.rejected {
		names = append(names, name)
	}
	return names
}

// Allow runs the three composable tests in order: future, expired, then
// duplicate/clock-slip. It returns true if the packet is admitted.
func (f *Filter) Allow(name string, h Header, now time.Time) (bool, Category) {
	if ok, cat := f.ShallowCheck(name, h, now); !ok {
		return ok, cat
	}
	return f.DeepCheck(name, h)
}

// ShallowCheck runs the cheap, buffer-free tests (empty sample array,
// future, expired) that do not need the buffer-map lock. It is the
// pipeline's shallow-dedup stage, run before a packet ever contends for the
// buffer lock that DeepCheck needs.
func (f *Filter) ShallowCheck(name string, h Header, now time.Time) (bool, Category) {
	if h.NumSamples == 0 {
		f.rejectedSetsFor(name).record(Empty)
		return false, Empty
	}

	nowUS := now.UnixMicro()
	if f.cfg.MaxFuture >= 0 && h.EndUS > nowUS+f.cfg.MaxFuture.Microseconds() {
		f.rejectedSetsFor(name).record(Future)
		return false, Future
	}
	if f.cfg.MaxExpired >= 0 && h.StartUS < nowUS-f.cfg.MaxExpired.Microseconds() {
		f.rejectedSetsFor(name).record(Expired)
		return false, Expired
	}
	return true, Accepted
}

// DeepCheck runs the buffer-scanning duplicate/clock-slip test (spec.md
// §4.G steps 1-6). It is the pipeline's deep-dedup stage, run only for
// packets that already passed ShallowCheck.
func (f *Filter) DeepCheck(name string, h Header) (bool, Category) {
	ok, cat := f.testDuplicateOrClockSlip(name, h)
	if !ok {
		f.rejectedSetsFor(name).record(cat)
	}
	return ok, cat
}

// testDuplicateOrClockSlip implements the algorithm in spec.md §4.G steps
// 1-6, preceded by a step 0 that rejects a sampling rate the tolerance
// table can't classify (spec.md §4.G, >= 1005 Hz) before it ever reaches
// the per-stream buffer.
func (f *Filter) testDuplicateOrClockSlip(name string, h Header) (bool, Category) {
	if _, err := toleranceUS(h.RateHz); err != nil {
		return false, Unsupported
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	buf, ok := f.buffers[name]
	if !ok {
		packetDuration := time.Duration(0)
		if h.RateHz > 0 {
			packetDuration = time.Duration(float64(h.NumSamples) / h.RateHz * float64(time.Second))
		}
		buf = newStreamBuffer(f.cfg, packetDuration)
		f.buffers[name] = buf
		buf.headers = append(buf.headers, h)
		return true, Accepted
	}

	// Step 2: exact duplicate (any existing header equal to H).
	for _, existing := range buf.headers {
		if sameHeader(existing, h) {
			return false, Duplicate
		}
	}

	back := buf.headers[len(buf.headers)-1]
	front := buf.headers[0]

	// Step 3: common real-time case, strictly newer than everything seen.
	if h.StartUS > back.EndUS {
		buf.headers = append(buf.headers, h)
		f.trimFront(buf)
		return true, Accepted
	}

	// Step 4: late-arriving backfill with room at the front.
	if h.EndUS < front.StartUS && len(buf.headers) < buf.capacity {
		buf.headers = append([]Header{h}, buf.headers...)
		return true, Accepted
	}

	// Step 5: clock slip - interval overlaps something already buffered.
	for _, existing := range buf.headers {
		if overlaps(existing, h) {
			return false, BadTiming
		}
	}

	// Step 6: legitimate out-of-order backfill - insert in sorted order.
	buf.headers = append(buf.headers, h)
	sort.Slice(buf.headers, func(i, j int) bool {
		return buf.headers[i].StartUS < buf.headers[j].StartUS
	})
	f.trimFront(buf)
	return true, Accepted
}

// trimFront drops the oldest headers once the buffer exceeds capacity,
// keeping the sorted invariant intact.
func (f *Filter) trimFront(buf *streamBuffer) {
	if len(buf.headers) > buf.capacity {
		overflow := len(buf.headers) - buf.capacity
		buf.headers = buf.headers[overflow:]
	}
}
