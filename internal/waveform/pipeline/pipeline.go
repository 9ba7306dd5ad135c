// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pipeline wires the feed driver, admission filter, and writer
// together into the bounded, blocking-queue ingest pipeline of spec.md §5:
// producer -> shallow-dedup -> deep-dedup -> writer.
//
// The feed driver's own delivery goroutine is the producer thread; this
// package runs the remaining three stages, each its own goroutine
// connected to its neighbor by a buffered channel acting as the bounded
// queue, and each selecting against a shared context so shutdown is
// prompt - directly mirroring internal/memorystore.Init's wg.Add(4) +
// per-stage-goroutine + shared-ctx idiom.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/uofuseismo/uwaveserver/internal/waveform/admission"
	"github.com/uofuseismo/uwaveserver/internal/waveform/packet"
	"github.com/uofuseismo/uwaveserver/internal/waveform/writer"
	"github.com/uofuseismo/uwaveserver/pkg/log"
	"github.com/uofuseismo/uwaveserver/pkg/metrics"
)

// Config holds the pipeline's queue sizing. cmd/uwaveserver fills
// QueueCapacity from the "feed" option group's max-queue-size.
type Config struct {
	// QueueCapacity bounds each inter-stage channel. A producer callback
	// blocks once a queue is full, exactly as spec.md §5 requires.
	QueueCapacity int
}

func (c Config) capacity() int {
	if c.QueueCapacity <= 0 {
		return 1024
	}
	return c.QueueCapacity
}

// Pipeline runs the shallow-dedup, deep-dedup, and writer stages.
type Pipeline struct {
	filter *admission.Filter
	writer *writer.Writer

	toShallow chan *packet.Packet
	toDeep    chan admittedPacket
	toWrite   chan *packet.Packet

	ctx context.Context
	wg  sync.WaitGroup
}

type admittedPacket struct {
	name string
	hdr  admission.Header
	pkt  *packet.Packet
}

// New constructs a pipeline bound to an admission filter and a writer. Call
// Start before Ingest.
func New(filter *admission.Filter, w *writer.Writer, cfg Config) *Pipeline {
	cap := cfg.capacity()
	return &Pipeline{
		filter:    filter,
		writer:    w,
		toShallow: make(chan *packet.Packet, cap),
		toDeep:    make(chan admittedPacket, cap),
		toWrite:   make(chan *packet.Packet, cap),
	}
}

// Start launches the three internal stage goroutines. ctx's cancellation
// stops all stages; Stop blocks until they have exited.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx = ctx
	p.wg.Add(3)
	go p.runShallowDedup()
	go p.runDeepDedup()
	go p.runWriter()
}

// Stop waits for all stage goroutines to exit. The caller must have
// already canceled the context passed to Start.
func (p *Pipeline) Stop() {
	p.wg.Wait()
}

// Ingest is the callback a feed driver invokes for each decoded packet -
// the producer thread of spec.md §5. It blocks if the first bounded queue
// is full, and returns promptly if the pipeline's context is canceled.
func (p *Pipeline) Ingest(pkt *packet.Packet) {
	select {
	case p.toShallow <- pkt:
	case <-p.ctx.Done():
	}
}

func header(pkt *packet.Packet) (string, admission.Header, error) {
	name, err := pkt.Name()
	if err != nil {
		return "", admission.Header{}, err
	}
	rate, err := pkt.SamplingRate()
	if err != nil {
		return "", admission.Header{}, err
	}
	start, err := pkt.StartTimeMicroSeconds()
	if err != nil {
		return "", admission.Header{}, err
	}
	end, err := pkt.EndTimeMicroSeconds()
	if err != nil {
		return "", admission.Header{}, err
	}
	return name, admission.Header{
		StartUS:    start,
		EndUS:      end,
		RateHz:     rate,
		NumSamples: pkt.NumberOfSamples(),
	}, nil
}

func (p *Pipeline) runShallowDedup() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case pkt, ok := <-p.toShallow:
			if !ok {
				return
			}
			name, hdr, err := header(pkt)
			if err != nil {
				log.Warnf("pipeline: discarding malformed packet: %v", err)
				metrics.IncIngestRejected("malformed")
				continue
			}
			ok2, cat := p.filter.ShallowCheck(name, hdr, time.Now())
			if !ok2 {
				metrics.IncIngestRejected(cat.String())
				continue
			}
			select {
			case p.toDeep <- admittedPacket{name: name, hdr: hdr, pkt: pkt}:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) runDeepDedup() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ap, ok := <-p.toDeep:
			if !ok {
				return
			}
			admitted, cat := p.filter.DeepCheck(ap.name, ap.hdr)
			if !admitted {
				metrics.IncIngestRejected(cat.String())
				continue
			}
			select {
			case p.toWrite <- ap.pkt:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) runWriter() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case pkt, ok := <-p.toWrite:
			if !ok {
				return
			}
			wrote, err := p.writer.Write(pkt)
			if err != nil {
				log.Errorf("pipeline: write failed: %v", err)
				metrics.IncIngestRejected("write_error")
				continue
			}
			if wrote {
				metrics.IncIngestWritten()
			}
		}
	}
}
