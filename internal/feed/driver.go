// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package feed models the upstream packet-producing driver as a capability
// interface, decoupling the ingest pipeline from any one wire protocol
// (spec.md §4 "Dynamic dispatch over feed drivers").
package feed

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/uofuseismo/uwaveserver/internal/waveform/packet"
	"github.com/uofuseismo/uwaveserver/pkg/log"
	"github.com/uofuseismo/uwaveserver/pkg/nats"
)

// discardLogLimit caps how often "discarding message" warnings are
// logged; a misbehaving producer should not be able to flood the log.
const discardLogLimit = rate.Limit(1)

// Callback is invoked once per decoded packet on the driver's own
// packet-producing thread (spec.md §5: "one packet-producing thread that
// invokes a callback provided by the pipeline").
type Callback func(*packet.Packet)

// Driver is the capability set every upstream feed implementation must
// provide: connect, start, stop, liveness, and a callback setter. No
// inheritance chain is required to add a new driver (spec.md §4).
type Driver interface {
	Connect() error
	Start() error
	Stop() error
	IsConnected() bool
	IsInitialized() bool
	DriverKind() string
	SetCallback(Callback)
}

// Config configures the NATS-backed driver (spec.md §6 "Feed" option
// group, narrowed to the NATS transport this repository implements).
type Config struct {
	Address         string
	Username        string
	Password        string
	CredsFilePath   string
	StreamSelectors []string // NATS subjects to subscribe to
	QueueGroup      string   // optional; empty means plain subscribe
}

// wireMessage is the JSON envelope a producer publishes per packet. It
// mirrors the Packet fields a producer has available, letting the driver
// decode without depending on the binary storage codec.
type wireMessage struct {
	Network        string    `json:"network"`
	Station        string    `json:"station"`
	Channel        string    `json:"channel"`
	LocationCode   string    `json:"locationCode"`
	StartTimeUS    int64     `json:"startTimeMicroSeconds"`
	SamplingRate   float64   `json:"samplingRate"`
	DataType       string    `json:"dataType"`
	Int32Samples   []int32   `json:"int32Samples,omitempty"`
	Int64Samples   []int64   `json:"int64Samples,omitempty"`
	Float32Samples []float32 `json:"float32Samples,omitempty"`
	Float64Samples []float64 `json:"float64Samples,omitempty"`
	TextSamples    []byte    `json:"textSamples,omitempty"`
}

func (m wireMessage) toPacket() (*packet.Packet, error) {
	p := &packet.Packet{}
	if err := p.SetNetwork(m.Network); err != nil {
		return nil, err
	}
	if err := p.SetStation(m.Station); err != nil {
		return nil, err
	}
	if err := p.SetChannel(m.Channel); err != nil {
		return nil, err
	}
	if err := p.SetLocation(m.LocationCode); err != nil {
		return nil, err
	}
	if err := p.SetSamplingRate(m.SamplingRate); err != nil {
		return nil, err
	}
	p.SetStartTimeMicroSeconds(m.StartTimeUS)

	switch m.DataType {
	case "i":
		p.SetInt32Samples(m.Int32Samples)
	case "l":
		p.SetInt64Samples(m.Int64Samples)
	case "f":
		p.SetFloat32Samples(m.Float32Samples)
	case "d":
		p.SetFloat64Samples(m.Float64Samples)
	case "t":
		p.SetTextSamples(m.TextSamples)
	default:
		return nil, fmt.Errorf("feed: unknown data_type tag %q", m.DataType)
	}
	return p, nil
}

// NATSDriver implements Driver over a NATS subscription, grounded on
// pkg/nats.Client's connect/subscribe/close shape.
type NATSDriver struct {
	cfg    Config
	client *nats.Client

	mu       sync.Mutex
	callback Callback

	started     atomic.Bool
	initialized atomic.Bool

	discardLimiter *rate.Limiter
}

// NewNATSDriver constructs a driver that has not yet connected.
func NewNATSDriver(cfg Config) *NATSDriver {
	d := &NATSDriver{cfg: cfg, discardLimiter: rate.NewLimiter(discardLogLimit, 5)}
	d.initialized.Store(true)
	return d
}

// SetCallback installs the function invoked for each decoded packet. It
// must be called before Start.
func (d *NATSDriver) SetCallback(cb Callback) {
	d.mu.Lock()
	d.callback = cb
	d.mu.Unlock()
}

// Connect opens the underlying NATS session.
func (d *NATSDriver) Connect() error {
	client, err := nats.NewClient(&nats.NatsConfig{
		Address:       d.cfg.Address,
		Username:      d.cfg.Username,
		Password:      d.cfg.Password,
		CredsFilePath: d.cfg.CredsFilePath,
	})
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	d.client = client
	return nil
}

// Start subscribes to every configured stream selector, decoding each
// inbound message and invoking the callback on the NATS client's own
// delivery goroutine (the "one packet-producing thread" of spec.md §5).
func (d *NATSDriver) Start() error {
	if d.client == nil {
		return fmt.Errorf("feed: start called before connect")
	}
	d.mu.Lock()
	cb := d.callback
	d.mu.Unlock()
	if cb == nil {
		return fmt.Errorf("feed: start called before a callback was set")
	}

	handler := func(subject string, data []byte) {
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if d.discardLimiter.Allow() {
				log.Warnf("feed: discarding undecodable message on %s: %v", subject, err)
			}
			return
		}
		p, err := msg.toPacket()
		if err != nil {
			if d.discardLimiter.Allow() {
				log.Warnf("feed: discarding invalid packet on %s: %v", subject, err)
			}
			return
		}
		cb(p)
	}

	for _, subject := range d.cfg.StreamSelectors {
		var err error
		if d.cfg.QueueGroup != "" {
			err = d.client.SubscribeQueue(subject, d.cfg.QueueGroup, handler)
		} else {
			err = d.client.Subscribe(subject, handler)
		}
		if err != nil {
			return fmt.Errorf("feed: subscribe to %s: %w", subject, err)
		}
	}
	d.started.Store(true)
	return nil
}

// Stop closes every subscription and the underlying session.
func (d *NATSDriver) Stop() error {
	if d.client != nil {
		d.client.Close()
	}
	d.started.Store(false)
	return nil
}

// IsConnected reports whether the underlying session answers live.
func (d *NATSDriver) IsConnected() bool {
	return d.client != nil && d.client.IsConnected()
}

// IsInitialized reports whether the driver has been constructed (always
// true once NewNATSDriver returns).
func (d *NATSDriver) IsInitialized() bool {
	return d.initialized.Load()
}

// DriverKind names the wire protocol this driver speaks.
func (d *NATSDriver) DriverKind() string { return "nats" }

var _ Driver = (*NATSDriver)(nil)
