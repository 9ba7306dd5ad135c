// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the program's JSON configuration
// file (spec.md §6's Database/Admission/Feed/Server/Retention option
// groups), mirroring the teacher's config.Init + schema.Validate pattern
// built on github.com/santhosh-tekuri/jsonschema/v5.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/uofuseismo/uwaveserver/internal/feed"
	"github.com/uofuseismo/uwaveserver/internal/waveform/admission"
	"github.com/uofuseismo/uwaveserver/internal/waveform/credentials"
	"github.com/uofuseismo/uwaveserver/internal/waveform/writer"
)

// DatabaseConfig holds the Postgres connection parameters (spec.md §4.C).
type DatabaseConfig struct {
	User           string `json:"user"`
	Password       string `json:"password"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Name           string `json:"name"`
	Schema         string `json:"schema"`
	Application    string `json:"application"`
	ReadOnly       bool   `json:"read-only"`
	ConnectTimeout string `json:"connect-timeout"`
}

// Credentials converts the JSON-decoded database options into
// credentials.Credentials, parsing the connect-timeout duration string.
func (d DatabaseConfig) Credentials() (credentials.Credentials, error) {
	timeout := 10 * time.Second
	if d.ConnectTimeout != "" {
		parsed, err := time.ParseDuration(d.ConnectTimeout)
		if err != nil {
			return credentials.Credentials{}, fmt.Errorf("config: database.connect-timeout: %w", err)
		}
		timeout = parsed
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	return credentials.Credentials{
		User:           d.User,
		Password:       d.Password,
		Host:           d.Host,
		Port:           port,
		Name:           d.Name,
		Schema:         d.Schema,
		Application:    d.Application,
		ReadOnly:       d.ReadOnly,
		ConnectTimeout: timeout,
	}, nil
}

// AdmissionConfig holds the admission filter's thresholds (spec.md §6
// "Admission" option group).
type AdmissionConfig struct {
	MaxFutureTime          string `json:"max-future-time"`
	MaxExpiredTime         string `json:"max-expired-time"`
	CircularBufferDuration string `json:"circular-buffer-duration"`
	CircularBufferSize     int    `json:"circular-buffer-size"`
	LogInterval            string `json:"log-interval"`
}

// Filter converts the JSON-decoded admission options into admission.Config
// plus the parsed log-drain interval.
func (a AdmissionConfig) Filter() (admission.Config, time.Duration, error) {
	maxFuture := 10 * time.Second
	if a.MaxFutureTime != "" {
		d, err := time.ParseDuration(a.MaxFutureTime)
		if err != nil {
			return admission.Config{}, 0, fmt.Errorf("config: admission.max-future-time: %w", err)
		}
		maxFuture = d
	}
	maxExpired := time.Hour
	if a.MaxExpiredTime != "" {
		d, err := time.ParseDuration(a.MaxExpiredTime)
		if err != nil {
			return admission.Config{}, 0, fmt.Errorf("config: admission.max-expired-time: %w", err)
		}
		maxExpired = d
	}
	var bufferDuration time.Duration
	if a.CircularBufferDuration != "" {
		d, err := time.ParseDuration(a.CircularBufferDuration)
		if err != nil {
			return admission.Config{}, 0, fmt.Errorf("config: admission.circular-buffer-duration: %w", err)
		}
		bufferDuration = d
	}
	logInterval := 60 * time.Second
	if a.LogInterval != "" {
		d, err := time.ParseDuration(a.LogInterval)
		if err != nil {
			return admission.Config{}, 0, fmt.Errorf("config: admission.log-interval: %w", err)
		}
		logInterval = d
	}
	return admission.Config{
		MaxFuture:      maxFuture,
		MaxExpired:     maxExpired,
		BufferCapacity: a.CircularBufferSize,
		BufferDuration: bufferDuration,
	}, logInterval, nil
}

// FeedConfig holds the upstream driver parameters (spec.md §6 "Feed"
// option group, narrowed to the NATS transport this repository implements).
type FeedConfig struct {
	Address                 string   `json:"address"`
	Username                string   `json:"username"`
	Password                string   `json:"password"`
	CredsFilePath           string   `json:"creds-file-path"`
	StreamSelectors         []string `json:"stream-selectors"`
	QueueGroup              string   `json:"queue-group"`
	StateFile               string   `json:"state-file"`
	StateFileUpdateInterval string   `json:"state-file-update-interval"`
	RecordSize              int      `json:"record-size"`
	NetworkTimeout          string   `json:"network-timeout"`
	ReconnectDelay          string   `json:"reconnect-delay"`
	MaxQueueSize            int      `json:"max-queue-size"`
}

// Driver converts the JSON-decoded feed options into feed.Config.
func (f FeedConfig) Driver() feed.Config {
	return feed.Config{
		Address:         f.Address,
		Username:        f.Username,
		Password:        f.Password,
		CredsFilePath:   f.CredsFilePath,
		StreamSelectors: f.StreamSelectors,
		QueueGroup:      f.QueueGroup,
	}
}

// ServerConfig holds the HTTP transport parameters (spec.md §6 "Server"
// option group).
type ServerConfig struct {
	BindAddress string `json:"bind-address"`
	Port        int    `json:"port"`
	ThreadCount int    `json:"thread-count"`
	MetricsPort int    `json:"metrics-port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	bind := s.BindAddress
	port := s.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", bind, port)
}

// RetentionConfig holds the oldest acceptable packet age (spec.md §6
// "Retention" option group).
type RetentionConfig struct {
	RetentionDuration string `json:"retention-duration"`
}

// Writer converts the JSON-decoded retention option into writer.Config's
// retention threshold, defaulting to one year per spec.md §6.
func (r RetentionConfig) Writer() (time.Duration, error) {
	if r.RetentionDuration == "" {
		return 8760 * time.Hour, nil
	}
	d, err := time.ParseDuration(r.RetentionDuration)
	if err != nil {
		return 0, fmt.Errorf("config: retention.retention-duration: %w", err)
	}
	return d, nil
}

// Config is the top-level decoded program configuration.
type Config struct {
	Database  DatabaseConfig  `json:"database"`
	Admission AdmissionConfig `json:"admission"`
	Feed      FeedConfig      `json:"feed"`
	Server    ServerConfig    `json:"server"`
	Retention RetentionConfig `json:"retention"`
}

// WriterConfig converts the Retention option group into a writer.Config;
// compression is off by default, matching spec.md's silence on
// compression being mandatory.
func (c Config) WriterConfig() (writer.Config, error) {
	retention, err := c.Retention.Writer()
	if err != nil {
		return writer.Config{}, err
	}
	return writer.Config{RetentionDuration: retention}, nil
}

// Load reads, schema-validates, and decodes the configuration file at
// path. Unlike the teacher's config.Init (which calls log.Fatal on any
// error), Load returns the error so the caller (cmd/uwaveserver/main.go)
// controls process termination.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := Validate(configSchema, json.RawMessage(raw)); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return &cfg, nil
}
