// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package credentials builds a Postgres connection string and manages the
// session lifecycle (connect, reconnect with an escalating delay schedule,
// liveness) used by the registry, writer and reader (spec.md §4.C).
package credentials

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DefaultApplicationName is used when Credentials.Application is unset.
const DefaultApplicationName = "uWaveServer"

var (
	errMissingUser     = errors.New("waveform/credentials: user is required")
	errMissingPassword = errors.New("waveform/credentials: password is required")
	errMissingName     = errors.New("waveform/credentials: database name is required")
	errNotConnected    = errors.New("waveform/credentials: not connected")
)

// Credentials holds everything needed to build a connection string and open
// a session against the waveform storage engine.
type Credentials struct {
	User     string
	Password string
	Host     string
	Port     int
	Name     string
	Schema   string
	// Application is the application_name reported to the server.
	Application string
	ReadOnly    bool
	// ConnectTimeout bounds a single dial attempt (the connect_timeout
	// libpq parameter), separate from the reconnect schedule below.
	ConnectTimeout time.Duration
}

// ConnectionString renders the canonical key=value DSN libpq expects. It
// fails when user, password or name are unset (spec.md §4.C).
func (c Credentials) ConnectionString() (string, error) {
	if strings.TrimSpace(c.User) == "" {
		return "", errMissingUser
	}
	if c.Password == "" {
		return "", errMissingPassword
	}
	if strings.TrimSpace(c.Name) == "" {
		return "", errMissingName
	}

	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	app := c.Application
	if app == "" {
		app = DefaultApplicationName
	}
	connectTimeout := int(c.ConnectTimeout.Seconds())
	if connectTimeout <= 0 {
		connectTimeout = 10
	}

	var b strings.Builder
	fmt.Fprintf(&b, "user=%s ", escape(c.User))
	fmt.Fprintf(&b, "password=%s ", escape(c.Password))
	fmt.Fprintf(&b, "host=%s ", escape(host))
	fmt.Fprintf(&b, "port=%d ", port)
	fmt.Fprintf(&b, "dbname=%s ", escape(c.Name))
	fmt.Fprintf(&b, "application_name=%s ", escape(app))
	fmt.Fprintf(&b, "connect_timeout=%d ", connectTimeout)
	if c.ReadOnly {
		b.WriteString("default_transaction_read_only=on ")
	}
	b.WriteString("sslmode=disable")
	return b.String(), nil
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// Connection wraps an *sqlx.DB the way internal/repository.DBConnection
// wraps the teacher's session: one struct, mutated only under reconnect.
type Connection struct {
	creds Credentials
	db    *sqlx.DB
}

// fixedSchedule implements backoff.BackOff with the escalating {0s, 15s,
// 60s} delay schedule from spec.md §4.C. Once the schedule is exhausted it
// returns backoff.Stop, so backoff.Retry gives up instead of retrying
// forever.
type fixedSchedule struct {
	delays []time.Duration
	step   int
}

func newFixedSchedule() *fixedSchedule {
	return &fixedSchedule{delays: []time.Duration{0, 15 * time.Second, 60 * time.Second}}
}

func (f *fixedSchedule) NextBackOff() time.Duration {
	if f.step >= len(f.delays) {
		return backoff.Stop
	}
	d := f.delays[f.step]
	f.step++
	return d
}

func (f *fixedSchedule) Reset() { f.step = 0 }

// Connect opens a session and, if Schema is set, issues SET search_path
// before returning (spec.md §4.C).
func Connect(creds Credentials) (*Connection, error) {
	dsn, err := creds.ConnectionString()
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if creds.Schema != "" {
		if _, err := db.Exec(fmt.Sprintf("SET search_path TO %s", pqQuoteIdent(creds.Schema))); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Connection{creds: creds, db: db}, nil
}

// pqQuoteIdent double-quotes an identifier, doubling embedded quotes.
func pqQuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Reconnect retries Connect on the {0s, 15s, 60s} schedule, giving up with
// a fatal error if every attempt fails (spec.md §4.C).
func Reconnect(creds Credentials) (*Connection, error) {
	sched := newFixedSchedule()
	var conn *Connection
	err := backoff.Retry(func() error {
		c, connErr := Connect(creds)
		if connErr != nil {
			return connErr
		}
		conn = c
		return nil
	}, sched)
	if err != nil {
		return nil, fmt.Errorf("waveform/credentials: reconnect exhausted all attempts: %w", err)
	}
	return conn, nil
}

// DB returns the underlying handle for use by the registry, writer, and
// reader packages.
func (c *Connection) DB() *sqlx.DB { return c.db }

// NewConnection wraps an already-open *sqlx.DB as a Connection, for callers
// that obtained a handle outside of Connect (e.g. a mocked session in a
// test double standing in for credentials.Reconnect).
func NewConnection(db *sqlx.DB) *Connection {
	return &Connection{db: db}
}

// IsConnected reports whether the underlying session currently answers a
// ping.
func (c *Connection) IsConnected() bool {
	if c == nil || c.db == nil {
		return false
	}
	return c.db.Ping() == nil
}

// Close releases the underlying session.
func (c *Connection) Close() error {
	if c == nil || c.db == nil {
		return errNotConnected
	}
	return c.db.Close()
}
