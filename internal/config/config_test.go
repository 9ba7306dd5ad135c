// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `{
  "database": { "user": "uwave", "password": "secret", "name": "uwave" },
  "feed": { "address": "nats://127.0.0.1:4222" }
}`

func TestLoadAcceptsMinimalConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "uwave", cfg.Database.User)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Feed.Address)
}

func TestLoadRejectsMissingDatabase(t *testing.T) {
	path := writeConfig(t, `{"feed": {"address": "nats://127.0.0.1:4222"}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingRequiredDatabaseField(t *testing.T) {
	path := writeConfig(t, `{
		"database": { "user": "uwave", "name": "uwave" },
		"feed": { "address": "nats://127.0.0.1:4222" }
	}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `{
		"database": { "user": "uwave", "password": "secret", "name": "uwave" },
		"feed": { "address": "nats://127.0.0.1:4222" },
		"bogus": true
	}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDatabaseConfigCredentialsDefaultsPort(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Name: "n"}
	creds, err := d.Credentials()
	require.NoError(t, err)
	assert.Equal(t, 5432, creds.Port)
	assert.Equal(t, 10*time.Second, creds.ConnectTimeout)
}

func TestDatabaseConfigCredentialsParsesTimeout(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Name: "n", ConnectTimeout: "5s"}
	creds, err := d.Credentials()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, creds.ConnectTimeout)
}

func TestDatabaseConfigCredentialsRejectsBadTimeout(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Name: "n", ConnectTimeout: "not-a-duration"}
	_, err := d.Credentials()
	assert.Error(t, err)
}

func TestAdmissionConfigFilterDefaults(t *testing.T) {
	a := AdmissionConfig{}
	cfg, logInterval, err := a.Filter()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.MaxFuture)
	assert.Equal(t, time.Hour, cfg.MaxExpired)
	assert.Equal(t, 60*time.Second, logInterval)
}

func TestAdmissionConfigFilterParsesAllFields(t *testing.T) {
	a := AdmissionConfig{
		MaxFutureTime:          "1s",
		MaxExpiredTime:         "2h",
		CircularBufferDuration: "30m",
		CircularBufferSize:     500,
		LogInterval:            "10s",
	}
	cfg, logInterval, err := a.Filter()
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.MaxFuture)
	assert.Equal(t, 2*time.Hour, cfg.MaxExpired)
	assert.Equal(t, 30*time.Minute, cfg.BufferDuration)
	assert.Equal(t, 500, cfg.BufferCapacity)
	assert.Equal(t, 10*time.Second, logInterval)
}

func TestAdmissionConfigFilterRejectsBadDuration(t *testing.T) {
	a := AdmissionConfig{MaxFutureTime: "nope"}
	_, _, err := a.Filter()
	assert.Error(t, err)
}

func TestFeedConfigDriverCopiesFields(t *testing.T) {
	f := FeedConfig{
		Address:         "nats://127.0.0.1:4222",
		Username:        "u",
		Password:        "p",
		StreamSelectors: []string{"uu.bgu.*"},
		QueueGroup:      "ingest",
	}
	d := f.Driver()
	assert.Equal(t, "nats://127.0.0.1:4222", d.Address)
	assert.Equal(t, []string{"uu.bgu.*"}, d.StreamSelectors)
	assert.Equal(t, "ingest", d.QueueGroup)
}

func TestServerConfigAddrDefaultsPort(t *testing.T) {
	s := ServerConfig{BindAddress: "0.0.0.0"}
	assert.Equal(t, "0.0.0.0:8080", s.Addr())
}

func TestRetentionConfigWriterDefaultsToOneYear(t *testing.T) {
	r := RetentionConfig{}
	d, err := r.Writer()
	require.NoError(t, err)
	assert.Equal(t, 8760*time.Hour, d)
}

func TestRetentionConfigWriterParsesExplicitDuration(t *testing.T) {
	r := RetentionConfig{RetentionDuration: "24h"}
	d, err := r.Writer()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)
}

func TestRetentionConfigWriterRejectsBadDuration(t *testing.T) {
	r := RetentionConfig{RetentionDuration: "nope"}
	_, err := r.Writer()
	assert.Error(t, err)
}
