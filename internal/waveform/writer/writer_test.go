// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package writer

import (
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/uofuseismo/uwaveserver/internal/waveform/credentials"
	"github.com/uofuseismo/uwaveserver/internal/waveform/packet"
	"github.com/uofuseismo/uwaveserver/internal/waveform/registry"
)

func makePacket(t *testing.T, startOffset time.Duration) *packet.Packet {
	t.Helper()
	p := &packet.Packet{}
	require.NoError(t, p.SetNetwork("uu"))
	require.NoError(t, p.SetStation("bgu"))
	require.NoError(t, p.SetChannel("hhz"))
	require.NoError(t, p.SetLocation("01"))
	require.NoError(t, p.SetSamplingRate(100))
	p.SetStartTimeSeconds(float64(time.Now().Add(startOffset).UnixNano()) / 1e9)
	p.SetInt32Samples([]int32{1, 2, 3, 4, 5})
	return p
}

func setup(t *testing.T) (*Writer, *registry.Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")
	reg := registry.New(sdb, "")
	w := New(sdb, reg, Config{RetentionDuration: 365 * 24 * time.Hour}, credentials.Credentials{})
	return w, reg, mock
}

// TestWriteReconnectsOnDroppedSession exercises the ensureConnected path:
// the session no longer answers a ping, so Write must call the injected
// reconnect function once, adopt its *sqlx.DB, propagate it to the
// registry, and proceed with the insert on the new connection.
func TestWriteReconnectsOnDroppedSession(t *testing.T) {
	deadDB, deadMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { deadDB.Close() })
	deadMock.ExpectPing().WillReturnError(errors.New("connection refused"))
	deadSdb := sqlx.NewDb(deadDB, "sqlmock")

	freshDB, freshMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { freshDB.Close() })
	freshSdb := sqlx.NewDb(freshDB, "sqlmock")

	reg := registry.New(deadSdb, "")
	w := New(deadSdb, reg, Config{RetentionDuration: 365 * 24 * time.Hour}, credentials.Credentials{})
	reconnectCalls := 0
	w.reconnect = func(credentials.Credentials) (*credentials.Connection, error) {
		reconnectCalls++
		return credentials.NewConnection(freshSdb), nil
	}

	p := makePacket(t, 0)
	freshMock.ExpectQuery("SELECT stream_id, data_table FROM streams").
		WithArgs("UU", "BGU", "HHZ", "01").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "data_table"}).AddRow(int64(5), "uu_bgu_hhz_01"))
	freshMock.ExpectExec("INSERT INTO uu_bgu_hhz_01").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := w.Write(p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, reconnectCalls)
	require.NoError(t, deadMock.ExpectationsWereMet())
	require.NoError(t, freshMock.ExpectationsWereMet())
}

func TestWriteRejectsMissingNetwork(t *testing.T) {
	w, _, _ := setup(t)
	p := &packet.Packet{}
	_, err := w.Write(p)
	require.ErrorIs(t, err, errMissingFields)
}

func TestWriteSkipsEmptySampleArray(t *testing.T) {
	w, reg, mock := setup(t)
	p := &packet.Packet{}
	require.NoError(t, p.SetNetwork("uu"))
	require.NoError(t, p.SetStation("bgu"))
	require.NoError(t, p.SetChannel("hhz"))
	require.NoError(t, p.SetSamplingRate(100))
	p.SetStartTimeSeconds(float64(time.Now().Unix()))

	ok, err := w.Write(p)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
	_ = reg
}

func TestWriteSkipsExpiredPacket(t *testing.T) {
	w, _, mock := setup(t)
	p := makePacket(t, -400*24*time.Hour)

	ok, err := w.Write(p)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteResolvesEncodesAndInserts(t *testing.T) {
	w, _, mock := setup(t)
	p := makePacket(t, 0)

	mock.ExpectQuery("SELECT stream_id, data_table FROM streams").
		WithArgs("UU", "BGU", "HHZ", "01").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "data_table"}).AddRow(int64(5), "uu_bgu_hhz_01"))

	mock.ExpectExec("INSERT INTO uu_bgu_hhz_01").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := w.Write(p)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteCreatesStreamWhenAbsent(t *testing.T) {
	w, _, mock := setup(t)
	p := makePacket(t, 0)

	mock.ExpectQuery("SELECT stream_id, data_table FROM streams").
		WithArgs("UU", "BGU", "HHZ", "01").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "data_table"}))

	mock.ExpectExec("SELECT create_stream_data_table_with_defaults").
		WithArgs("UU", "BGU", "HHZ", "01").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("SELECT stream_id, data_table FROM streams").
		WithArgs("UU", "BGU", "HHZ", "01").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "data_table"}).AddRow(int64(1), "uu_bgu_hhz_01"))

	mock.ExpectExec("INSERT INTO uu_bgu_hhz_01").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := w.Write(p)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
