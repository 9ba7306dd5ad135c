// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package reader

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/uofuseismo/uwaveserver/internal/waveform/codec"
	"github.com/uofuseismo/uwaveserver/internal/waveform/registry"
)

func setup(t *testing.T) (*Reader, *registry.Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")
	reg := registry.New(sdb, "")
	return New(sdb, reg), reg, mock
}

func TestQueryRejectsBadRange(t *testing.T) {
	r, _, _ := setup(t)
	_, err := r.Query("UU", "BGU", "HHZ", "01", 100, 50, false)
	require.ErrorIs(t, err, errBadRange)
}

func TestQueryRejectsEmptyIdentifiers(t *testing.T) {
	r, _, _ := setup(t)
	_, err := r.Query("", "BGU", "HHZ", "01", 0, 100, false)
	require.ErrorIs(t, err, errEmptyIdentifier)
}

func TestQueryReturnsNilWhenStreamNotFound(t *testing.T) {
	r, _, mock := setup(t)
	mock.ExpectQuery("SELECT stream_id, data_table FROM streams").
		WithArgs("UU", "BGU", "HHZ", "01").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "data_table"}))

	packets, err := r.Query("UU", "BGU", "HHZ", "01", 0, 100, false)
	require.NoError(t, err)
	require.Nil(t, packets)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryCacheOnlySkipsDatabase(t *testing.T) {
	r, reg, mock := setup(t)
	reg.Resolve("UU", "BGU", "HHZ", "01", registry.WriterMode)
	_ = reg

	mock.ExpectQuery("SELECT stream_id, data_table FROM streams").
		WithArgs("UU", "BGU", "HHZ", "01").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "data_table"}).AddRow(int64(1), "uu_bgu_hhz_01"))

	packets, err := r.Query("UU", "BGU", "HHZ", "01", 0, 100, true)
	require.NoError(t, err)
	require.Nil(t, packets)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryDecodesAndSortsRows(t *testing.T) {
	r, _, mock := setup(t)
	mock.ExpectQuery("SELECT stream_id, data_table FROM streams").
		WithArgs("UU", "BGU", "HHZ", "01").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "data_table"}).AddRow(int64(1), "uu_bgu_hhz_01"))

	enc2, err := codec.EncodeInt32([]int32{4, 5, 6}, false, codec.CompressionBest)
	require.NoError(t, err)
	enc1, err := codec.EncodeInt32([]int32{1, 2, 3}, false, codec.CompressionBest)
	require.NoError(t, err)

	now := float64(time.Now().Unix())
	mock.ExpectQuery(`SELECT EXTRACT\(epoch FROM start_time\)`).
		WithArgs(int64(1), float64(0), float64(200)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"start_time", "sampling_rate", "number_of_samples", "little_endian", "compressed", "data_type", "data"}).
			AddRow(now+10, 100.0, 3, true, false, "i", enc2).
			AddRow(now, 100.0, 3, true, false, "i", enc1))

	packets, err := r.Query("UU", "BGU", "HHZ", "01", 0, 200, false)
	require.NoError(t, err)
	require.Len(t, packets, 2)

	s0, _ := packets[0].StartTimeMicroSeconds()
	s1, _ := packets[1].StartTimeMicroSeconds()
	require.Less(t, s0, s1)

	xs, ok := packets[0].ViewInt32()
	require.True(t, ok)
	require.Equal(t, []int32{1, 2, 3}, xs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryStationRejectsBadRange(t *testing.T) {
	r, _, _ := setup(t)
	_, err := r.QueryStation("UU", "BGU", 100, 50, false)
	require.ErrorIs(t, err, errBadRange)
}

func TestQueryStationGroupsByCanonicalName(t *testing.T) {
	r, _, mock := setup(t)
	mock.ExpectQuery("SELECT network, station, channel, location, stream_id, data_table FROM streams").
		WithArgs("UU", "BGU").
		WillReturnRows(sqlmock.NewRows([]string{"network", "station", "channel", "location", "stream_id", "data_table"}).
			AddRow("UU", "BGU", "HHZ", "01", int64(1), "uu_bgu").
			AddRow("UU", "BGU", "HHN", "01", int64(2), "uu_bgu"))

	enc, err := codec.EncodeInt32([]int32{1, 2}, false, codec.CompressionBest)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT stream_id, EXTRACT\(epoch FROM start_time\)`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"stream_id", "start_time", "sampling_rate", "number_of_samples", "little_endian", "compressed", "data_type", "data"}).
			AddRow(int64(1), float64(10), 100.0, 2, true, false, "i", enc))

	result, err := r.QueryStation("UU", "BGU", 0, 100, false)
	require.NoError(t, err)
	require.Contains(t, result, "UU.BGU.HHZ.01")
	require.Len(t, result["UU.BGU.HHZ.01"], 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryStationReturnsEmptyWhenNoStreams(t *testing.T) {
	r, _, mock := setup(t)
	mock.ExpectQuery("SELECT network, station, channel, location, stream_id, data_table FROM streams").
		WithArgs("UU", "NONE").
		WillReturnRows(sqlmock.NewRows([]string{"network", "station", "channel", "location", "stream_id", "data_table"}))

	result, err := r.QueryStation("UU", "NONE", 0, 100, false)
	require.NoError(t, err)
	require.Empty(t, result)
	require.NoError(t, mock.ExpectationsWereMet())
}
