// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/uofuseismo/uwaveserver/internal/waveform/codec"
	"github.com/uofuseismo/uwaveserver/internal/waveform/reader"
	"github.com/uofuseismo/uwaveserver/internal/waveform/registry"
)

func setup(t *testing.T) (*API, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")
	reg := registry.New(sdb, "")
	return &API{Reader: reader.New(sdb, reg)}, mock
}

func TestHandleStreamQueryRejectsMissingStation(t *testing.T) {
	a, _ := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/stream-query?network=UU", nil)
	rw := httptest.NewRecorder()
	a.NewRouter().ServeHTTP(rw, req)
	require.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestHandleStreamQueryRejectsInvertedRange(t *testing.T) {
	a, _ := setup(t)
	req := httptest.NewRequest(http.MethodGet,
		"/stream-query?network=UU&station=BGU&channel=HHZ&starttime=100&endtime=50", nil)
	rw := httptest.NewRecorder()
	a.NewRouter().ServeHTTP(rw, req)
	require.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestHandleStreamQueryRejectsEqualRange(t *testing.T) {
	a, _ := setup(t)
	req := httptest.NewRequest(http.MethodGet,
		"/stream-query?network=UU&station=BGU&channel=HHZ&starttime=100&endtime=100", nil)
	rw := httptest.NewRecorder()
	a.NewRouter().ServeHTTP(rw, req)
	require.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestHandleStreamQueryRejectsInvalidFormat(t *testing.T) {
	a, _ := setup(t)
	req := httptest.NewRequest(http.MethodGet,
		"/stream-query?network=UU&station=BGU&channel=HHZ&starttime=0&endtime=100&format=bogus", nil)
	rw := httptest.NewRecorder()
	a.NewRouter().ServeHTTP(rw, req)
	require.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestHandleStreamQueryRejectsInvalidNodata(t *testing.T) {
	a, _ := setup(t)
	req := httptest.NewRequest(http.MethodGet,
		"/stream-query?network=UU&station=BGU&channel=HHZ&starttime=0&endtime=100&nodata=999", nil)
	rw := httptest.NewRecorder()
	a.NewRouter().ServeHTTP(rw, req)
	require.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestHandleStreamQueryDefaultsNodataTo204(t *testing.T) {
	a, mock := setup(t)
	mock.ExpectQuery("SELECT stream_id, data_table FROM streams").
		WithArgs("UU", "BGU", "HHZ", "").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "data_table"}))

	req := httptest.NewRequest(http.MethodGet,
		"/stream-query?network=UU&station=BGU&channel=HHZ&starttime=0&endtime=100", nil)
	rw := httptest.NewRecorder()
	a.NewRouter().ServeHTTP(rw, req)
	require.Equal(t, http.StatusNoContent, rw.Code)
}

func TestHandleStreamQueryHonorsNodata404(t *testing.T) {
	a, mock := setup(t)
	mock.ExpectQuery("SELECT stream_id, data_table FROM streams").
		WithArgs("UU", "BGU", "HHZ", "").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "data_table"}))

	req := httptest.NewRequest(http.MethodGet,
		"/stream-query?network=UU&station=BGU&channel=HHZ&starttime=0&endtime=100&nodata=404", nil)
	rw := httptest.NewRecorder()
	a.NewRouter().ServeHTTP(rw, req)
	require.Equal(t, http.StatusNotFound, rw.Code)
}

func TestHandleStreamQueryReturnsMiniSEED2(t *testing.T) {
	a, mock := setup(t)
	mock.ExpectQuery("SELECT stream_id, data_table FROM streams").
		WithArgs("UU", "BGU", "HHZ", "01").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "data_table"}).AddRow(int64(1), "uu_bgu_hhz_01"))

	enc, err := codec.EncodeInt32([]int32{1, 2, 3}, false, codec.CompressionBest)
	require.NoError(t, err)

	now := float64(time.Now().Unix())
	mock.ExpectQuery(`SELECT EXTRACT\(epoch FROM start_time\)`).
		WithArgs(int64(1), float64(0), float64(now+1)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"start_time", "sampling_rate", "number_of_samples", "little_endian", "compressed", "data_type", "data"}).
			AddRow(now, 100.0, 3, true, false, "i", enc))

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/stream-query?network=UU&station=BGU&channel=HHZ&location=01&starttime=0&endtime=%f", now+1), nil)
	rw := httptest.NewRecorder()
	a.NewRouter().ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
	require.Equal(t, 512, rw.Body.Len())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleStreamQueryReturnsJSON(t *testing.T) {
	a, mock := setup(t)
	mock.ExpectQuery("SELECT stream_id, data_table FROM streams").
		WithArgs("UU", "BGU", "HHZ", "01").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "data_table"}).AddRow(int64(1), "uu_bgu_hhz_01"))

	enc, err := codec.EncodeInt32([]int32{1, 2, 3}, false, codec.CompressionBest)
	require.NoError(t, err)

	now := float64(time.Now().Unix())
	mock.ExpectQuery(`SELECT EXTRACT\(epoch FROM start_time\)`).
		WithArgs(int64(1), float64(0), float64(now+1)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"start_time", "sampling_rate", "number_of_samples", "little_endian", "compressed", "data_type", "data"}).
			AddRow(now, 100.0, 3, true, false, "i", enc))

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/stream-query?network=UU&station=BGU&channel=HHZ&location=01&starttime=0&endtime=%f&format=json", now+1), nil)
	rw := httptest.NewRecorder()
	a.NewRouter().ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
	require.Equal(t, "application/json", rw.Header().Get("Content-Type"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseTimeAcceptsEpochSeconds(t *testing.T) {
	v, err := parseTime("1700000000")
	require.NoError(t, err)
	require.Equal(t, float64(1700000000), v)
}

func TestParseTimeAcceptsISODate(t *testing.T) {
	v, err := parseTime("2023-11-14T22:13:20Z")
	require.NoError(t, err)
	require.InDelta(t, 1700000000, v, 1)
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	_, err := parseTime("not-a-time")
	require.Error(t, err)
}
