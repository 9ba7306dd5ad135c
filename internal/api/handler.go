// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api serves the stream-query HTTP surface of spec.md §6 over
// github.com/gorilla/mux, the teacher's router of choice, and follows
// internal/memorystore/api.go's handleError + JSON ErrorResponse idiom.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/uofuseismo/uwaveserver/internal/waveform/export"
	"github.com/uofuseismo/uwaveserver/internal/waveform/packet"
	"github.com/uofuseismo/uwaveserver/internal/waveform/reader"
	"github.com/uofuseismo/uwaveserver/pkg/log"
	"github.com/uofuseismo/uwaveserver/pkg/metrics"
)

// ErrorResponse is the JSON body returned for every non-2xx response.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func handleError(rw http.ResponseWriter, err error, statusCode int) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(ErrorResponse{
		Status: http.StatusText(statusCode),
		Error:  err.Error(),
	})
	metrics.IncQueryRequest(strconv.Itoa(statusCode))
}

// API holds the reader the stream-query handler reads through.
type API struct {
	Reader *reader.Reader
}

// NewRouter builds the HTTP router for the stream-query surface.
func (a *API) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/stream-query", a.handleStreamQuery).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// parseTime accepts either a decimal epoch-seconds number or an ISO date
// of the form YYYY-MM-DDTHH:MM:SS[.ssssss][Z] per spec.md §6.
func parseTime(raw string) (float64, error) {
	if raw == "" {
		return 0, errors.New("missing time value")
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, nil
	}
	layouts := []string{
		"2006-01-02T15:04:05.999999Z",
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return float64(t.UnixNano()) / 1e9, nil
		}
	}
	return 0, errors.New("invalid time value: " + raw)
}

func (a *API) handleStreamQuery(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	network := strings.ToUpper(strings.TrimSpace(q.Get("network")))
	station := strings.ToUpper(strings.TrimSpace(q.Get("station")))
	channel := strings.ToUpper(strings.TrimSpace(q.Get("channel")))
	location := strings.ToUpper(strings.TrimSpace(q.Get("location")))

	if network == "" || station == "" {
		handleError(rw, errors.New("'network' and 'station' are required query parameters"), http.StatusBadRequest)
		return
	}

	t0, err := parseTime(q.Get("starttime"))
	if err != nil {
		handleError(rw, err, http.StatusBadRequest)
		return
	}
	t1, err := parseTime(q.Get("endtime"))
	if err != nil {
		handleError(rw, err, http.StatusBadRequest)
		return
	}
	if t1 <= t0 {
		handleError(rw, errors.New("'endtime' must be strictly after 'starttime'"), http.StatusBadRequest)
		return
	}

	format := strings.ToLower(q.Get("format"))
	if format == "" {
		format = "miniseed2"
	}
	if format != "miniseed2" && format != "miniseed3" && format != "json" {
		handleError(rw, errors.New("invalid 'format': "+format), http.StatusBadRequest)
		return
	}

	nodataRaw := q.Get("nodata")
	nodata := http.StatusNoContent
	switch nodataRaw {
	case "", "204":
		nodata = http.StatusNoContent
	case "404":
		nodata = http.StatusNotFound
	default:
		handleError(rw, errors.New("invalid 'nodata': "+nodataRaw), http.StatusBadRequest)
		return
	}

	var packets []*packet.Packet
	if channel == "" {
		byStream, err := a.Reader.QueryStation(network, station, t0, t1, false)
		if err != nil {
			handleError(rw, err, http.StatusInternalServerError)
			return
		}
		for _, ps := range byStream {
			packets = append(packets, ps...)
		}
	} else {
		packets, err = a.Reader.Query(network, station, channel, location, t0, t1, false)
		if err != nil {
			handleError(rw, err, http.StatusInternalServerError)
			return
		}
	}

	if len(packets) == 0 {
		rw.WriteHeader(nodata)
		metrics.IncQueryRequest(strconv.Itoa(nodata))
		metrics.ObserveQueryDuration(time.Since(start).Seconds())
		return
	}

	var body []byte
	switch format {
	case "miniseed2":
		body, err = export.EncodeMiniSEED2(packets, export.DefaultRecordLength)
	case "miniseed3":
		body, err = export.EncodeMiniSEED3(packets)
	case "json":
		body, err = export.EncodeJSONDocument(packets)
	}
	if err != nil {
		log.Errorf("api: encoding stream-query response failed: %v", err)
		handleError(rw, err, http.StatusInternalServerError)
		return
	}

	contentType := "application/octet-stream"
	if format == "json" {
		contentType = "application/json"
	}
	rw.Header().Set("Content-Type", contentType)
	rw.WriteHeader(http.StatusOK)
	rw.Write(body)
	metrics.IncQueryRequest(strconv.Itoa(http.StatusOK))
	metrics.ObserveQueryDuration(time.Since(start).Seconds())
}
