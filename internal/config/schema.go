// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

// configSchema validates the program's JSON configuration file against
// the option groups of spec.md §6: Database, Admission, Feed, Server,
// Retention.
var configSchema = `
{
  "type": "object",
  "properties": {
    "database": {
      "type": "object",
      "properties": {
        "user":            { "type": "string" },
        "password":        { "type": "string" },
        "host":            { "type": "string" },
        "port":            { "type": "integer", "minimum": 1, "maximum": 65535 },
        "name":            { "type": "string" },
        "schema":          { "type": "string" },
        "application":     { "type": "string" },
        "read-only":       { "type": "boolean" },
        "connect-timeout": { "type": "string" }
      },
      "required": ["user", "password", "name"]
    },
    "admission": {
      "type": "object",
      "properties": {
        "max-future-time":         { "type": "string" },
        "max-expired-time":        { "type": "string" },
        "circular-buffer-duration": { "type": "string" },
        "circular-buffer-size":    { "type": "integer", "minimum": 1 },
        "log-interval":            { "type": "string" }
      }
    },
    "feed": {
      "type": "object",
      "properties": {
        "address":                     { "type": "string" },
        "username":                    { "type": "string" },
        "password":                    { "type": "string" },
        "creds-file-path":             { "type": "string" },
        "stream-selectors":            { "type": "array", "items": { "type": "string" } },
        "queue-group":                 { "type": "string" },
        "state-file":                  { "type": "string" },
        "state-file-update-interval":  { "type": "string" },
        "record-size":                 { "type": "integer", "minimum": 1 },
        "network-timeout":             { "type": "string" },
        "reconnect-delay":             { "type": "string" },
        "max-queue-size":              { "type": "integer", "minimum": 1 }
      },
      "required": ["address"]
    },
    "server": {
      "type": "object",
      "properties": {
        "bind-address": { "type": "string" },
        "port":         { "type": "integer", "minimum": 1, "maximum": 65535 },
        "thread-count": { "type": "integer", "minimum": 1 },
        "metrics-port": { "type": "integer", "minimum": 1, "maximum": 65535 }
      }
    },
    "retention": {
      "type": "object",
      "properties": {
        "retention-duration": { "type": "string" }
      }
    }
  },
  "required": ["database", "feed"]
}`
