// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate compiles schemaString and checks instance against it, returning
// an error instead of aborting the process - the caller (Load) decides
// whether a validation failure is fatal.
func Validate(schemaString string, instance json.RawMessage) error {
	sch, err := jsonschema.CompileString("config.json", schemaString)
	if err != nil {
		return fmt.Errorf("config: compiling schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		return fmt.Errorf("config: unmarshaling instance: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config: validating instance: %w", err)
	}
	return nil
}
