/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides a small builder for uniform logrus field names
// across the service. Components agree on field keys so log queries can
// filter on component/operation/resource without per-package variation.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// StandardFields is a chainable builder over logrus.Fields.
type StandardFields map[string]interface{}

// NewFields returns an empty field set.
func NewFields() StandardFields {
	return StandardFields{}
}

// Component records the emitting component (orchestrator, consolidator, ...).
func (f StandardFields) Component(name string) StandardFields {
	f["component"] = name
	return f
}

// Operation records the logical operation in progress.
func (f StandardFields) Operation(name string) StandardFields {
	f["operation"] = name
	return f
}

// Resource records the resource type and, when known, its name.
func (f StandardFields) Resource(resourceType, name string) StandardFields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

// Snapshot records the snapshot id a log line is scoped to.
func (f StandardFields) Snapshot(id string) StandardFields {
	f["snapshot_id"] = id
	return f
}

// Role records the LLM role being dispatched.
func (f StandardFields) Role(role string) StandardFields {
	f["role"] = role
	return f
}

// Duration records elapsed time in milliseconds.
func (f StandardFields) Duration(d time.Duration) StandardFields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Error records the error message. Nil errors add nothing.
func (f StandardFields) Error(err error) StandardFields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// Fields converts the builder into logrus.Fields for WithFields.
func (f StandardFields) Fields() logrus.Fields {
	return logrus.Fields(f)
}
