/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/klog/v2"

	dbclient "github.com/opscore/rollout/pkg/database/client"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

// Compatibility modes of a topic's schema lineage.
const (
	CompatibilityBackward = "backward"
	CompatibilityForward  = "forward"
	CompatibilityFull     = "full"
	CompatibilityNone     = "none"
)

// Schema describes the payload contract of a topic version. Fields are flat
// name/type pairs; optional fields may be absent from a payload.
type Schema struct {
	Fields []SchemaField `json:"fields"`
}

// SchemaField constrains one payload field. Enum and the length bounds apply
// to string fields, the value bounds to number fields; nil means
// unconstrained.
type SchemaField struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Optional bool     `json:"optional,omitempty"`
	Enum     []string `json:"enum,omitempty"`
	MinLen   *int     `json:"minLength,omitempty"`
	MaxLen   *int     `json:"maxLength,omitempty"`
	Minimum  *float64 `json:"minimum,omitempty"`
	Maximum  *float64 `json:"maximum,omitempty"`
}

// Registry manages the schema lineage of every topic. A new version is only
// accepted when it satisfies the topic's compatibility mode against the
// current latest version.
type Registry struct {
	store dbclient.BusInterface
}

func NewRegistry(store dbclient.BusInterface) *Registry {
	return &Registry{store: store}
}

// Register validates and stores a new schema version for a topic. It returns
// the assigned version number, starting at 1.
func (r *Registry) Register(ctx context.Context, topic string, schema *Schema, compatibility string) (int, error) {
	switch compatibility {
	case CompatibilityBackward, CompatibilityForward, CompatibilityFull, CompatibilityNone:
	default:
		return 0, commonerrors.NewBadRequest(fmt.Sprintf("unknown compatibility mode %q", compatibility))
	}
	if err := validateSchema(schema); err != nil {
		return 0, err
	}

	latest, err := r.store.GetLatestBusSchema(ctx, topic)
	if err != nil && !commonerrors.IsNotFound(err) {
		return 0, err
	}

	version := 1
	if latest != nil {
		var previous Schema
		if err = json.Unmarshal(latest.Definition, &previous); err != nil {
			return 0, commonerrors.NewInternalError(fmt.Sprintf("stored schema of %s v%d is unreadable: %v", topic, latest.Version, err))
		}
		if err = CheckCompatibility(&previous, schema, compatibility); err != nil {
			return 0, err
		}
		version = latest.Version + 1
	}

	definition, err := json.Marshal(schema)
	if err != nil {
		return 0, err
	}
	_, err = r.store.CreateBusSchema(ctx, &dbclient.BusSchema{
		Topic:         topic,
		Version:       version,
		Definition:    definition,
		Compatibility: compatibility,
	})
	if err != nil {
		return 0, err
	}
	klog.Infof("registered schema v%d for topic %s with %s compatibility", version, topic, compatibility)
	return version, nil
}

// Latest returns the newest schema of a topic, or nil when the topic has no
// registered schema and payloads are unconstrained.
func (r *Registry) Latest(ctx context.Context, topic string) (*Schema, int, error) {
	row, err := r.store.GetLatestBusSchema(ctx, topic)
	if err != nil {
		if commonerrors.IsNotFound(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	var schema Schema
	if err = json.Unmarshal(row.Definition, &schema); err != nil {
		return nil, 0, commonerrors.NewInternalError(fmt.Sprintf("stored schema of %s v%d is unreadable: %v", topic, row.Version, err))
	}
	return &schema, row.Version, nil
}

// ValidatePayload checks a JSON payload against a schema: required fields
// must be present and no field may carry a mismatched JSON type.
func ValidatePayload(schema *Schema, payload []byte) error {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return commonerrors.NewBadRequest(fmt.Sprintf("payload is not a JSON object: %v", err))
	}
	for _, field := range schema.Fields {
		value, present := doc[field.Name]
		if !present {
			if field.Optional {
				continue
			}
			return commonerrors.NewBadRequest(fmt.Sprintf("payload is missing required field %q", field.Name))
		}
		if value == nil {
			continue
		}
		if !typeMatches(field.Type, value) {
			return commonerrors.NewBadRequest(fmt.Sprintf("field %q is not of type %s", field.Name, field.Type))
		}
		if err := checkConstraints(field, value); err != nil {
			return err
		}
	}
	return nil
}

func checkConstraints(field SchemaField, value interface{}) error {
	switch typed := value.(type) {
	case string:
		if len(field.Enum) > 0 && !containsString(field.Enum, typed) {
			return commonerrors.NewBadRequest(fmt.Sprintf(
				"field %q value %q is not one of the allowed values", field.Name, typed))
		}
		if field.MinLen != nil && len(typed) < *field.MinLen {
			return commonerrors.NewBadRequest(fmt.Sprintf(
				"field %q is shorter than %d characters", field.Name, *field.MinLen))
		}
		if field.MaxLen != nil && len(typed) > *field.MaxLen {
			return commonerrors.NewBadRequest(fmt.Sprintf(
				"field %q is longer than %d characters", field.Name, *field.MaxLen))
		}
	case float64:
		if field.Minimum != nil && typed < *field.Minimum {
			return commonerrors.NewBadRequest(fmt.Sprintf(
				"field %q value %v is below the minimum %v", field.Name, typed, *field.Minimum))
		}
		if field.Maximum != nil && typed > *field.Maximum {
			return commonerrors.NewBadRequest(fmt.Sprintf(
				"field %q value %v is above the maximum %v", field.Name, typed, *field.Maximum))
		}
	}
	return nil
}

// CheckCompatibility verifies that next may replace previous under the given
// mode.
//
// Backward keeps new-schema consumers able to read old payloads: every field
// added by next must be optional, and a kept field may not remove enum values
// or narrow its length/value bounds, since conforming old payloads would no
// longer validate. Forward keeps old-schema consumers able to read new
// payloads: next may not drop a required field of previous. Type changes
// break both directions. Full requires both; none skips the check.
func CheckCompatibility(previous, next *Schema, mode string) error {
	if mode == CompatibilityNone {
		return nil
	}
	if mode == CompatibilityBackward || mode == CompatibilityFull {
		if err := checkBackward(previous, next); err != nil {
			return err
		}
	}
	if mode == CompatibilityForward || mode == CompatibilityFull {
		if err := checkForward(previous, next); err != nil {
			return err
		}
	}
	return nil
}

func checkBackward(previous, next *Schema) error {
	old := fieldIndex(previous)
	for _, field := range next.Fields {
		prior, existed := old[field.Name]
		if !existed {
			if !field.Optional {
				return commonerrors.NewSchemaIncompatible(fmt.Sprintf(
					"new required field %q breaks backward compatibility", field.Name))
			}
			continue
		}
		if prior.Type != field.Type {
			return commonerrors.NewSchemaIncompatible(fmt.Sprintf(
				"field %q changed type from %s to %s", field.Name, prior.Type, field.Type))
		}
		if err := checkNotNarrowed(prior, field); err != nil {
			return err
		}
	}
	return nil
}

// checkNotNarrowed rejects a successor field whose constraints admit fewer
// values than its predecessor's.
func checkNotNarrowed(prior, next SchemaField) error {
	if len(next.Enum) > 0 {
		if len(prior.Enum) == 0 {
			return commonerrors.NewSchemaIncompatible(fmt.Sprintf(
				"field %q gained an enum constraint", next.Name))
		}
		for _, value := range prior.Enum {
			if !containsString(next.Enum, value) {
				return commonerrors.NewSchemaIncompatible(fmt.Sprintf(
					"field %q removed enum value %q", next.Name, value))
			}
		}
	}
	if narrowedMin(prior.MinLen, next.MinLen) || narrowedMinFloat(prior.Minimum, next.Minimum) {
		return commonerrors.NewSchemaIncompatible(fmt.Sprintf(
			"field %q raised its lower bound", next.Name))
	}
	if narrowedMax(prior.MaxLen, next.MaxLen) || narrowedMaxFloat(prior.Maximum, next.Maximum) {
		return commonerrors.NewSchemaIncompatible(fmt.Sprintf(
			"field %q lowered its upper bound", next.Name))
	}
	return nil
}

func narrowedMin(prior, next *int) bool {
	return next != nil && (prior == nil || *next > *prior)
}

func narrowedMax(prior, next *int) bool {
	return next != nil && (prior == nil || *next < *prior)
}

func narrowedMinFloat(prior, next *float64) bool {
	return next != nil && (prior == nil || *next > *prior)
}

func narrowedMaxFloat(prior, next *float64) bool {
	return next != nil && (prior == nil || *next < *prior)
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func checkForward(previous, next *Schema) error {
	current := fieldIndex(next)
	for _, field := range previous.Fields {
		successor, kept := current[field.Name]
		if !kept {
			if !field.Optional {
				return commonerrors.NewSchemaIncompatible(fmt.Sprintf(
					"dropping required field %q breaks forward compatibility", field.Name))
			}
			continue
		}
		if successor.Type != field.Type {
			return commonerrors.NewSchemaIncompatible(fmt.Sprintf(
				"field %q changed type from %s to %s", field.Name, field.Type, successor.Type))
		}
	}
	return nil
}

func validateSchema(schema *Schema) error {
	if schema == nil || len(schema.Fields) == 0 {
		return commonerrors.NewBadRequest("schema has no fields")
	}
	seen := map[string]bool{}
	for _, field := range schema.Fields {
		if field.Name == "" {
			return commonerrors.NewBadRequest("schema field has no name")
		}
		if seen[field.Name] {
			return commonerrors.NewBadRequest(fmt.Sprintf("duplicate schema field %q", field.Name))
		}
		seen[field.Name] = true
		switch field.Type {
		case "string", "number", "boolean", "object", "array":
		default:
			return commonerrors.NewBadRequest(fmt.Sprintf("field %q has unknown type %q", field.Name, field.Type))
		}
		if field.Type != "string" && (len(field.Enum) > 0 || field.MinLen != nil || field.MaxLen != nil) {
			return commonerrors.NewBadRequest(fmt.Sprintf(
				"field %q: enum and length bounds only apply to string fields", field.Name))
		}
		if field.Type != "number" && (field.Minimum != nil || field.Maximum != nil) {
			return commonerrors.NewBadRequest(fmt.Sprintf(
				"field %q: value bounds only apply to number fields", field.Name))
		}
		if field.MinLen != nil && field.MaxLen != nil && *field.MinLen > *field.MaxLen {
			return commonerrors.NewBadRequest(fmt.Sprintf("field %q: minLength exceeds maxLength", field.Name))
		}
		if field.Minimum != nil && field.Maximum != nil && *field.Minimum > *field.Maximum {
			return commonerrors.NewBadRequest(fmt.Sprintf("field %q: minimum exceeds maximum", field.Name))
		}
	}
	return nil
}

func typeMatches(fieldType string, value interface{}) bool {
	switch fieldType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	}
	return false
}

func fieldIndex(schema *Schema) map[string]SchemaField {
	index := make(map[string]SchemaField, len(schema.Fields))
	for _, field := range schema.Fields {
		index[field.Name] = field
	}
	return index
}
