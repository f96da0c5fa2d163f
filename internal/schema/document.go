package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// document mirrors the on-disk schema JSON shape.
type document struct {
	SchemaVersion string                `json:"schema_version"`
	TypeID        string                `json:"type_id"`
	Description   string                `json:"description"`
	Entities      map[string]entitySpec `json:"entities"`
	Capabilities  capabilitiesSpec      `json:"capabilities"`
	Ops           opsSpec               `json:"ops"`
}

type capabilitiesSpec struct {
	Protocols []string    `json:"protocols"`
	Features  []string    `json:"features"`
	Storage   storageSpec `json:"storage"`
}

type storageSpec struct {
	BlobStores []BlobStoreConfig `json:"blob_stores"`
	KVStores   []KVStoreConfig   `json:"kv_stores"`
}

type opsSpec struct {
	Limits Limits `json:"limits"`
}

type entitySpec struct {
	Type        string           `json:"type"`
	PrimaryKey  []string         `json:"primary_key"`
	Fields      orderedFields    `json:"fields"`
	Constraints []constraintSpec `json:"constraints"`
}

type fieldSpec struct {
	name      string
	Type      string   `json:"type"`
	Optional  bool     `json:"optional"`
	Normalize []string `json:"normalize"`
}

type constraintSpec struct {
	Field       string `json:"field"`
	Regex       string `json:"regex"`
	WhenPresent bool   `json:"when_present"`
}

// orderedFields decodes a JSON object while preserving declaration order.
// encoding/json maps lose it, and the normalization pipeline is specified
// to run over fields in declared order.
type orderedFields []fieldSpec

func (o *orderedFields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("fields: expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("fields: expected field name, got %v", tok)
		}

		var spec fieldSpec
		if err := dec.Decode(&spec); err != nil {
			return fmt.Errorf("fields: field %s: %w", name, err)
		}
		spec.name = name
		*o = append(*o, spec)
	}

	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
