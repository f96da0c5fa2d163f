// Package schema loads and interprets the declarative repository definition.
//
// The schema document drives field normalization and validation at request
// time. Rules are compiled once at load into typed, immutable structures
// (normalizer variants and pre-compiled regexps) so nothing is re-parsed per
// request. One shared Model instance serves all concurrent requests for the
// process lifetime.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrLoad marks any failure to parse or interpret a schema document.
// Fatal at startup; never returned after a Model is built.
var ErrLoad = errors.New("schema: load failed")

//go:embed metaschema.json
var metaSchemaJSON string

//go:embed default_schema.json
var defaultSchemaJSON []byte

var metaSchema = jsonschema.MustCompileString("depot://metaschema.json", metaSchemaJSON)

// NormalizerKind identifies one normalization rule.
type NormalizerKind int

const (
	Trim NormalizerKind = iota
	Lower
	Replace
)

// Normalizer is one step of a field's normalization pipeline.
type Normalizer struct {
	Kind NormalizerKind
	From string // Replace only
	To   string // Replace only
}

// Field is one declared entity field with its pipeline, in declared order.
type Field struct {
	Name        string
	Optional    bool
	Normalizers []Normalizer
}

// Constraint is a compiled field constraint. The regexp is anchored at the
// start of the value.
type Constraint struct {
	Field       string
	Pattern     string
	WhenPresent bool
	re          *regexp.Regexp
}

// Entity holds the declared fields (ordered) and constraints of one entity
// type, e.g. "artifact".
type Entity struct {
	Name        string
	Fields      []Field
	Constraints []Constraint
}

// BlobStoreConfig describes one content-addressed blob store.
type BlobStoreConfig struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Root         string `json:"root"`
	Digest       string `json:"digest"`
	PathTemplate string `json:"path_template"`
	MaxBlobBytes int64  `json:"max_blob_bytes"`
	MinBlobBytes int64  `json:"min_blob_bytes"`
}

// KVStoreConfig describes one metadata store.
type KVStoreConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Root string `json:"root"`
}

// Limits holds the operational limits declared by the schema.
type Limits struct {
	MaxRequestBodyBytes int64 `json:"max_request_body_bytes"`
}

// Model is the parsed, immutable repository definition.
type Model struct {
	SchemaVersion string
	TypeID        string
	Description   string

	Limits     Limits
	BlobStores []BlobStoreConfig
	KVStores   []KVStoreConfig

	entities map[string]*Entity
	features map[string]bool
	raw      json.RawMessage
}

// Load reads and parses a schema document from disk.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %v: %w", path, err, ErrLoad)
	}
	return Parse(data)
}

// Default returns the built-in schema document parsed into a Model.
func Default() *Model {
	m, err := Parse(defaultSchemaJSON)
	if err != nil {
		panic(err) // embedded document, validated by tests
	}
	return m
}

// Parse builds a Model from raw schema JSON. The document is first checked
// against the embedded meta-schema, then interpreted into compiled rules.
func Parse(data []byte) (*Model, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: malformed document: %v: %w", err, ErrLoad)
	}
	if err := metaSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema: invalid document: %v: %w", err, ErrLoad)
	}

	var raw document
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("schema: decode document: %v: %w", err, ErrLoad)
	}

	m := &Model{
		SchemaVersion: raw.SchemaVersion,
		TypeID:        raw.TypeID,
		Description:   raw.Description,
		Limits:        raw.Ops.Limits,
		BlobStores:    raw.Capabilities.Storage.BlobStores,
		KVStores:      raw.Capabilities.Storage.KVStores,
		entities:      make(map[string]*Entity, len(raw.Entities)),
		features:      make(map[string]bool, len(raw.Capabilities.Features)),
		raw:           json.RawMessage(bytes.Clone(data)),
	}

	for _, f := range raw.Capabilities.Features {
		m.features[f] = true
	}

	for name, spec := range raw.Entities {
		entity, err := buildEntity(name, spec)
		if err != nil {
			return nil, err
		}
		m.entities[name] = entity
	}

	if len(m.BlobStores) == 0 {
		return nil, fmt.Errorf("schema: no blob stores declared: %w", ErrLoad)
	}
	return m, nil
}

func buildEntity(name string, spec entitySpec) (*Entity, error) {
	entity := &Entity{Name: name}

	for _, fs := range spec.Fields {
		field := Field{Name: fs.name, Optional: fs.Optional}
		for _, rule := range fs.Normalize {
			n, err := parseNormalizer(rule)
			if err != nil {
				return nil, fmt.Errorf("schema: entity %s field %s: %v: %w", name, fs.name, err, ErrLoad)
			}
			field.Normalizers = append(field.Normalizers, n)
		}
		entity.Fields = append(entity.Fields, field)
	}

	for _, cs := range spec.Constraints {
		re, err := regexp.Compile(anchorStart(cs.Regex))
		if err != nil {
			return nil, fmt.Errorf("schema: entity %s constraint on %s: %v: %w", name, cs.Field, err, ErrLoad)
		}
		entity.Constraints = append(entity.Constraints, Constraint{
			Field:       cs.Field,
			Pattern:     cs.Regex,
			WhenPresent: cs.WhenPresent,
			re:          re,
		})
	}

	return entity, nil
}

func parseNormalizer(rule string) (Normalizer, error) {
	switch {
	case rule == "trim":
		return Normalizer{Kind: Trim}, nil
	case rule == "lower":
		return Normalizer{Kind: Lower}, nil
	case strings.HasPrefix(rule, "replace:"):
		parts := strings.SplitN(rule, ":", 3)
		if len(parts) != 3 {
			return Normalizer{}, fmt.Errorf("malformed replace rule %q", rule)
		}
		return Normalizer{Kind: Replace, From: parts[1], To: parts[2]}, nil
	default:
		return Normalizer{}, fmt.Errorf("unknown normalizer %q", rule)
	}
}

// anchorStart forces matching from the beginning of the value.
func anchorStart(pattern string) string {
	if strings.HasPrefix(pattern, "^") || strings.HasPrefix(pattern, `\A`) {
		return pattern
	}
	return "^(?:" + pattern + ")"
}

// Entity returns the declared entity type, if any.
func (m *Model) Entity(name string) (*Entity, bool) {
	e, ok := m.entities[name]
	return e, ok
}

// Feature reports whether a capability feature flag is declared.
func (m *Model) Feature(name string) bool {
	return m.features[name]
}

// PrimaryBlobStore returns the first declared blob store.
func (m *Model) PrimaryBlobStore() BlobStoreConfig {
	return m.BlobStores[0]
}

// Document returns the raw schema JSON as loaded.
func (m *Model) Document() json.RawMessage {
	return m.raw
}
