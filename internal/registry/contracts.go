package registry

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrIncompatibleContract is returned when a re-registered API schema
// breaks the previously published contract.
var ErrIncompatibleContract = errors.New("incompatible API contract")

// APIContract is one registered interface description.
type APIContract struct {
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Schema    map[string]any `json:"schema"`
	CreatedAt time.Time      `json:"created_at"`
}

// RegisterAPI stores a named JSON-Schema contract. Registering an
// identical schema is a no-op returning the current version; a
// compatible change bumps the version; an incompatible change fails
// with ErrIncompatibleContract.
func (s *Store) RegisterAPI(name string, schema map[string]any) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("name is required")
	}
	if err := compileSchema(schema); err != nil {
		return 0, fmt.Errorf("invalid schema for %s: %w", name, err)
	}

	current, err := s.GetAPI(name, 0)
	if err != nil && !IsNotFound(err) {
		return 0, err
	}

	version := 1
	if current != nil {
		if reflect.DeepEqual(current.Schema, schema) {
			return current.Version, nil
		}
		if err := checkCompatible(current.Schema, schema); err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrIncompatibleContract, name, err)
		}
		version = current.Version + 1
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("marshal schema: %w", err)
	}
	err = s.write(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO api_contracts (name, version, schema, created_at) VALUES (?, ?, ?, ?)`,
			name, version, string(schemaJSON), time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert contract: %w", err)
	}
	return version, nil
}

// GetAPI returns a contract by name. version 0 means latest.
func (s *Store) GetAPI(name string, version int) (*APIContract, error) {
	var (
		row *sql.Row
	)
	if version > 0 {
		row = s.db.QueryRow(`SELECT name, version, schema, created_at FROM api_contracts WHERE name = ? AND version = ?`, name, version)
	} else {
		row = s.db.QueryRow(`SELECT name, version, schema, created_at FROM api_contracts WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	}

	var (
		contract   APIContract
		schemaJSON string
		createdAt  string
	)
	if err := row.Scan(&contract.Name, &contract.Version, &schemaJSON, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(schemaJSON), &contract.Schema); err != nil {
		return nil, fmt.Errorf("parse stored schema for %s: %w", name, err)
	}
	contract.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &contract, nil
}

// compileSchema rejects schemas that are not valid JSON Schema.
func compileSchema(schema map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("contract.json", doc); err != nil {
		return err
	}
	_, err = compiler.Compile("contract.json")
	return err
}

// checkCompatible enforces the breaking-change rules the
// contract-guardian relies on: a successor schema may add optional
// fields but must not drop previously declared properties, change a
// property's declared type, or add new required fields.
func checkCompatible(old, next map[string]any) error {
	if oldType, ok := old["type"]; ok {
		if nextType, ok2 := next["type"]; !ok2 || !reflect.DeepEqual(oldType, nextType) {
			return fmt.Errorf("root type changed")
		}
	}

	oldProps := asMap(old["properties"])
	nextProps := asMap(next["properties"])
	for name, oldProp := range oldProps {
		nextProp, ok := nextProps[name]
		if !ok {
			return fmt.Errorf("property %q removed", name)
		}
		oldPM, nextPM := asMap(oldProp), asMap(nextProp)
		if oldT, ok := oldPM["type"]; ok {
			if nextT, ok2 := nextPM["type"]; !ok2 || !reflect.DeepEqual(oldT, nextT) {
				return fmt.Errorf("property %q changed type", name)
			}
		}
	}

	oldRequired := asStringSet(old["required"])
	for _, r := range asStringSlice(next["required"]) {
		if _, existed := oldRequired[r]; !existed {
			if _, hadProp := oldProps[r]; hadProp {
				return fmt.Errorf("property %q became required", r)
			}
			return fmt.Errorf("new required property %q", r)
		}
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asStringSlice(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asStringSet(v any) map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range asStringSlice(v) {
		out[s] = struct{}{}
	}
	return out
}
