package collection

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Environment is a Postman environment export.
type Environment struct {
	ID     string     `json:"id,omitempty"`
	Name   string     `json:"name,omitempty"`
	Values []Variable `json:"values,omitempty"`
}

// ErrNotArray is returned when iteration data is not a JSON array.
var ErrNotArray = errors.New("iteration data must be a JSON array of objects")

// ParseEnvironment decodes an environment document. Empty input yields nil.
func ParseEnvironment(data []byte) (*Environment, error) {
	if isBlank(data) {
		return nil, nil
	}
	if !isObject(data) {
		return nil, fmt.Errorf("environment: %w", ErrNotObject)
	}
	var env Environment
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return &env, nil
}

// Map returns the active values keyed by name.
func (e *Environment) Map() map[string]string {
	out := map[string]string{}
	if e == nil {
		return out
	}
	for _, v := range e.Values {
		if v.Active() {
			out[v.Key] = v.String()
		}
	}
	return out
}

// ParseIterationData decodes the iteration data file: a JSON array where each
// element is an object of variable values. Empty input yields no rows.
func ParseIterationData(data []byte) ([]map[string]any, error) {
	if isBlank(data) {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("iteration data: %w", ErrNotArray)
	}
	rows := make([]map[string]any, 0, len(raw))
	for i, entry := range raw {
		if !isObject(entry) {
			return nil, fmt.Errorf("iteration data row %d: %w", i, ErrNotObject)
		}
		var row map[string]any
		if err := json.Unmarshal(entry, &row); err != nil {
			return nil, fmt.Errorf("iteration data row %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
