package entity

import (
	"encoding/json"
	"fmt"
)

// document is a decoded JSON object.
type document map[string]any

func decodeDocument(raw json.RawMessage, what string) (document, error) {
	if len(raw) == 0 {
		return document{}, nil
	}
	var d document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %s is not a JSON object: %v", ErrInvalidChanges, what, err)
	}
	if d == nil {
		d = document{}
	}
	return d, nil
}

func (d document) encode() (json.RawMessage, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return b, nil
}

// mergeFields copies allowed fields from changes into d. Object values are
// merged one level deep so a client can send a partial sub-document; any
// other value replaces the existing one. Unknown fields are rejected.
func (d document) mergeFields(changes document, allowed map[string]bool) error {
	for k := range changes {
		if !allowed[k] {
			return fmt.Errorf("%w: field %q cannot be changed", ErrInvalidChanges, k)
		}
	}
	for k, v := range changes {
		incoming, isObj := v.(map[string]any)
		existing, hadObj := d[k].(map[string]any)
		if isObj && hadObj {
			for sk, sv := range incoming {
				existing[sk] = sv
			}
			continue
		}
		d[k] = v
	}
	return nil
}

func (d document) object(key string) map[string]any {
	if m, ok := d[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	d[key] = m
	return m
}

func requireString(d document, field string) error {
	s, ok := d[field].(string)
	if !ok || s == "" {
		return fmt.Errorf("%w: %q is required", ErrInvalidChanges, field)
	}
	return nil
}

func set(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}
