package model

import "encoding/json"

// The persisted document is forward-compatible: unknown fields survive a
// read-modify-write round-trip instead of being silently dropped
// (spec.md §6.1). Document, Feature, Task, and Agent each keep whatever a
// newer writer added in an unexported-to-JSON Extra field and re-emit it on
// the next marshal.

// marshalWithExtra re-inserts extra's keys into base's encoded object,
// overwriting nothing the struct itself already encoded.
func marshalWithExtra(base []byte, extra map[string]interface{}) ([]byte, error) {
	if len(extra) == 0 {
		return base, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		m[k] = b
	}
	return json.Marshal(m)
}

// extractExtra decodes every key of data's top-level object that is not in
// known, returning nil if there are none.
func extractExtra(data []byte, known map[string]bool) (map[string]interface{}, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var extra map[string]interface{}
	for k, v := range raw {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = map[string]interface{}{}
		}
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, err
		}
		extra[k] = val
	}
	return extra, nil
}
