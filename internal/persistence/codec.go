package persistence

import (
	"bytes"
	"encoding/json"
)

// EncodeDoc serializes a map-shaped document (plugin configs, search
// options) for storage. nil maps encode to nil so empty columns stay NULL.
func EncodeDoc(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeDoc deserializes a stored document back into a map. Empty input
// yields a nil map.
func DecodeDoc(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
