package formschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// source records how a JSON object was written: its keys in document order
// and the raw value of each. It is never modified after decoding.
type source struct {
	keys   []string
	values map[string]json.RawMessage
}

func (s *source) has(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s.values[key]
	return ok
}

var errNotObject = errors.New("expected a JSON object")

// decodeObject reads the top-level keys of the object in data. A JSON null
// yields a nil source.
func decodeObject(data []byte) (*source, error) {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errNotObject
	}
	src := &source{values: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		if _, dup := src.values[key]; !dup {
			src.keys = append(src.keys, key)
		}
		src.values[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return src, nil
}

// extras returns the values of src whose keys are not in known.
func (s *source) extras(known []string) map[string]json.RawMessage {
	if s == nil {
		return nil
	}
	var out map[string]json.RawMessage
	for _, k := range s.keys {
		if contains(known, k) {
			continue
		}
		if out == nil {
			out = make(map[string]json.RawMessage)
		}
		out[k] = s.values[k]
	}
	return out
}

// field is a modelled key of an object and its current value.
type field struct {
	key   string
	value interface{}
	// zero fields are only written when the source document had the key.
	zero bool
	// same reports whether the source's raw value still encodes value; the
	// raw bytes are then written back as they were.
	same func(raw json.RawMessage) bool
}

func sameString(v string) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var s string
		return json.Unmarshal(raw, &s) == nil && s == v
	}
}

// encodeObject writes fields and extras in the key order of src. Keys the
// source did not have follow: modelled fields in their given order, then
// extras sorted by key.
func encodeObject(src *source, fields []field, extra map[string]json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	n := 0
	write := func(key string, value []byte) {
		if n > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(value)
		n++
	}
	encode := func(f field) error {
		if src != nil && f.same != nil {
			if raw, ok := src.values[f.key]; ok && f.same(raw) {
				write(f.key, raw)
				return nil
			}
		}
		b, err := json.Marshal(f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		write(f.key, b)
		return nil
	}

	byKey := make(map[string]field, len(fields))
	for _, f := range fields {
		byKey[f.key] = f
	}
	done := make(map[string]bool)
	if src != nil {
		for _, k := range src.keys {
			if f, ok := byKey[k]; ok {
				if err := encode(f); err != nil {
					return nil, err
				}
				done[k] = true
				continue
			}
			if raw, ok := extra[k]; ok {
				write(k, raw)
				done[k] = true
			}
		}
	}
	for _, f := range fields {
		if done[f.key] || f.zero {
			continue
		}
		if err := encode(f); err != nil {
			return nil, err
		}
	}
	var rest []string
	for k := range extra {
		if !done[k] {
			if _, modelled := byKey[k]; !modelled {
				rest = append(rest, k)
			}
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		write(k, extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
