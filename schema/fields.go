package schema

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/c360/topicbridge/errors"
)

// Field is one key/value pair of a decoded message.
type Field struct {
	Key   string
	Value any
}

// Fields is an ordered field mapping. It marshals to a JSON object whose keys
// appear in slice order. Values are nil, bool, string, json.Number, []any or
// Fields.
type Fields []Field

// Get returns the value stored under key.
func (f Fields) Get(key string) (any, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return nil, false
}

// Keys returns the keys in order.
func (f Fields) Keys() []string {
	keys := make([]string, len(f))
	for i, field := range f {
		keys[i] = field.Key
	}
	return keys
}

// MarshalJSON implements json.Marshaler preserving field order.
func (f Fields) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(field.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		val, err := json.Marshal(field.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field.Key, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseOrdered decodes JSON keeping object key order. Objects become Fields,
// arrays []any and numbers json.Number.
func ParseOrdered(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := parseValue(dec)
	if err != nil {
		return nil, errors.WrapInvalid(err, "schema", "ParseOrdered", "decode message")
	}

	if _, err := dec.Token(); !stderrors.Is(err, io.EOF) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: trailing data", errors.ErrInvalidData),
			"schema", "ParseOrdered", "decode message")
	}
	return v, nil
}

func parseValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return parseObject(dec)
		case '[':
			return parseArray(dec)
		default:
			return nil, fmt.Errorf("%w: unexpected delimiter %q", errors.ErrInvalidData, t)
		}
	default:
		// nil, bool, string, json.Number
		return t, nil
	}
}

func parseObject(dec *json.Decoder) (Fields, error) {
	fields := Fields{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: object key %v", errors.ErrInvalidData, tok)
		}
		val, err := parseValue(dec)
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, err
	}
	return fields, nil
}

func parseArray(dec *json.Decoder) ([]any, error) {
	items := []any{}
	for dec.More() {
		val, err := parseValue(dec)
		if err != nil {
			return nil, err
		}
		items = append(items, val)
	}
	if _, err := dec.Token(); err != nil { // closing ']'
		return nil, err
	}
	return items, nil
}
