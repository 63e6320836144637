package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/c360/topicbridge/errors"
)

// compiled field with its parsed type
type compiledField struct {
	name   string
	ref    typeRef
	nested *compiledType // nil for primitives
}

type compiledType struct {
	name   string
	fields []compiledField
}

type schemaDecoder struct {
	root *compiledType
}

// newSchemaDecoder compiles name and all nested types into a tree. Missing
// nested definitions fail here so Resolve reports them up front.
func (r *Registry) newSchemaDecoder(name string) (Decoder, error) {
	root, err := r.compile(name, make(map[string]*compiledType), nil)
	if err != nil {
		return nil, err
	}
	return &schemaDecoder{root: root}, nil
}

func (r *Registry) compile(name string, done map[string]*compiledType, stack []string) (*compiledType, error) {
	if ct, ok := done[name]; ok {
		return ct, nil
	}
	for _, s := range stack {
		if s == name {
			return nil, fmt.Errorf("%w: recursive type %s", errors.ErrInvalidType, name)
		}
	}

	def, ok := r.lookupDef(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownType, name)
	}

	ct := &compiledType{name: name, fields: make([]compiledField, 0, len(def.Fields))}
	for _, f := range def.Fields {
		ref, err := parseTypeRef(f.Type)
		if err != nil {
			return nil, err
		}
		cf := compiledField{name: f.Name, ref: ref}
		if !isPrimitive(ref.base) {
			nested, err := r.compile(ref.base, done, append(stack, name))
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", name, f.Name, err)
			}
			cf.nested = nested
		}
		ct.fields = append(ct.fields, cf)
	}
	done[name] = ct
	return ct, nil
}

// Decode implements Decoder. Output keys follow declaration order; absent
// fields get zero values and undeclared input keys are dropped.
func (d *schemaDecoder) Decode(raw []byte) (Fields, error) {
	v, err := ParseOrdered(raw)
	if err != nil {
		return nil, err
	}
	in, ok := v.(Fields)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s expects a JSON object", errors.ErrInvalidData, d.root.name),
			"schemaDecoder", "Decode", "check message shape")
	}

	out, err := project(d.root, in)
	if err != nil {
		return nil, errors.WrapInvalid(err, "schemaDecoder", "Decode", "project "+d.root.name)
	}
	return out, nil
}

func project(ct *compiledType, in Fields) (Fields, error) {
	out := make(Fields, 0, len(ct.fields))
	for _, f := range ct.fields {
		val, ok := in.Get(f.name)
		if !ok || val == nil {
			out = append(out, Field{Key: f.name, Value: zeroValue(f)})
			continue
		}

		converted, err := convertField(f, val)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", ct.name, f.name, err)
		}
		out = append(out, Field{Key: f.name, Value: converted})
	}
	return out, nil
}

func convertField(f compiledField, val any) (any, error) {
	if !f.ref.array {
		return convertScalar(f, val)
	}

	items, ok := val.([]any)
	if !ok {
		// byte arrays arrive base64 encoded from rosbridge
		if s, isStr := val.(string); isStr && f.nested == nil && isByteType(f.ref.base) {
			return s, nil
		}
		return nil, fmt.Errorf("%w: expected array, got %T", errors.ErrInvalidData, val)
	}
	if f.ref.fixed > 0 && len(items) != f.ref.fixed {
		return nil, fmt.Errorf("%w: expected %d elements, got %d", errors.ErrInvalidData, f.ref.fixed, len(items))
	}

	out := make([]any, len(items))
	for i, item := range items {
		v, err := convertScalar(f, item)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func convertScalar(f compiledField, val any) (any, error) {
	if f.nested == nil {
		if err := checkPrimitive(f.ref, val); err != nil {
			return nil, err
		}
		return val, nil
	}

	obj, ok := val.(Fields)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s object, got %T", errors.ErrInvalidData, f.nested.name, val)
	}
	return project(f.nested, obj)
}

// Bit sizes of the numeric primitives. byte and char are octets in ROS 2.
var (
	intBits   = map[string]int{"int8": 8, "int16": 16, "int32": 32, "int64": 64}
	uintBits  = map[string]int{"byte": 8, "char": 8, "uint8": 8, "uint16": 16, "uint32": 32, "uint64": 64}
	floatBits = map[string]int{"float32": 32, "float64": 64}
)

// checkPrimitive reports whether val is a valid value of ref's primitive
// type: integers must be whole and in range, strings within their bound.
func checkPrimitive(ref typeRef, val any) error {
	mismatch := func() error {
		return fmt.Errorf("%w: expected %s, got %v", errors.ErrInvalidData, ref.base, val)
	}

	switch ref.base {
	case "bool":
		if _, ok := val.(bool); !ok {
			return mismatch()
		}
		return nil
	case "string", "wstring":
		str, ok := val.(string)
		if !ok {
			return mismatch()
		}
		n := len(str)
		if ref.base == "wstring" {
			n = utf8.RuneCountInString(str)
		}
		if ref.maxLen > 0 && n > ref.maxLen {
			return fmt.Errorf("%w: %s longer than %d", errors.ErrInvalidData, ref.base, ref.maxLen)
		}
		return nil
	}

	num, ok := val.(json.Number)
	if !ok {
		return mismatch()
	}
	var err error
	if bits, ok := intBits[ref.base]; ok {
		_, err = strconv.ParseInt(num.String(), 10, bits)
	} else if bits, ok := uintBits[ref.base]; ok {
		_, err = strconv.ParseUint(num.String(), 10, bits)
	} else {
		_, err = strconv.ParseFloat(num.String(), floatBits[ref.base])
	}
	if err != nil {
		return mismatch()
	}
	return nil
}

func zeroValue(f compiledField) any {
	if f.ref.array {
		if f.ref.fixed > 0 {
			items := make([]any, f.ref.fixed)
			for i := range items {
				items[i] = zeroScalar(f)
			}
			return items
		}
		return []any{}
	}
	return zeroScalar(f)
}

func zeroScalar(f compiledField) any {
	if f.nested == nil {
		return primitives[f.ref.base]
	}
	out := make(Fields, 0, len(f.nested.fields))
	for _, nf := range f.nested.fields {
		out = append(out, Field{Key: nf.name, Value: zeroValue(nf)})
	}
	return out
}

func isByteType(base string) bool {
	return base == "uint8" || base == "byte" || base == "char"
}

// Passthrough returns a factory whose decoder keeps the incoming key order
// without schema projection. Used as the registry fallback when unknown types
// are allowed.
func Passthrough() Factory {
	return func() (Decoder, error) {
		return DecoderFunc(func(raw []byte) (Fields, error) {
			v, err := ParseOrdered(raw)
			if err != nil {
				return nil, err
			}
			obj, ok := v.(Fields)
			if !ok {
				return Fields{{Key: "data", Value: v}}, nil
			}
			return obj, nil
		}), nil
	}
}
