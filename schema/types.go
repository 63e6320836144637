package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/topicbridge/errors"
)

var identRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// TypeDef declares a message type as an ordered list of fields.
type TypeDef struct {
	Name   string     `yaml:"name"`
	Fields []FieldDef `yaml:"fields"`
}

// FieldDef is one declared field. In YAML it is either a mapping with name
// and type keys or a ROS-style scalar such as "float64[] covariance".
type FieldDef struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// UnmarshalYAML accepts both the mapping and the scalar form.
func (f *FieldDef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parts := strings.Fields(node.Value)
		if len(parts) != 2 {
			return fmt.Errorf("line %d: field %q must be \"<type> <name>\"", node.Line, node.Value)
		}
		f.Type, f.Name = parts[0], parts[1]
		return nil
	}

	type plain FieldDef
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*f = FieldDef(p)
	return nil
}

// typeRef is a parsed field type: base name plus array shape. maxLen is the
// bound of a bounded string such as "string<=10".
type typeRef struct {
	base    string
	array   bool
	fixed   int // >0 for fixed-size arrays
	bounded bool
	maxLen  int
}

func parseTypeRef(s string) (typeRef, error) {
	base, shape, isArray := strings.Cut(s, "[")
	ref := typeRef{base: base, array: isArray}

	if b, bound, ok := strings.Cut(base, "<="); ok {
		n, err := strconv.Atoi(bound)
		if (b != "string" && b != "wstring") || err != nil || n <= 0 {
			return ref, fmt.Errorf("%w: string bound in %q", errors.ErrInvalidType, s)
		}
		ref.base, ref.maxLen = b, n
	}
	if !isArray {
		return ref, nil
	}

	size, ok := strings.CutSuffix(shape, "]")
	if !ok {
		return ref, fmt.Errorf("%w: %q", errors.ErrInvalidType, s)
	}
	if size == "" {
		return ref, nil
	}
	if rest, ok := strings.CutPrefix(size, "<="); ok {
		ref.bounded = true
		size = rest
	}
	n, err := strconv.Atoi(size)
	if err != nil || n <= 0 {
		return ref, fmt.Errorf("%w: array size in %q", errors.ErrInvalidType, s)
	}
	if !ref.bounded {
		ref.fixed = n
	}
	return ref, nil
}

// primitive zero values, keyed by ROS primitive type name
var primitives = map[string]any{
	"bool":    false,
	"byte":    0,
	"char":    0,
	"int8":    0,
	"uint8":   0,
	"int16":   0,
	"uint16":  0,
	"int32":   0,
	"uint32":  0,
	"int64":   0,
	"uint64":  0,
	"float32": 0.0,
	"float64": 0.0,
	"string":  "",
	"wstring": "",
}

// aliases from ROS 1 style names to their ROS 2 message types
var aliases = map[string]string{
	"time":     "builtin_interfaces/Time",
	"duration": "builtin_interfaces/Duration",
	"Header":   "std_msgs/Header",
}

func isPrimitive(name string) bool {
	_, ok := primitives[name]
	return ok
}

// NormalizeTypeName converts "pkg/msg/Type" to "pkg/Type" and validates the
// "pkg/Type" form.
func NormalizeTypeName(name string) (string, error) {
	parts := strings.Split(strings.TrimSpace(name), "/")
	if len(parts) == 3 && parts[1] == "msg" {
		parts = []string{parts[0], parts[2]}
	}
	if len(parts) != 2 || !identRegex.MatchString(parts[0]) || !identRegex.MatchString(parts[1]) {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrInvalidType, name),
			"schema", "NormalizeTypeName", "validate type name")
	}
	return parts[0] + "/" + parts[1], nil
}

// qualify resolves a nested field base type relative to the declaring
// package. Primitives are returned unchanged.
func qualify(pkg, base string) (string, error) {
	if isPrimitive(base) {
		return base, nil
	}
	if alias, ok := aliases[base]; ok {
		return alias, nil
	}
	if !strings.Contains(base, "/") {
		base = pkg + "/" + base
	}
	return NormalizeTypeName(base)
}

func packageOf(typeName string) string {
	pkg, _, _ := strings.Cut(typeName, "/")
	return pkg
}
