package config

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// FromYAML parses a YAML (or JSON) document whose root is a mapping.
// Key order follows the document.
func FromYAML(data []byte) (Mapping, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Mapping{}, errors.Wrap(err, "config: parse yaml")
	}
	if doc.Kind == 0 {
		return Mapping{}, nil
	}
	n, err := FromYAMLNode(&doc)
	if err != nil {
		return Mapping{}, err
	}
	switch v := n.(type) {
	case Mapping:
		return v, nil
	case Scalar:
		if v.Value == nil {
			return Mapping{}, nil
		}
	}
	return Mapping{}, errors.NewValueError("config.FromYAML", "document root must be a mapping")
}

// FromYAMLNode converts a yaml.v3 node tree. Aliases are resolved and merge
// keys ("<<") splice the referenced mapping's fields in place.
func FromYAMLNode(n *yaml.Node) (Node, error) {
	if n == nil {
		return Scalar{}, nil
	}
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return Scalar{}, nil
		}
		return FromYAMLNode(n.Content[0])
	case yaml.AliasNode:
		return FromYAMLNode(n.Alias)
	case yaml.MappingNode:
		var m Mapping
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if key.Tag == "!!merge" || key.Value == "<<" {
				if err := mergeInto(&m, val); err != nil {
					return nil, err
				}
				continue
			}
			child, err := FromYAMLNode(val)
			if err != nil {
				return nil, err
			}
			m.Set(key.Value, child)
		}
		return m, nil
	case yaml.SequenceNode:
		seq := Sequence{Items: make([]Node, 0, len(n.Content))}
		for _, item := range n.Content {
			child, err := FromYAMLNode(item)
			if err != nil {
				return nil, err
			}
			seq.Items = append(seq.Items, child)
		}
		return seq, nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, errors.Wrapf(err, "config: decode scalar at line %d", n.Line)
		}
		return Scalar{Value: v}, nil
	default:
		return nil, errors.NewValueError("config.FromYAMLNode", fmt.Sprintf("unsupported yaml node kind %d", n.Kind))
	}
}

func mergeInto(m *Mapping, val *yaml.Node) error {
	sources := []*yaml.Node{val}
	if val.Kind == yaml.SequenceNode {
		sources = val.Content
	}
	for _, src := range sources {
		merged, err := FromYAMLNode(src)
		if err != nil {
			return err
		}
		mm, ok := merged.(Mapping)
		if !ok {
			return errors.NewValueError("config.FromYAMLNode", "merge key must reference a mapping")
		}
		for _, f := range mm.Fields {
			if _, exists := m.Get(f.Name); !exists {
				m.Fields = append(m.Fields, f)
			}
		}
	}
	return nil
}

// FromStruct converts a protobuf Struct. Struct fields have no order on the
// wire, so keys are sorted.
func FromStruct(s *structpb.Struct) Mapping {
	var m Mapping
	if s == nil {
		return m
	}
	for _, k := range sortedKeys(s.GetFields()) {
		m.Fields = append(m.Fields, Field{Name: k, Value: fromProtoValue(s.GetFields()[k])})
	}
	return m
}

func fromProtoValue(v *structpb.Value) Node {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StructValue:
		return FromStruct(k.StructValue)
	case *structpb.Value_ListValue:
		seq := Sequence{}
		for _, item := range k.ListValue.GetValues() {
			seq.Items = append(seq.Items, fromProtoValue(item))
		}
		return seq
	case *structpb.Value_NumberValue:
		return Scalar{Value: k.NumberValue}
	case *structpb.Value_StringValue:
		return Scalar{Value: k.StringValue}
	case *structpb.Value_BoolValue:
		return Scalar{Value: k.BoolValue}
	default:
		return Scalar{}
	}
}

// FromMap converts nested Go maps and slices. Map keys are sorted.
func FromMap(m map[string]any) (Mapping, error) {
	n, err := FromValue(m)
	if err != nil {
		return Mapping{}, err
	}
	mm, _ := n.(Mapping)
	return mm, nil
}

// FromValue converts an arbitrary Go value into a Node. Nodes pass through,
// maps with string keys become Mappings (sorted keys), slices and arrays
// become Sequences, everything else must be a scalar.
func FromValue(v any) (Node, error) {
	switch x := v.(type) {
	case nil:
		return Scalar{}, nil
	case Node:
		return x, nil
	case *structpb.Struct:
		return FromStruct(x), nil
	case time.Time:
		return Scalar{Value: x}, nil
	case []byte:
		return Scalar{Value: string(x)}, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, errors.NewValueError("config.FromValue", fmt.Sprintf("map key type %s is not a string", rv.Type().Key()))
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		var m Mapping
		for _, k := range keys {
			child, err := FromValue(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
			if err != nil {
				return nil, err
			}
			m.Fields = append(m.Fields, Field{Name: k, Value: child})
		}
		return m, nil
	case reflect.Slice, reflect.Array:
		seq := Sequence{Items: make([]Node, 0, rv.Len())}
		for i := 0; i < rv.Len(); i++ {
			child, err := FromValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			seq.Items = append(seq.Items, child)
		}
		return seq, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Scalar{}, nil
		}
		return FromValue(rv.Elem().Interface())
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return Scalar{Value: v}, nil
	default:
		return nil, errors.NewValueError("config.FromValue", fmt.Sprintf("unsupported value type %T", v))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
