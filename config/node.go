// Package config models nested configuration as a closed set of node shapes
// and flattens it into dotted key/value parameter records.
//
// A Node is exactly one of Mapping, Sequence or Scalar. The interface is
// sealed, so a type switch over those three cases is exhaustive.
package config

// Node is a configuration value: a Mapping, a Sequence or a Scalar.
type Node interface {
	node()
}

// Field is one named entry of a Mapping.
type Field struct {
	Name  string
	Value Node
}

// Mapping is an ordered list of named fields. Field order is the natural
// iteration order used by Flatten.
type Mapping struct {
	Fields []Field
}

// Sequence is an ordered list of nodes.
type Sequence struct {
	Items []Node
}

// Scalar is a leaf value: nil, bool, a number, a string or a time.Time.
type Scalar struct {
	Value any
}

func (Mapping) node()  {}
func (Sequence) node() {}
func (Scalar) node()   {}

// Map builds a Mapping from fields in order.
func Map(fields ...Field) Mapping {
	return Mapping{Fields: fields}
}

// F is shorthand for a Field.
func F(name string, value Node) Field {
	return Field{Name: name, Value: value}
}

// Seq builds a Sequence.
func Seq(items ...Node) Sequence {
	return Sequence{Items: items}
}

// Val wraps a scalar value.
func Val(v any) Scalar {
	return Scalar{Value: v}
}

// Get returns the value of the first field called name.
func (m Mapping) Get(name string) (Node, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set replaces the value of field name, or appends it.
func (m *Mapping) Set(name string, value Node) {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			m.Fields[i].Value = value
			return
		}
	}
	m.Fields = append(m.Fields, Field{Name: name, Value: value})
}

// Len returns the number of fields.
func (m Mapping) Len() int {
	return len(m.Fields)
}
