package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		root Mapping
		want []Param
	}{
		{
			name: "nested mapping",
			root: Map(F("a", Map(F("b", Val(1)), F("c", Val(2))))),
			want: []Param{{"a.b", 1}, {"a.c", 2}},
		},
		{
			name: "sequence field",
			root: Map(F("x", Seq(Val(10), Val(20)))),
			want: []Param{{"x.0", 10}, {"x.1", 20}},
		},
		{
			name: "sequence inside mapping",
			root: Map(F("m", Map(F("n", Seq(Val(1), Val(2)))))),
			want: []Param{{"m.n.0", 1}, {"m.n.1", 2}},
		},
		{
			name: "top-level scalar keeps its own name",
			root: Map(F("seed", Val(42)), F("name", Val("baseline"))),
			want: []Param{{"seed", 42}, {"name", "baseline"}},
		},
		{
			name: "mapping inside sequence",
			root: Map(F("layers", Seq(Map(F("units", Val(64))), Map(F("units", Val(32)))))),
			want: []Param{{"layers.0.units", 64}, {"layers.1.units", 32}},
		},
		{
			name: "empty containers emit nothing",
			root: Map(F("empty", Map()), F("none", Seq()), F("k", Val(true))),
			want: []Param{{"k", true}},
		},
		{
			name: "nil leaf",
			root: Map(F("opt", nil)),
			want: []Param{{"opt", nil}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Flatten(tt.root)
			require.NoError(t, err)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFlattenIsDeterministic(t *testing.T) {
	root := Map(
		F("model", Map(F("params", Map(F("lr", Val(0.1)), F("leaves", Val(31)))), F("tags", Seq(Val("a"), Val("b"))))),
		F("data", Map(F("path", Val("train.csv")))),
	)

	first, err := Flatten(root)
	require.NoError(t, err)
	second, err := Flatten(root)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestFlattenRejectsCollidingKeys(t *testing.T) {
	root := Map(
		F("a.b", Val(1)),
		F("a", Map(F("b", Val(2)))),
	)

	_, err := Flatten(root)

	var dup *errors.DuplicateKeyError
	require.True(t, errors.As(err, &dup), "expected DuplicateKeyError, got %v", err)
	assert.Equal(t, "a.b", dup.Key)
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{true, "true"},
		{42, "42"},
		{int64(-7), "-7"},
		{0.1, "0.1"},
		{3.0, "3"},
		{"gbdt", "gbdt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(tt.in), "FormatValue(%v)", tt.in)
	}
}

func TestFromYAMLPreservesOrder(t *testing.T) {
	doc := []byte(`
train:
  objective: regression
  num_leaves: 31
  learning_rate: 0.05
  metrics: [l2, l1]
defaults: &defaults
  seed: 7
run:
  <<: *defaults
  name: baseline
  note: null
`)

	root, err := FromYAML(doc)
	require.NoError(t, err)

	params, err := Flatten(root)
	require.NoError(t, err)

	assert.Equal(t, []Param{
		{"train.objective", "regression"},
		{"train.num_leaves", 31},
		{"train.learning_rate", 0.05},
		{"train.metrics.0", "l2"},
		{"train.metrics.1", "l1"},
		{"defaults.seed", 7},
		{"run.seed", 7},
		{"run.name", "baseline"},
		{"run.note", nil},
	}, params)
}

func TestFromYAMLRejectsNonMappingRoot(t *testing.T) {
	_, err := FromYAML([]byte("- 1\n- 2\n"))

	var valErr *errors.ValueError
	assert.True(t, errors.As(err, &valErr), "expected ValueError, got %v", err)
}

func TestFromYAMLEmptyDocument(t *testing.T) {
	root, err := FromYAML(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, root.Len())
}

func TestFromStruct(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"zeta":  "last",
		"alpha": map[string]any{"depth": 6, "flags": []any{true, false}},
	})
	require.NoError(t, err)

	params, err := Flatten(FromStruct(s))
	require.NoError(t, err)

	assert.Equal(t, []Param{
		{"alpha.depth", 6.0},
		{"alpha.flags.0", true},
		{"alpha.flags.1", false},
		{"zeta", "last"},
	}, params)
}

func TestFromMap(t *testing.T) {
	root, err := FromMap(map[string]any{
		"b": []int{1, 2},
		"a": map[string]any{"y": "v", "x": 1.5},
	})
	require.NoError(t, err)

	params, err := Flatten(root)
	require.NoError(t, err)

	assert.Equal(t, []Param{
		{"a.x", 1.5},
		{"a.y", "v"},
		{"b.0", 1},
		{"b.1", 2},
	}, params)
}

func TestFromMapRejectsUnsupportedValues(t *testing.T) {
	_, err := FromMap(map[string]any{"fn": func() {}})

	var valErr *errors.ValueError
	assert.True(t, errors.As(err, &valErr), "expected ValueError, got %v", err)
}

func TestMappingSetReplacesInPlace(t *testing.T) {
	m := Map(F("a", Val(1)), F("b", Val(2)))
	m.Set("a", Val(3))
	m.Set("c", Val(4))

	params, err := Flatten(m)
	require.NoError(t, err)
	assert.Equal(t, []Param{{"a", 3}, {"b", 2}, {"c", 4}}, params)
}
