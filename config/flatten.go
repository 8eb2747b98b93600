package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// Separator joins path segments of a flattened key.
const Separator = "."

// Param is one flattened parameter record.
type Param struct {
	Key   string
	Value any
}

// String renders the record as key=value.
func (p Param) String() string {
	return p.Key + "=" + FormatValue(p.Value)
}

// Flatten walks root depth-first in pre-order and returns one Param per
// scalar leaf. Mapping children extend the path with their name, sequence
// items with their 0-based index; top-level field names start the path.
// Empty mappings and sequences produce no records.
//
// Flatten is pure: calling it twice on the same root yields the same records
// in the same order. Two leaves that end up with the same key produce a
// DuplicateKeyError.
func Flatten(root Mapping) ([]Param, error) {
	f := flattener{seen: make(map[string]struct{})}
	for _, field := range root.Fields {
		if err := f.walk(field.Name, field.Value); err != nil {
			return nil, err
		}
	}
	return f.out, nil
}

type flattener struct {
	out  []Param
	seen map[string]struct{}
}

func (f *flattener) walk(path string, n Node) error {
	switch v := n.(type) {
	case Mapping:
		for _, field := range v.Fields {
			if err := f.walk(path+Separator+field.Name, field.Value); err != nil {
				return err
			}
		}
	case Sequence:
		for i, item := range v.Items {
			if err := f.walk(path+Separator+strconv.Itoa(i), item); err != nil {
				return err
			}
		}
	case Scalar:
		return f.emit(path, v.Value)
	case nil:
		return f.emit(path, nil)
	default:
		return errors.NewValueError("config.Flatten", fmt.Sprintf("unsupported node type %T at %q", n, path))
	}
	return nil
}

func (f *flattener) emit(key string, value any) error {
	if _, dup := f.seen[key]; dup {
		return errors.NewDuplicateKeyError(key)
	}
	f.seen[key] = struct{}{}
	f.out = append(f.out, Param{Key: key, Value: value})
	return nil
}

// FormatValue renders a scalar the way it is stored in a tracking backend.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", x)
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
