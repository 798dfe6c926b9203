package extract

import "github.com/Sternrassler/newstore-tap/pkg/stream"

// FlattenSpec describes a cross-product expansion of a nested array.
type FlattenSpec struct {
	// List is the field holding the nested array.
	List string
	// Keep copies these top-level fields into every output record.
	Keep []string
	// Lift maps output field names to fields of each nested element.
	Lift map[string]string
}

// FlattenNested returns a Transform emitting one record per element of
// fs.List, e.g. one shop record per supported locale.
func FlattenNested(fs FlattenSpec) Transform {
	return func(raw stream.Record) ([]stream.Record, error) {
		listVal, ok := raw[fs.List]
		if !ok {
			return nil, &FieldError{Field: fs.List, Reason: "missing"}
		}
		if listVal == nil {
			return nil, nil
		}
		items, ok := listVal.([]any)
		if !ok {
			return nil, &FieldError{Field: fs.List, Reason: "not an array"}
		}

		out := make([]stream.Record, 0, len(items))
		for _, item := range items {
			elem, ok := item.(map[string]any)
			if !ok {
				return nil, &FieldError{Field: fs.List, Reason: "element is not an object"}
			}
			rec := make(stream.Record, len(fs.Keep)+len(fs.Lift))
			for _, k := range fs.Keep {
				v, ok := raw[k]
				if !ok {
					return nil, &FieldError{Field: k, Reason: "missing"}
				}
				rec[k] = v
			}
			for dst, src := range fs.Lift {
				v, ok := elem[src]
				if !ok {
					return nil, &FieldError{Field: fs.List + "." + src, Reason: "missing"}
				}
				rec[dst] = v
			}
			out = append(out, rec)
		}
		return out, nil
	}
}

// FieldError reports a record field a transform could not read.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return "field " + e.Field + ": " + e.Reason
}
