// Package extract locates records inside decoded response bodies.
//
// Bodies are decoded with every JSON number kept as a decimal.Decimal so
// currency and quantity fields never pass through float64. Records are found
// with a JSONPath expression and yielded lazily, one page at a time.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
)

// Decode parses a JSON body into a tree of map[string]any, []any, string,
// bool, nil and decimal.Decimal values.
func Decode(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode response body: trailing data after top-level value")
	}

	return toDecimal(v)
}

func toDecimal(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return nil, fmt.Errorf("parse number %q: %w", t, err)
		}
		return d, nil
	case map[string]any:
		for k, child := range t {
			conv, err := toDecimal(child)
			if err != nil {
				return nil, err
			}
			t[k] = conv
		}
		return t, nil
	case []any:
		for i, child := range t {
			conv, err := toDecimal(child)
			if err != nil {
				return nil, err
			}
			t[i] = conv
		}
		return t, nil
	default:
		return v, nil
	}
}

// Int64 converts a decoded scalar to an int64. Decimals must be integral.
func Int64(v any) (int64, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		if !t.IsInteger() {
			return 0, fmt.Errorf("value %s is not an integer", t)
		}
		return t.IntPart(), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", t)
		}
		return Int64(d)
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", v)
	}
}
