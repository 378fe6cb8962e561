// File path: internal/warehouse/decode.go
package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/neuropil/neuropil/internal/frame"
)

type queryEnvelope struct {
	Success   bool  `json:"success"`
	TotalRows int   `json:"total_rows"`
	StartRow  int   `json:"start_row"`
	NumRows   int   `json:"num_rows"`
	Rows      []Row `json:"-"`
}

func decodeEnvelope(data []byte) (*queryEnvelope, error) {
	var raw struct {
		Success   bool            `json:"success"`
		TotalRows int             `json:"total_rows"`
		StartRow  int             `json:"start_row"`
		NumRows   int             `json:"num_rows"`
		Msg       json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !raw.Success {
		return nil, fmt.Errorf("%w: success flag not set", ErrEnvelope)
	}
	if len(raw.Msg) == 0 {
		return nil, fmt.Errorf("%w: envelope missing msg", ErrEnvelope)
	}
	var rows []Row
	if err := json.Unmarshal(raw.Msg, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	if raw.NumRows != len(rows) {
		return nil, fmt.Errorf("%w: num_rows %d but %d rows decoded", ErrEnvelope, raw.NumRows, len(rows))
	}
	return &queryEnvelope{
		Success:   raw.Success,
		TotalRows: raw.TotalRows,
		StartRow:  raw.StartRow,
		NumRows:   raw.NumRows,
		Rows:      rows,
	}, nil
}

// Frame runs the query and types the decoded rows against the given column
// schema: identifiers become unsigned, timestamps parse as RFC3339 into UTC,
// and JSON nulls become missing cells. A value that cannot be coerced fails
// the whole query.
func (c *Client) Frame(ctx context.Context, q Query, specs []frame.ColumnSpec) (*frame.Frame, error) {
	rows, err := c.Rows(ctx, q)
	if err != nil {
		return nil, err
	}
	f, err := BuildFrame(rows, specs)
	if err != nil {
		return nil, fmt.Errorf("warehouse: %s: %w", q.Model, err)
	}
	return f, nil
}

// BuildFrame types raw rows against the given schema. Row fields not named
// by the schema are ignored; schema columns absent from a row produce
// missing cells.
func BuildFrame(rows []Row, specs []frame.ColumnSpec) (*frame.Frame, error) {
	f, err := frame.New(specs...)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		values := make(map[string]interface{}, len(specs))
		for _, spec := range specs {
			raw, ok := row[spec.Name]
			if !ok || raw == nil {
				continue
			}
			value, err := coerceValue(raw, spec.Kind)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i, spec.Name, err)
			}
			if value != nil {
				values[spec.Name] = value
			}
		}
		if err := f.AppendRow(values); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return f, nil
}

func coerceValue(raw interface{}, kind frame.Kind) (interface{}, error) {
	switch kind {
	case frame.KindFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" || strings.EqualFold(trimmed, "null") {
				return nil, nil
			}
			parsed, err := strconv.ParseFloat(trimmed, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as float", v)
			}
			return parsed, nil
		}
	case frame.KindInt:
		switch v := raw.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("value %v is not an integer", v)
			}
			return int64(v), nil
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				return nil, nil
			}
			parsed, err := strconv.ParseInt(trimmed, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as int", v)
			}
			return parsed, nil
		}
	case frame.KindUint:
		switch v := raw.(type) {
		case float64:
			if v < 0 || v != math.Trunc(v) {
				return nil, fmt.Errorf("value %v is not an identifier", v)
			}
			return uint64(v), nil
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				return nil, nil
			}
			parsed, err := strconv.ParseUint(trimmed, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as identifier", v)
			}
			return parsed, nil
		}
	case frame.KindString:
		if v, ok := raw.(string); ok {
			return v, nil
		}
	case frame.KindBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				return nil, nil
			}
			parsed, err := strconv.ParseBool(strings.ToLower(trimmed))
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as bool", v)
			}
			return parsed, nil
		}
	case frame.KindTime:
		if v, ok := raw.(string); ok {
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				return nil, nil
			}
			parsed, err := time.Parse(time.RFC3339, trimmed)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as timestamp", v)
			}
			return parsed.UTC(), nil
		}
	case frame.KindSet:
		if v, ok := raw.([]interface{}); ok {
			out := make([]string, 0, len(v))
			for _, item := range v {
				str, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("set element %v is not a string", item)
				}
				out = append(out, str)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("unsupported value %v (%T) for kind %s", raw, raw, kind)
}
