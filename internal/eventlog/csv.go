// Package eventlog writes run records as CSV rows.
package eventlog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
)

type Appender[T any] interface {
	Append(item T) error
}

// CSVWriter writes the JSON fields of each item as a CSV row. The header is
// taken from the first item's fields (sorted); later items missing a field
// get an empty cell and extra fields are dropped.
type CSVWriter[T any] struct {
	writer *csv.Writer
	header []string
	first  bool
}

func NewCSVWriter[T any](dest io.Writer) *CSVWriter[T] {
	return &CSVWriter[T]{writer: csv.NewWriter(dest), first: true}
}

// WithHeader fixes the column set up front instead of deriving it from the first item.
func (cw *CSVWriter[T]) WithHeader(columns ...string) *CSVWriter[T] {
	cw.header = columns
	return cw
}

func (cw *CSVWriter[T]) Append(item T) error {
	jsonData, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshalling JSON: %w", err)
	}
	data := map[string]any{}
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return fmt.Errorf("unmarshalling JSON: %w", err)
	}

	if cw.header == nil {
		cw.header = slices.Sorted(maps.Keys(data))
	}
	if cw.first {
		if err := cw.writer.Write(cw.header); err != nil {
			return err
		}
		cw.first = false
	}

	values := make([]string, 0, len(cw.header))
	for _, k := range cw.header {
		values = append(values, cell(data[k]))
	}
	return cw.writer.Write(values)
}

func (cw *CSVWriter[T]) Flush() error {
	cw.writer.Flush()
	return cw.writer.Error()
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
