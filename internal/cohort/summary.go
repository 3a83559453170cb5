package cohort

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Summary is a per-sample result table. Scalar summaries (cell counts) have
// no Columns and one value per sample.
type Summary struct {
	Samples []string
	Columns []string
	Values  [][]float64
}

// Scalar reports whether the summary holds one unnamed value per sample.
func (s *Summary) Scalar() bool { return len(s.Columns) == 0 }

// MarshalJSON writes {"<sample>": <value>} for scalar summaries and
// {"<sample>": {"<column>": <value>}} otherwise, keeping row and column order.
func (s Summary) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, sample := range s.Samples {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeKey(&buf, sample)
		if s.Scalar() {
			buf.WriteString(formatValue(s.Values[i][0]))
			continue
		}
		buf.WriteByte('{')
		for j, col := range s.Columns {
			if j > 0 {
				buf.WriteByte(',')
			}
			writeKey(&buf, col)
			buf.WriteString(formatValue(s.Values[i][j]))
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts both shapes written by MarshalJSON. Columns are taken
// from the first sample; later samples missing a column read as 0.
func (s *Summary) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	out := Summary{}
	var rows []map[string]float64

	err := walkObject(dec, func(sample string) error {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '{' {
			inner := json.NewDecoder(bytes.NewReader(raw))
			row := make(map[string]float64)
			err := walkObject(inner, func(col string) error {
				var v float64
				if err := inner.Decode(&v); err != nil {
					return fmt.Errorf("%s/%s: %w", sample, col, err)
				}
				if len(rows) == 0 {
					out.Columns = append(out.Columns, col)
				}
				row[col] = v
				return nil
			})
			if err != nil {
				return err
			}
			out.Samples = append(out.Samples, sample)
			rows = append(rows, row)
			return nil
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: %w", sample, err)
		}
		out.Samples = append(out.Samples, sample)
		rows = append(rows, map[string]float64{"": v})
		return nil
	})
	if err != nil {
		return err
	}

	out.Values = make([][]float64, len(rows))
	for i, row := range rows {
		if out.Scalar() {
			out.Values[i] = []float64{row[""]}
			continue
		}
		vals := make([]float64, len(out.Columns))
		for j, col := range out.Columns {
			vals[j] = row[col]
		}
		out.Values[i] = vals
	}
	*s = out
	return nil
}

// WriteCSV writes a header row "sample,<columns>" followed by one row per
// sample. scalarHeader names the value column of scalar summaries.
func (s *Summary) WriteCSV(w io.Writer, scalarHeader string) error {
	cw := csv.NewWriter(w)
	header := []string{"sample"}
	if s.Scalar() {
		header = append(header, scalarHeader)
	} else {
		header = append(header, s.Columns...)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, sample := range s.Samples {
		rec := []string{sample}
		for _, v := range s.Values[i] {
			rec = append(rec, formatValue(v))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
