package cohort

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Thresholds holds per-file marker cutoffs in document order.
type Thresholds struct {
	Files   []string                      // file keys as written
	Markers []string                      // marker order of the first file
	Cutoffs map[string]map[string]float64 // file key -> marker -> cutoff
}

// For returns the cutoff row for a file.
func (t *Thresholds) For(file string) (map[string]float64, bool) {
	row, ok := t.Cutoffs[file]
	return row, ok
}

// UnmarshalJSON decodes {"<file>": {"<marker>": <cutoff>, ...}, ...} keeping
// key order, which fixes the marker list for co-occurrence matrices.
func (t *Thresholds) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	out := Thresholds{Cutoffs: make(map[string]map[string]float64)}

	err := walkObject(dec, func(file string) error {
		row := make(map[string]float64)
		var order []string
		err := walkObject(dec, func(marker string) error {
			var v float64
			if err := dec.Decode(&v); err != nil {
				return fmt.Errorf("threshold %s/%s: %w", file, marker, err)
			}
			if _, seen := row[marker]; !seen {
				order = append(order, marker)
			}
			row[marker] = v
			return nil
		})
		if err != nil {
			return err
		}
		if _, seen := out.Cutoffs[file]; !seen {
			out.Files = append(out.Files, file)
		}
		if out.Markers == nil {
			out.Markers = order
		}
		out.Cutoffs[file] = row
		return nil
	})
	if err != nil {
		return err
	}
	*t = out
	return nil
}

// MarshalJSON writes files and markers back in their recorded order.
func (t Thresholds) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, file := range t.Files {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeKey(&buf, file)
		row := t.Cutoffs[file]
		buf.WriteByte('{')
		n := 0
		for _, m := range markerOrder(t.Markers, row) {
			if n > 0 {
				buf.WriteByte(',')
			}
			writeKey(&buf, m)
			b, err := json.Marshal(row[m])
			if err != nil {
				return nil, err
			}
			buf.Write(b)
			n++
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Phenotypes maps phenotype names to boolean marker expressions, in
// document order.
type Phenotypes struct {
	Names []string
	Exprs map[string]string
}

func (p *Phenotypes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	out := Phenotypes{Exprs: make(map[string]string)}
	err := walkObject(dec, func(name string) error {
		var expr string
		if err := dec.Decode(&expr); err != nil {
			return fmt.Errorf("phenotype %s: %w", name, err)
		}
		if _, seen := out.Exprs[name]; !seen {
			out.Names = append(out.Names, name)
		}
		out.Exprs[name] = expr
		return nil
	})
	if err != nil {
		return err
	}
	*p = out
	return nil
}

func (p Phenotypes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range p.Names {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeKey(&buf, name)
		b, err := json.Marshal(p.Exprs[name])
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SampleID derives a sample identifier from a file key: its base name
// without extension.
func SampleID(file string) string {
	base := path.Base(file)
	return strings.TrimSuffix(base, path.Ext(base))
}

// walkObject consumes one JSON object from dec, calling fn with each member
// name while the decoder is positioned at the member's value. fn must
// consume exactly that value.
func walkObject(dec *json.Decoder, fn func(key string) error) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

func writeKey(buf *bytes.Buffer, key string) {
	b, _ := json.Marshal(key)
	buf.Write(b)
	buf.WriteByte(':')
}

// markerOrder lists row's markers in the shared order, then any markers only
// this row names, sorted.
func markerOrder(order []string, row map[string]float64) []string {
	out := make([]string, 0, len(row))
	seen := make(map[string]bool, len(row))
	for _, m := range order {
		if _, ok := row[m]; ok {
			out = append(out, m)
			seen[m] = true
		}
	}
	var extra []string
	for m := range row {
		if !seen[m] {
			extra = append(extra, m)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
