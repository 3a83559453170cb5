package cohort

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Table is a cell × marker intensity table restricted to selected columns.
// Data is nil when the table has no rows.
type Table struct {
	Columns []string
	Data    *mat.Dense
}

// Rows returns the number of cells.
func (t *Table) Rows() int {
	if t.Data == nil {
		return 0
	}
	r, _ := t.Data.Dims()
	return r
}

// Index returns the position of a column or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// ReadTable decodes a CSV with a header row, keeping only the named columns
// in the order given. A requested column missing from the header is an error.
// Empty cells read as NaN.
func ReadTable(r io.Reader, columns []string) (*Table, error) {
	cr := csv.NewReader(skipBOM(r))
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	pos := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if _, dup := pos[h]; !dup {
			pos[h] = i
		}
	}
	idx := make([]int, len(columns))
	for i, c := range columns {
		p, ok := pos[c]
		if !ok {
			return nil, fmt.Errorf("column %q not found", c)
		}
		idx[i] = p
	}

	var data []float64
	rows := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		rows++
		for i, p := range idx {
			v, err := parseCell(rec[p])
			if err != nil {
				line, _ := cr.FieldPos(p)
				return nil, fmt.Errorf("line %d column %q: %w", line, columns[i], err)
			}
			data = append(data, v)
		}
	}

	t := &Table{Columns: append([]string(nil), columns...)}
	if rows > 0 && len(columns) > 0 {
		t.Data = mat.NewDense(rows, len(columns), data)
	}
	return t, nil
}

// CountRows counts data rows (excluding the header) without parsing values.
func CountRows(r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, errors.New("csv has no header row")
		}
		return 0, fmt.Errorf("read csv header: %w", err)
	}
	n := 0
	for {
		_, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read csv: %w", err)
		}
		n++
	}
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nan, nil
	}
	return strconv.ParseFloat(s, 64)
}

// skipBOM drops a leading UTF-8 byte order mark, as spreadsheet exports
// often start with one.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if ch, _, err := br.ReadRune(); err == nil && ch != '\ufeff' {
		_ = br.UnreadRune()
	}
	return br
}
