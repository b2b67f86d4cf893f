package bng

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Data is a BioNetGen output table (.gdat or .cdat).
type Data struct {
	Columns []string
	Rows    [][]float64
}

// Column returns the values of the named column.
func (d *Data) Column(name string) ([]float64, bool) {
	for j, c := range d.Columns {
		if c == name {
			out := make([]float64, len(d.Rows))
			for i, row := range d.Rows {
				out[i] = row[j]
			}
			return out, true
		}
	}
	return nil, false
}

// ReadData parses a table of whitespace-separated numbers. The header is
// either a line starting with '#' or a leading non-numeric line.
func ReadData(r io.Reader) (*Data, error) {
	d := &Data{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if d.Columns == nil {
				d.Columns = strings.Fields(strings.TrimPrefix(text, "#"))
			}
			continue
		}
		fields := strings.Fields(text)
		if d.Columns == nil && d.Rows == nil {
			if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
				d.Columns = fields
				continue
			}
		}
		if d.Columns != nil && len(fields) != len(d.Columns) {
			return nil, fmt.Errorf("line %d: %d values for %d columns", line, len(fields), len(d.Columns))
		}
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			row[i] = v
		}
		d.Rows = append(d.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// ReadDataFile reads the table at path.
func ReadDataFile(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := ReadData(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}
