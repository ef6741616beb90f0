package docfile

import (
	"bufio"
	"io"
	"iter"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"emspider/pkg/toolerr"
)

// Reader iterates the data records of a document file.
type Reader struct {
	r      io.Reader
	closer io.Closer
	name   string

	scanErr error
}

// NewReader reads records from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Open opens the document file at path for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open document file %s", path)
	}
	return &Reader{r: f, closer: f, name: path}, nil
}

// Record is one data line: its 1-based line number in the file and the
// numeric fields without the key and count columns.
type Record struct {
	Line   int
	Values []float64
}

// Records is like Values but also reports where each record starts, for
// callers that validate record contents themselves.
func (r *Reader) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for lineNo, fields := range r.records() {
			if fields == nil {
				// records signals scanner failure with nil fields.
				yield(Record{Line: lineNo}, errors.Wrapf(r.scanErr, "read document file %s", r.name))
				return
			}
			values, err := parseFields(r.name, lineNo, fields[min(2, len(fields)):])
			if !yield(Record{Line: lineNo, Values: values}, err) {
				return
			}
		}
	}
}

// Values returns a single-pass sequence of the numeric fields of every data
// record, without the key and count columns. A malformed token yields a
// *toolerr.ParseError for that line; iteration continues with the next line
// if the caller keeps ranging.
func (r *Reader) Values() iter.Seq2[[]float64, error] {
	return func(yield func([]float64, error) bool) {
		for rec, err := range r.Records() {
			if !yield(rec.Values, err) {
				return
			}
		}
	}
}

// Rows is like Values but keeps the record key as the first element.
func (r *Reader) Rows() iter.Seq2[[]float64, error] {
	return func(yield func([]float64, error) bool) {
		for lineNo, fields := range r.records() {
			if fields == nil {
				yield(nil, errors.Wrapf(r.scanErr, "read document file %s", r.name))
				return
			}
			var row []float64
			values, err := parseFields(r.name, lineNo, fields[min(2, len(fields)):])
			if err == nil && len(fields) > 0 {
				key, kerr := strconv.ParseFloat(fields[0], 64)
				if kerr != nil {
					err = &toolerr.ParseError{File: r.name, Line: lineNo, Token: fields[0], Err: kerr}
				} else {
					row = append([]float64{key}, values...)
				}
			}
			if !yield(row, err) {
				return
			}
		}
	}
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// records yields the whitespace separated fields of every non-comment,
// non-blank line keyed by 1-based line number.
func (r *Reader) records() iter.Seq2[int, []string] {
	return func(yield func(int, []string) bool) {
		scanner := bufio.NewScanner(r.r)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, CommentPrefix) {
				continue
			}
			if !yield(lineNo, strings.Fields(line)) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			r.scanErr = err
			yield(lineNo+1, nil)
		}
	}
}

func parseFields(file string, line int, fields []string) ([]float64, error) {
	values := make([]float64, 0, len(fields))
	for _, tok := range fields {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, &toolerr.ParseError{File: file, Line: line, Token: tok, Err: err}
		}
		values = append(values, v)
	}
	return values, nil
}

// ReadAll reads every record of the file at path, stopping at the first
// error.
func ReadAll(path string) ([][]float64, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out [][]float64
	for values, err := range r.Values() {
		if err != nil {
			return nil, err
		}
		out = append(out, values)
	}
	return out, nil
}

// ReadRecords is like ReadAll but keeps the line of every record.
func ReadRecords(path string) ([]Record, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []Record
	for rec, err := range r.Records() {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
