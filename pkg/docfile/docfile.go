// Package docfile reads and writes SPIDER document files.
//
// A document file is line oriented. Data lines carry a 1-based record key,
// the number of values on the line and the values themselves in fixed-width
// columns:
//
//	    1  3        1.5          2        100
//
// Lines whose first non-blank character is ';' are comments and are never
// returned as data.
package docfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CommentPrefix starts every non-data line.
const CommentPrefix = ";"

// columnWidth is the width of one value column.
const columnWidth = 11

// Writer appends records to a document file and keeps the record key.
type Writer struct {
	w      *bufio.Writer
	closer io.Closer
	name   string
	count  int

	// Now returns the time stamped into comment lines.
	Now func() time.Time
}

// NewWriter wraps an io.Writer. The first record written gets key 1.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w), Now: time.Now}
}

// Create truncates or creates the file at path for writing.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create document file %s", path)
	}
	w := NewWriter(f)
	w.closer = f
	w.name = path
	return w, nil
}

// Append opens the file at path for appending, creating it if needed. Record
// keys continue after the highest key already in the file.
func Append(path string) (*Writer, error) {
	last := 0
	if r, err := Open(path); err == nil {
		for row, err := range r.Rows() {
			if err != nil || len(row) == 0 {
				break
			}
			last = max(last, int(row[0]))
		}
		r.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open document file %s", path)
	}
	w := NewWriter(f)
	w.closer = f
	w.name = path
	w.count = last
	return w, nil
}

// Count returns the key of the last record, which is the number of records
// written unless WriteKeyed skipped keys.
func (w *Writer) Count() int { return w.count }

// WriteValues appends one record. Writing no values is legal and produces a
// record with a field count of zero.
func (w *Writer) WriteValues(values ...float64) error {
	return w.WriteKeyed(w.count+1, values...)
}

// WriteKeyed appends a record with an explicit key, as used by keyed
// parameter files such as params.stk. Keys must increase.
func (w *Writer) WriteKeyed(key int, values ...float64) error {
	if key <= w.count {
		return errors.Errorf("key %d does not follow %d", key, w.count)
	}
	w.count = key
	var b strings.Builder
	fmt.Fprintf(&b, "%5d %2d", key, len(values))
	for _, v := range values {
		fmt.Fprintf(&b, " %*.6g", columnWidth, v)
	}
	b.WriteByte('\n')
	_, err := w.w.WriteString(b.String())
	return errors.Wrap(err, "write record")
}

// WriteComment appends the standard SPIDER comment line naming the file,
// its extension and the current time. batext defaults to "spi".
func (w *Writer) WriteComment(filename, batext string) error {
	if batext == "" {
		batext = "spi"
	}
	base := filepath.Base(filename)
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	stamp := strings.ToUpper(w.Now().Format("02-Jan-2006 AT 15:04:05"))
	line := fmt.Sprintf(" ;%s/%s   %s   %s\n", batext, ext, stamp, base)
	_, err := w.w.WriteString(line)
	return errors.Wrap(err, "write comment")
}

// WriteText appends a free-form comment line.
func (w *Writer) WriteText(text string) error {
	_, err := w.w.WriteString(" ; " + text + "\n")
	return errors.Wrap(err, "write comment")
}

// WriteHeader appends a comment line with column names aligned to the data
// columns. Names longer than a column are truncated.
func (w *Writer) WriteHeader(names ...string) error {
	var b strings.Builder
	b.WriteString(" ; /    ")
	for _, h := range names {
		if len(h) > columnWidth {
			h = h[:columnWidth]
		}
		fmt.Fprintf(&b, "%*s", columnWidth+1, h)
	}
	b.WriteByte('\n')
	_, err := w.w.WriteString(b.String())
	return errors.Wrap(err, "write header")
}

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return errors.Wrap(w.w.Flush(), "flush document file")
}

// Close flushes and releases the file. Calling Close twice is a bug.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		if w.closer != nil {
			w.closer.Close()
		}
		return err
	}
	if w.closer != nil {
		return errors.Wrapf(w.closer.Close(), "close document file %s", w.name)
	}
	return nil
}
