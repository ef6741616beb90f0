package docfile

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emspider/pkg/toolerr"
)

func collect(t *testing.T, r *Reader) [][]float64 {
	t.Helper()
	var out [][]float64
	for values, err := range r.Values() {
		require.NoError(t, err)
		out = append(out, values)
	}
	return out
}

func TestWriteValuesFormat(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteValues(1, 2.5, 100))
	require.NoError(t, w.WriteValues())
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "    1  3           1         2.5         100", lines[0])
	assert.Equal(t, "    2  0", lines[1])
	assert.Equal(t, 2, w.Count())
}

func TestSixSignificantDigits(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteValues(1234567, 0.000123456789))
	require.NoError(t, w.Flush())
	assert.Equal(t, "    1  2 1.23457e+06 0.000123457\n", buf.String())
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.stk")
	records := [][]float64{
		{1},
		{3.5, -2, 0},
		{},
		{12345.6, 0.5, 7, 8, 9},
	}

	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteComment(path, ""))
	for i, rec := range records {
		if i == 2 {
			require.NoError(t, w.WriteHeader("A", "B"))
		}
		require.NoError(t, w.WriteValues(rec...))
	}
	require.NoError(t, w.WriteText("trailing note"))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, records, collect(t, r))

	r2, err := Open(path)
	require.NoError(t, err)
	defer r2.Close()
	key := 0.0
	for row, err := range r2.Rows() {
		require.NoError(t, err)
		key++
		assert.Equal(t, key, row[0], "keys are 1..N without gaps")
	}
	assert.Equal(t, float64(len(records)), key)
}

func TestCommentLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Now = func() time.Time { return time.Date(2024, 3, 7, 9, 5, 1, 0, time.UTC) }
	require.NoError(t, w.WriteComment("/tmp/run/group001_align.stk", ""))
	require.NoError(t, w.WriteHeader("KEY", "A_VERY_LONG_NAME"))
	require.NoError(t, w.Flush())

	lines := strings.Split(buf.String(), "\n")
	assert.Equal(t, " ;spi/stk   07-MAR-2024 AT 09:05:01   group001_align.stk", lines[0])
	assert.Equal(t, " ; /    "+"         KEY"+" A_VERY_LONG", lines[1])
	assert.Empty(t, collect(t, NewReader(strings.NewReader(buf.String()))))
}

func TestEmptyFile(t *testing.T) {
	assert.Empty(t, collect(t, NewReader(strings.NewReader(""))))
	assert.Empty(t, collect(t, NewReader(strings.NewReader(" ; only a comment\n\n"))))
}

func TestMalformedToken(t *testing.T) {
	input := "    1  2  1.0 2.0\n    2  2  abc 3.0\n    3  1  4.0\n"
	r := NewReader(strings.NewReader(input))

	var good [][]float64
	var parseErrs []error
	for values, err := range r.Values() {
		if err != nil {
			parseErrs = append(parseErrs, err)
			continue
		}
		good = append(good, values)
	}
	require.Len(t, parseErrs, 1)
	assert.True(t, errors.Is(parseErrs[0], toolerr.ErrParse))

	var pe *toolerr.ParseError
	require.True(t, errors.As(parseErrs[0], &pe))
	assert.Equal(t, 2, pe.Line)
	assert.Equal(t, "abc", pe.Token)
	assert.Equal(t, [][]float64{{1, 2}, {4}}, good)
}

func TestStopEarly(t *testing.T) {
	input := "    1  1  1\n    2  1  2\n    3  1  3\n"
	r := NewReader(strings.NewReader(input))
	n := 0
	for range r.Values() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestAppendContinuesKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sel.stk")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteValues(1))
	require.NoError(t, w.WriteValues(2))
	require.NoError(t, w.Close())

	w, err = Append(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteValues(3))
	require.NoError(t, w.Close())
	assert.Equal(t, 3, w.Count())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	var keys []float64
	for row, err := range r.Rows() {
		require.NoError(t, err)
		keys = append(keys, row[0])
	}
	assert.Equal(t, []float64{1, 2, 3}, keys)
}

func TestAppendAfterKeyedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.stk")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteKeyed(5, 1.5))
	require.NoError(t, w.WriteKeyed(17, 64))
	require.NoError(t, w.Close())

	w, err = Append(path)
	require.NoError(t, err)
	assert.Equal(t, 17, w.Count())
	require.NoError(t, w.WriteValues(9))
	assert.Error(t, w.WriteKeyed(17, 1))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	var rows [][]float64
	for row, err := range r.Rows() {
		require.NoError(t, err)
		rows = append(rows, row)
	}
	assert.Equal(t, [][]float64{{5, 1.5}, {17, 64}, {18, 9}}, rows)
}

func TestRecordsReportFileLines(t *testing.T) {
	input := " ; comment\n\n    1  2  1 2\n ; another\n    2  1  3\n"
	r := NewReader(strings.NewReader(input))
	var got []Record
	for rec, err := range r.Records() {
		require.NoError(t, err)
		got = append(got, rec)
	}
	assert.Equal(t, []Record{{Line: 3, Values: []float64{1, 2}}, {Line: 5, Values: []float64{3}}}, got)
}

func TestShortAlignmentRecordLine(t *testing.T) {
	input := " ; align/stk\n ; /    KEY\n    1  3  1 2 3\n"
	r := NewReader(strings.NewReader(input))
	var errs []error
	for _, err := range r.Alignments() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	var pe *toolerr.ParseError
	require.True(t, errors.As(errs[0], &pe))
	assert.Equal(t, 3, pe.Line)
	assert.Contains(t, pe.Error(), "3 values, want 15")
	assert.Equal(t, toolerr.CodeParse, toolerr.Classify(errs[0]))
}

func TestCreateUnwritable(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "missing", "dir", "doc.stk"))
	assert.Error(t, err)
	_, err = Open(filepath.Join(t.TempDir(), "nope.stk"))
	assert.Error(t, err)
}

func TestAlignmentRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "align.stk")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteComment(path, ""))
	require.NoError(t, w.WriteHeader(AlignmentHeader...))

	in := []AlignmentRecord{
		InitialAlignment(1, 10, 45, 90, 1.5, -2),
		{Psi: 3, Theta: 4, Phi: 5, Ref: 6, Exp: 2, CumRot: 7, CumSX: 8, CumSY: 9,
			NProj: 10, Diff: 11, CCRot: 0.5, Rot: 13, SX: 14, SY: 15, MirrorCC: -1},
	}
	for _, a := range in {
		require.NoError(t, w.WriteAlignment(a))
	}
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	var out []AlignmentRecord
	for a, err := range r.Alignments() {
		require.NoError(t, err)
		out = append(out, a)
	}
	assert.Equal(t, in, out)
}

func TestShortAlignmentRecord(t *testing.T) {
	r := NewReader(strings.NewReader("    1  3  1 2 3\n"))
	for _, err := range r.Alignments() {
		assert.True(t, errors.Is(err, toolerr.ErrParse))
	}
}

func TestReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsc.stk")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteValues(1, 0.25, 0.99))
	require.NoError(t, w.WriteValues(2, 0.125, 0.5))
	require.NoError(t, w.Close())

	rows, err := ReadAll(path)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0.25, 0.99}, {2, 0.125, 0.5}}, rows)
}

func TestWriteKeyed(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteKeyed(5, 2.5))
	require.NoError(t, w.WriteKeyed(17, 128))
	assert.Error(t, w.WriteKeyed(17, 1))
	require.NoError(t, w.WriteValues(4))
	require.NoError(t, w.Flush())

	var keys []float64
	for row, err := range NewReader(strings.NewReader(buf.String())).Rows() {
		require.NoError(t, err)
		keys = append(keys, row[0])
	}
	assert.Equal(t, []float64{5, 17, 18}, keys)
}
