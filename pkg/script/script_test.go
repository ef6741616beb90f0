package script

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"emspider/pkg/toolerr"
)

const refineTemplate = `; refine.pam
[diam] = 200             ; particle diameter
 [iter-end] = 10         ; last iteration
GLO [shrange] = 8        ; shift range
[unknown] = 3            ; not a parameter
fr l
[ref_vol]../old_vol      ; reference volume
fr l
[sel_group]../old_sel
this line is not an assignment
; -------------- END BATCH HEADER --------------
[diam] = 999
fr l
[ref_vol]../never
`

func render(t *testing.T, tmpl string, params Params, log *zap.Logger) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Render(strings.NewReader(tmpl), &buf, params, log))
	return buf.String()
}

func TestRenderHeader(t *testing.T) {
	out := render(t, refineTemplate, Params{
		"[diam]":      140,
		"[iter-end]":  4,
		"[shrange]":   6.5,
		"[ref_vol]":   Quote("../ref_vol"),
		"[sel_group]": Quote("../sel_group"),
	}, nil)

	lines := strings.Split(out, "\n")
	assert.Equal(t, "[diam] = 140             ; particle diameter", lines[1])
	assert.Equal(t, " [iter-end] = 4         ; last iteration", lines[2])
	assert.Equal(t, "GLO [shrange] = 6.5        ; shift range", lines[3])
	assert.Equal(t, "[unknown] = 3            ; not a parameter", lines[4])
	assert.Equal(t, "[ref_vol]'../ref_vol'      ; reference volume", lines[6])
	assert.Equal(t, "[sel_group]'../sel_group'", lines[8])
	assert.Equal(t, "this line is not an assignment", lines[9])
}

func TestRenderBodyUntouched(t *testing.T) {
	out := render(t, refineTemplate, Params{"[diam]": 140, "[ref_vol]": "'x'"}, nil)
	i := strings.Index(refineTemplate, "; --------------")
	j := strings.Index(out, "; --------------")
	require.True(t, i > 0 && j > 0)
	assert.Equal(t, refineTemplate[i:], out[j:])
}

func TestRenderIdempotent(t *testing.T) {
	params := Params{"[diam]": 140, "[ref_vol]": Quote("../ref_vol")}
	once := render(t, refineTemplate, params, nil)
	twice := render(t, once, params, nil)
	assert.Equal(t, once, twice)
}

func TestRenderEmptyParamsIsIdentity(t *testing.T) {
	assert.Equal(t, refineTemplate, render(t, refineTemplate, Params{}, nil))
}

func TestRenderKeepsCRLF(t *testing.T) {
	tmpl := "[diam] = 1 ; d\r\nEND BATCH HEADER\r\nbody\r\n"
	assert.Equal(t, "[diam] = 7 ; d\r\nEND BATCH HEADER\r\nbody\r\n",
		render(t, tmpl, Params{"[diam]": 7}, nil))
}

func TestRenderNoTrailingNewline(t *testing.T) {
	assert.Equal(t, "[x] = 2", render(t, "[x] = 1", Params{"[x]": 2}, nil))
}

func TestFrPatternOnlyAfterFr(t *testing.T) {
	tmpl := "[ref_vol]../old\nfr l\n[ref_vol]../old\n"
	out := render(t, tmpl, Params{"[ref_vol]": "'new'"}, nil)
	assert.Equal(t, "[ref_vol]../old\nfr l\n[ref_vol]'new'\n", out)
}

func TestUnsupportedValueIsLoggedAndKept(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tmpl := "[bad] = 1 ; c\n[good] = 1 ; c\n"
	out := render(t, tmpl, Params{"[bad]": []int{1}, "[good]": 2}, zap.New(core))

	assert.Equal(t, "[bad] = 1 ; c\n[good] = 2 ; c\n", out)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "[bad]", entry.ContextMap()["name"])
}

func TestParseLineKinds(t *testing.T) {
	p := Params{"[a]": "x"}
	tests := []struct {
		line    string
		afterFr bool
		want    Kind
	}{
		{"[a] = 1", false, Substituted},
		{"[b] = 1", false, PassThrough},
		{"no assignment here", false, Malformed},
		{"[a]old", true, Substituted},
		{"[a]old", false, Malformed},
		{"", false, Malformed},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLine(tt.line, p, tt.afterFr).Kind)
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"'../ref_vol'", "'../ref_vol'"},
		{true, "1"},
		{false, "0"},
		{42, "42"},
		{int64(-3), "-3"},
		{2.0, "2.0"},
		{0.25, "0.25"},
		{float32(1.5), "1.5"},
	}
	for _, tt := range tests {
		got, err := Format(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := Format(map[string]int{})
	assert.Error(t, err)
}

func TestExpandList(t *testing.T) {
	got, err := ExpandList("3.3 3 3x2 1.5", 6)
	require.NoError(t, err)
	assert.Equal(t, []string{"3.3", "3", "2", "2", "2", "1.5"}, got)
	assert.Equal(t, "'3.3,3,2,2,2,1.5'", JoinList(got))

	got, err = ExpandList("3.3 3 3x2 1.5", 8)
	require.NoError(t, err)
	assert.Equal(t, []string{"3.3", "3", "2", "2", "2", "1.5", "1.5", "1.5"}, got)

	got, err = ExpandList("1 2 3", 2)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = ExpandList("", 4)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ExpandList("2x3x4", 4)
	assert.Error(t, err)
	_, err = ExpandList("ax3", 4)
	assert.Error(t, err)

	joined, err := ExpandJoin("4x15 2x5", 8)
	require.NoError(t, err)
	assert.Equal(t, "'15,15,15,15,5,5,5,5'", joined)
}

func TestLibrary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "24.03", "mda"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "24.03", "mda", "kmeans.msa"),
		[]byte("x20 = 1 ; classes\nEND BATCH HEADER\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "recons_fourier.txt"),
		[]byte("[nummps] = 1\n"), 0644))

	lib := &Library{Dir: dir, Version: "24.03"}
	out := t.TempDir()

	paths, err := lib.Copy(out, Params{"x20": 5, "[nummps]": 4}, "mda/kmeans.msa", "recons_fourier.txt")
	require.NoError(t, err)
	require.Len(t, paths, 2)

	data, err := os.ReadFile(filepath.Join(out, "kmeans.msa"))
	require.NoError(t, err)
	assert.Equal(t, "x20 = 5 ; classes\nEND BATCH HEADER\n", string(data))

	data, err = os.ReadFile(filepath.Join(out, "recons_fourier.txt"))
	require.NoError(t, err)
	assert.Equal(t, "[nummps] = 4\n", string(data))

	_, err = lib.Write("missing.msa", out, nil)
	assert.True(t, errors.Is(err, toolerr.ErrTemplate))
}

func TestDigestStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.pam")
	require.NoError(t, os.WriteFile(path, []byte("[diam] = 1\n"), 0644))
	a, err := Digest(path)
	require.NoError(t, err)
	b, err := Digest(path)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}
