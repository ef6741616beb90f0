package refinement

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"emspider/internal/models"
	"emspider/pkg/convert"
	"emspider/pkg/docfile"
	"emspider/pkg/driver"
	"emspider/pkg/protocol"
	"emspider/pkg/script"
	"emspider/pkg/toolerr"
)

type nopConverter struct {
	images  int
	volumes []string
}

func (c *nopConverter) ConvertImage(context.Context, models.Location, models.Location) error {
	c.images++
	return nil
}

func (c *nopConverter) ConvertVolume(_ context.Context, _, dst string) error {
	c.volumes = append(c.volumes, dst)
	return nil
}

const settingsTemplate = `; refinement settings
[iter-end] = 5        ; last iteration
[diam] = 300          ; diameter (A)
[ang-steps] = '3'     ; angular steps
GLO [vol_orig] = 'vol' ; reference
; END BATCH HEADER
[iter-end] = 99
`

// writeLibrary creates every refinement template of mode under dir.
func writeLibrary(t *testing.T, dir string, mode convert.GroupMode) {
	t.Helper()
	sub, names := "no-defocus-groups", GoldStandardScripts
	if mode == convert.DefocusGroups {
		sub, names = "defocus-groups", DefocusGroupScripts
	}
	base := filepath.Join(dir, "projmatch", RefDir, sub)
	require.NoError(t, os.MkdirAll(base, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "refine_settings.pam"), []byte(settingsTemplate), 0644))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(base, name+".pam"), []byte("; "+name+"\nEN D\n"), 0644))
	}
}

// fakeSpider produces the outputs of a two-iteration gold-standard run.
const fakeSpider = `
echo "args: $@"
mkdir -p final
touch final/vol_01.stk final/vol_02.stk final/vol_02_s1.stk final/vol_02_s2.stk
cat > final/fscdoc_m_02.stk <<EOF
 ; /     NORM-FREQ        FSC
    1  3          1        0.1        0.9
    2  3          2       0.25        0.4
EOF
cat > ../stack_alignment.stk <<EOF
    1 15  0 45 90 1 1 10 1.5 -2 0 0 0 0 0 0 0
    2 15  0 30 60 1 2 20 0 0 0 0 0 0 0 0 0
    3 15  0 10 20 1 3 30 1 1 0 0 0 0 0 0 0
EOF
`

func fakeProgram(t *testing.T, dir, body string) driver.Program {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake SPIDER executables need /bin/sh")
	}
	path := filepath.Join(dir, "spider")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return driver.Program{Path: path}
}

func testSet() *models.ParticleSet {
	set := &models.ParticleSet{
		SamplingRate: 3,
		Dimensions:   [3]int{64, 64, 1},
		Acquisition:  models.Acquisition{Voltage: 300, SphericalAberration: 2.7},
	}
	for _, id := range []int{3, 1, 2} {
		set.Particles = append(set.Particles, models.Particle{
			ID:       id,
			Location: models.Location{Index: id, File: "in.mrcs"},
		})
	}
	return set
}

func newTools(t *testing.T, mode convert.GroupMode, body string) (*protocol.Tools, *nopConverter) {
	t.Helper()
	dir := t.TempDir()
	writeLibrary(t, filepath.Join(dir, "scripts"), mode)
	conv := &nopConverter{}
	log := zaptest.NewLogger(t)
	return &protocol.Tools{
		Library:   &script.Library{Dir: filepath.Join(dir, "scripts")},
		Runner:    driver.NewRunner(fakeProgram(t, dir, body), log, nil),
		Converter: conv,
		Log:       log,
	}, conv
}

func TestRunGoldStandard(t *testing.T) {
	tools, conv := newTools(t, convert.GoldStandard, fakeSpider)
	run, err := protocol.NewRun(Adapter, t.TempDir(), "", tools.Log)
	require.NoError(t, err)

	p := DefaultParams()
	p.Iterations = 2
	p.AngSteps = "3 2"
	p.AngLimits = "0 15"
	p.Radius = 50

	res, err := New(tools).Run(context.Background(), run, Input{
		Particles: testSet(),
		Reference: models.Volume{File: "ref.mrc"},
	}, p)
	require.NoError(t, err)
	require.NoError(t, run.Finish())
	assert.Equal(t, protocol.StateDone, run.State())

	assert.Equal(t, 3, conv.images)
	assert.Equal(t, []string{run.Path("ref_vol.stk")}, conv.volumes)
	assert.FileExists(t, run.Path("params.stk"))
	assert.FileExists(t, run.Path("sel_group.stk"))
	assert.FileExists(t, run.Path("group002_selfile.stk"))

	settings, err := os.ReadFile(run.Path(RefDir, "refine_settings.pam"))
	require.NoError(t, err)
	assert.Contains(t, string(settings), "[iter-end] = 2        ; last iteration\n")
	assert.Contains(t, string(settings), "[diam] = 300          ; diameter (A)\n")
	assert.Contains(t, string(settings), "[ang-steps] = '3,2'     ; angular steps\n")
	assert.Contains(t, string(settings), "GLO [vol_orig] = '../ref_vol' ; reference\n")
	assert.True(t, strings.HasSuffix(string(settings), "[iter-end] = 99\n"))

	runLog, err := os.ReadFile(run.Path(protocol.LogFile))
	require.NoError(t, err)
	assert.Contains(t, string(runLog), "args: pam/stk @refine")

	assert.Equal(t, 2, res.Iteration)
	assert.Equal(t, run.Path(RefDir, "final", "vol_02.stk"), res.Volume.File)
	assert.Equal(t, []string{
		run.Path(RefDir, "final", "vol_02_s1.stk"),
		run.Path(RefDir, "final", "vol_02_s2.stk"),
	}, res.Volume.HalfMaps)
	assert.Equal(t, 3.0, res.Volume.SamplingRate)

	assert.Equal(t, []float64{10, 4}, res.FSC.Resolution)
	assert.Equal(t, []float64{0.9, 0.4}, res.FSC.Values)

	require.Len(t, res.Particles.Particles, 3)
	assert.Equal(t, models.AlignProjection, res.Particles.Alignment)
	for i, p := range res.Particles.Particles {
		assert.Equal(t, i+1, p.ID, "particles ordered by id")
	}
	want := convert.NewTransform(90, 45, 10, 1.5, -2)
	if diff := cmp.Diff(want.Matrix, res.Particles.Particles[0].Transform.Matrix, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("transform mismatch (-want +got):\n%s", diff)
	}

	m, err := protocol.LoadManifest(run.Path(protocol.ManifestFile))
	require.NoError(t, err)
	assert.Len(t, m.Scripts, 1+len(GoldStandardScripts))
	assert.Equal(t, res.Volume.File, m.Outputs["volume"])
}

func TestRunMissingIteration(t *testing.T) {
	tools, _ := newTools(t, convert.GoldStandard, "echo nothing\n")
	run, err := protocol.NewRun(Adapter, t.TempDir(), "", tools.Log)
	require.NoError(t, err)

	p := DefaultParams()
	p.Iterations = 2
	p.AngSteps, p.AngLimits = "3", "0"

	_, err = New(tools).Run(context.Background(), run, Input{Particles: testSet()}, p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, toolerr.ErrMissingOutput))
	assert.Contains(t, err.Error(), "vol_02.stk")
	assert.Equal(t, protocol.StateFailed, run.State())
	assert.Equal(t, string(toolerr.CodeMissingOutput), run.Manifest.ErrorCode)
}

func TestRunDefocusGroupsScripts(t *testing.T) {
	tools, _ := newTools(t, convert.DefocusGroups, "exit 0\n")
	run, err := protocol.NewRun(Adapter, t.TempDir(), "", tools.Log)
	require.NoError(t, err)

	set := testSet()
	for i := range set.Particles {
		set.Particles[i].MicrographID = 1 + i%2
		set.Particles[i].CTF = &models.CTF{DefocusU: 10000, DefocusV: 12000}
	}
	p := DefaultParams()
	p.Mode = convert.DefocusGroups
	p.Iterations = 3

	_, err = New(tools).Run(context.Background(), run, Input{Particles: set}, p)
	assert.True(t, errors.Is(err, toolerr.ErrMissingOutput))
	for _, name := range DefocusGroupScripts {
		assert.FileExists(t, run.Path(RefDir, name+".pam"))
	}
	assert.Contains(t, err.Error(), filepath.Join("final", "bpr03.stk"))

	rows, err := docfile.ReadAll(run.Path("sel_group.stk"))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 11000}, {2, 1, 11000}}, rows)
}

func TestRunRejectsInvalidParams(t *testing.T) {
	tools, conv := newTools(t, convert.GoldStandard, "exit 0\n")
	run, err := protocol.NewRun(Adapter, t.TempDir(), "", tools.Log)
	require.NoError(t, err)

	p := DefaultParams()
	p.SmallAngle = true
	_, err = New(tools).Run(context.Background(), run, Input{Particles: testSet()}, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "angular assignment")
	assert.Equal(t, protocol.StateFailed, run.State())
	assert.Zero(t, conv.images)
}

func TestValidate(t *testing.T) {
	set := testSet()
	assert.NoError(t, DefaultParams().Validate(set))

	p := DefaultParams()
	p.Mode = convert.DefocusGroups
	assert.ErrorContains(t, p.Validate(set), "CTF")

	p = DefaultParams()
	p.AngSteps = "2x3x4"
	assert.Error(t, p.Validate(set))

	p = DefaultParams()
	p.Iterations = 0
	assert.ErrorContains(t, p.Validate(nil), "empty")
}

func TestWarnings(t *testing.T) {
	p := DefaultParams()
	assert.Empty(t, p.Warnings())
	p.Iterations = 3
	assert.Len(t, p.Warnings(), 1)
}

func TestPlaceholders(t *testing.T) {
	p := DefaultParams()
	p.Iterations = 6
	p.SphDeconAngle = 60
	params, err := p.Placeholders(2)
	require.NoError(t, err)

	assert.Equal(t, "'3.3,3,2,2,2,1.5'", params["[ang-steps]"])
	assert.Equal(t, "'0,0,15,8,6,5'", params["[ang-limits]"])
	assert.Equal(t, 200, params["[diam]"])
	assert.Equal(t, "'(0.50)'", params["[ang-step-sm]"])
	assert.Equal(t, "'../group{***[grp]}_stack'", params["[unaligned_images_orig]"])
	assert.Equal(t, 60, params["sphdecon"])
	assert.Equal(t, 2, params["bp-type"])

	p.Mode = convert.DefocusGroups
	params, err = p.Placeholders(2)
	require.NoError(t, err)
	assert.NotContains(t, params, "bp-type")
}

func TestWriteParamsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.stk")
	require.NoError(t, WriteParamsFile(path, testSet(), 8))

	r, err := docfile.Open(path)
	require.NoError(t, err)
	defer r.Close()
	var rows [][]float64
	for row, err := range r.Rows() {
		require.NoError(t, err)
		rows = append(rows, row)
	}
	assert.Equal(t, [][]float64{{5, 3}, {6, 300}, {7, 2.7}, {17, 64}, {18, 8}}, rows)
}

func TestParseBPMethod(t *testing.T) {
	for in, want := range map[string]BPMethod{"cg": BPCG, "BP 3F": BP3F, "rp": BPRP, " bp3n ": BP3N} {
		got, err := ParseBPMethod(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseBPMethod("32f")
	assert.Error(t, err)
	assert.Equal(t, "BP 3F", BP3F.String())
}

func TestLastIteration(t *testing.T) {
	dir := t.TempDir()
	it, err := LastIteration(dir, convert.DefocusGroups)
	require.NoError(t, err)
	assert.Zero(t, it)

	for _, name := range []string{"bpr01.stk", "bpr12.stk", "bpr03.stk", "bpr12_sub1.stk"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	it, err = LastIteration(dir, convert.DefocusGroups)
	require.NoError(t, err)
	assert.Equal(t, 12, it)
}

func TestReadFSCZeroFrequency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsc.stk")
	require.NoError(t, os.WriteFile(path, []byte("    1  3  1  0  1\n"), 0644))
	fsc, err := ReadFSC(path, "it")
	require.NoError(t, err)
	assert.True(t, math.IsInf(fsc.Resolution[0], 1))
}

func TestReadFSCShortRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsc.stk")
	require.NoError(t, os.WriteFile(path, []byte(" ; fsc\n    1  3  1 0.1 0.9\n    2  2  2 0.2\n"), 0644))
	_, err := ReadFSC(path, "it")
	var pe *toolerr.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.Line)
	assert.Equal(t, 7, toolerr.ExitCode(err))
}
