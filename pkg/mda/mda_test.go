package mda

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"emspider/internal/models"
	"emspider/pkg/docfile"
	"emspider/pkg/driver"
	"emspider/pkg/protocol"
	"emspider/pkg/script"
	"emspider/pkg/toolerr"
)

var templates = map[string]string{
	CAPCATemplate: "[cas-option] = 0 ; analysis type\n[num-factors] = 0\n[mask-radius] = 0\n[custom-mask] = '*'\n; END BATCH HEADER\nCA S\n",
	MaskTemplate:  "[filter-radius1] = 0.5\n[sd-factor] = 1\nfr l\n[input_image]x\nfr l\n[output_mask]y ; mask stack\n; END BATCH HEADER\nFQ\n",
	KMeansTemplate: "x20 = 4 ; classes\nfr l\n[cas_prefix]cas ; factors\n[num-factors] = 1\n" +
		"fr l\n[particles]img@***\n; END BATCH HEADER\nCL KM\n",
	DidayTemplate: "fr l\n[cas_prefix]cas\n[num-factors] = 1\n; END BATCH HEADER\nCL CLA\n",
}

const dendroDoc = `    1  3         10          1          0
    2  3         11          5          0
    3  3         12          2          0
    4  3         13          8          0
    5  3         14          3          0
    6  3         15          0          0
`

// fakeSpider answers every script of this package. Without arguments it
// acts as an interactive session answering CL HC.
const fakeSpider = `
case "$2" in
@ca-pca)
  touch cas_IMC.stk cas_SEQ.stk
  printf '    1  3  40  50  50\n    2  3  20  25  75\n' > cas_EIG.stk ;;
@custommask) touch stkmask.stk ;;
@kmeans) printf '    1  2  1  2\n    2  2  2  1\n    3  2  3  2\n' > KM/docassign.stk ;;
@cluster) cp "$DENDRO" CLA/docdendro.stk ;;
"") cat > shell_input.txt; cp "$DENDRO" docdendro.stk ;;
esac
`

type fakeConverter struct {
	images []models.Location
}

func (c *fakeConverter) ConvertImage(_ context.Context, _, dst models.Location) error {
	c.images = append(c.images, dst)
	return nil
}

func (c *fakeConverter) ConvertVolume(context.Context, string, string) error { return nil }

type memoryStore struct {
	written map[int][]float64
}

func (s *memoryStore) ReadImage(loc models.Location) (*models.Image, error) {
	img := models.NewImage(2, 1)
	img.Data[0], img.Data[1] = float64(loc.Index), 1
	return img, nil
}

func (s *memoryStore) WriteImage(img *models.Image, loc models.Location) error {
	if s.written == nil {
		s.written = map[int][]float64{}
	}
	s.written[loc.Index] = img.Data
	return nil
}

func newTools(t *testing.T, body string) (*protocol.Tools, *fakeConverter) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake SPIDER executables need /bin/sh")
	}
	dir := t.TempDir()
	lib := filepath.Join(dir, "scripts")
	for name, text := range templates {
		path := filepath.Join(lib, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(text), 0644))
	}
	dendro := filepath.Join(dir, "dendro.stk")
	require.NoError(t, os.WriteFile(dendro, []byte(dendroDoc), 0644))
	prog := filepath.Join(dir, "spider")
	require.NoError(t, os.WriteFile(prog, []byte("#!/bin/sh\n"+body), 0755))

	conv := &fakeConverter{}
	log := zaptest.NewLogger(t)
	return &protocol.Tools{
		Library:   &script.Library{Dir: lib},
		Runner:    driver.NewRunner(driver.Program{Path: prog, Env: []string{"DENDRO=" + dendro}}, log, nil),
		Converter: conv,
		Log:       log,
	}, conv
}

func newRun(t *testing.T, adapter string) *protocol.Run {
	t.Helper()
	run, err := protocol.NewRun(adapter, t.TempDir(), "", nil)
	require.NoError(t, err)
	return run
}

func particles(n int) *models.ParticleSet {
	set := &models.ParticleSet{SamplingRate: 2.5, Dimensions: [3]int{64, 64, 1}}
	for i := range n {
		set.Particles = append(set.Particles, models.Particle{ID: i + 1, Location: models.Location{Index: i + 1, File: "in.mrcs"}})
	}
	return set
}

func readScript(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// factorFile writes a factor file outside the run directory.
func factorFile(t *testing.T, name string) models.PCAFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("    1  2  0.5  -0.5\n"), 0644))
	return models.PCAFile{IMC: path, Factors: 10}
}

func TestCAPCA(t *testing.T) {
	tools, conv := newTools(t, fakeSpider)
	run := newRun(t, CAPCAAdapter)

	p := DefaultCAPCAParams()
	p.Analysis = PCA
	p.Factors = 8
	out, err := NewCAPCA(tools).Run(context.Background(), run, particles(3), p)
	require.NoError(t, err)

	assert.Len(t, conv.images, 3)
	assert.Equal(t, "[cas-option] = 2 ; analysis type\n[num-factors] = 8\n[mask-radius] = 32\n[custom-mask] = '*'\n"+
		"; END BATCH HEADER\nCA S\n", readScript(t, run.Path("ca-pca.stk")))
	assert.Equal(t, run.Path(IMCFile), out.IMC)
	assert.Equal(t, run.Path(SEQFile), out.SEQ)
	assert.Equal(t, 8, out.Factors)

	eig, err := ReadEigenvalues(out.Eigenvalues)
	require.NoError(t, err)
	assert.Equal(t, []Eigenvalue{{40, 50, 50}, {20, 25, 75}}, eig)
	assert.Equal(t, protocol.StateOutputsParsed, run.State())
}

func TestCAPCAMaskFromFile(t *testing.T) {
	tools, conv := newTools(t, fakeSpider)
	run := newRun(t, CAPCAAdapter)

	p := DefaultCAPCAParams()
	p.MaskType = MaskFile
	_, err := NewCAPCA(tools).Run(context.Background(), run, particles(2), p)
	assert.ErrorContains(t, err, "mask image")

	run = newRun(t, CAPCAAdapter)
	p.MaskImage = models.Location{Index: 1, File: "mask.mrc"}
	_, err = NewCAPCA(tools).Run(context.Background(), run, particles(2), p)
	require.NoError(t, err)
	assert.Contains(t, conv.images, models.Location{Index: 1, File: run.Path("mask.stk")})
	assert.Contains(t, readScript(t, run.Path("ca-pca.stk")), "[custom-mask] = 'mask'\n")
}

func TestCAPCAMissingOutput(t *testing.T) {
	tools, _ := newTools(t, "exit 0\n")
	run := newRun(t, CAPCAAdapter)
	_, err := NewCAPCA(tools).Run(context.Background(), run, particles(2), DefaultCAPCAParams())
	assert.True(t, errors.Is(err, toolerr.ErrMissingOutput))
	assert.Equal(t, protocol.StateFailed, run.State())
}

func TestReadEigenvaluesShortRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cas_EIG.stk")
	require.NoError(t, os.WriteFile(path, []byte("    1  3  40 50 50\n    2  2  20 25\n"), 0644))
	_, err := ReadEigenvalues(path)
	var pe *toolerr.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Line)
	assert.Equal(t, toolerr.CodeParse, toolerr.Classify(err))
	assert.Equal(t, 7, toolerr.ExitCode(err))
}

func TestReadAssignmentsShortRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docassign.stk")
	require.NoError(t, os.WriteFile(path, []byte(" ; kmeans\n    1  2  1 2\n    2  1  2\n"), 0644))
	_, err := ReadAssignments(path, particles(2), func(int) string { return "" })
	var pe *toolerr.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.Line)
}

func TestCustomMask(t *testing.T) {
	tools, conv := newTools(t, fakeSpider)
	run := newRun(t, MaskAdapter)

	out, err := NewCustomMask(tools).Run(context.Background(), run, models.Location{Index: 3, File: "avg.stk"}, DefaultMaskParams())
	require.NoError(t, err)
	require.Len(t, out, MaskStackSize)
	assert.Equal(t, models.Location{Index: 7, File: run.Path("stkmask.stk")}, out[6])
	assert.Equal(t, []models.Location{{Index: 1, File: run.Path("input_image.stk")}}, conv.images)

	text := readScript(t, run.Path("custommask.stk"))
	assert.Contains(t, text, "[filter-radius1] = 0.6\n[sd-factor] = 0.1\n")
	assert.Contains(t, text, "fr l\n[input_image]input_image\n")
	assert.Contains(t, text, "fr l\n[output_mask]stkmask ; mask stack\n")

	bad := DefaultMaskParams()
	bad.FilterRadius2 = 0
	_, err = NewCustomMask(tools).Run(context.Background(), newRun(t, MaskAdapter), models.Location{}, bad)
	assert.Error(t, err)
}

func TestWard(t *testing.T) {
	tools, _ := newTools(t, fakeSpider)
	run := newRun(t, WardAdapter)
	store := &memoryStore{}

	in := ClassifyInput{Particles: particles(16), PCA: factorFile(t, "cas_IMC.stk"), Factors: 3}
	res, err := NewCluster(tools, store).Ward(context.Background(), run, in)
	require.NoError(t, err)

	assert.Equal(t, "stk\nCL HC\ncas_IMC\n1-3\n0\n5\nY\ndendrogram\nY\ndocdendro\nend\n",
		readScript(t, run.Path("shell_input.txt")))
	assert.FileExists(t, run.Path("cas_IMC.stk"))

	assert.Equal(t, 5, res.Root.Length)
	assert.Equal(t, 8.0, res.Root.Height)
	assert.Equal(t, []int{14, 12, 11, 13, 15}, res.Root.LeafIDs)
	assert.Equal(t, map[int][]float64{1: {13, 1}, 2: {12, 1}}, store.written)
	assert.Equal(t, run.Path(AveragesStack), res.Averages)

	require.Contains(t, res.ClassDocs, 2)
	members, err := docfile.ReadAll(res.ClassDocs[2])
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{12}, {11}, {13}}, members)
	assert.Equal(t, protocol.StateOutputsParsed, run.State())
}

func TestWardWithoutImages(t *testing.T) {
	tools, _ := newTools(t, fakeSpider)
	run := newRun(t, WardAdapter)
	in := ClassifyInput{Particles: particles(16), PCA: factorFile(t, "cas_IMC.stk"), Factors: 3}
	res, err := NewCluster(tools, nil).Ward(context.Background(), run, in)
	require.NoError(t, err)
	assert.Empty(t, res.Averages)
	assert.Nil(t, res.Root.Composite)
	assert.Len(t, res.ClassDocs, 2)
}

func TestDiday(t *testing.T) {
	tools, _ := newTools(t, fakeSpider)
	run := newRun(t, DidayAdapter)
	in := ClassifyInput{Particles: particles(16), PCA: factorFile(t, "cas_IMC.stk"), Factors: 4}
	res, err := NewCluster(tools, nil).Diday(context.Background(), run, in)
	require.NoError(t, err)
	assert.Equal(t, run.Path("CLA", "docdendro.stk"), res.Doc)
	assert.Contains(t, readScript(t, run.Path("cluster.stk")), "fr l\n[cas_prefix]cas_IMC\n[num-factors] = 4\n")
}

func TestDidayRejectsSEQ(t *testing.T) {
	tools, conv := newTools(t, fakeSpider)
	run := newRun(t, DidayAdapter)
	in := ClassifyInput{Particles: particles(4), PCA: factorFile(t, "cas_SEQ.stk"), Factors: 4}
	_, err := NewCluster(tools, nil).Diday(context.Background(), run, in)
	assert.ErrorContains(t, err, "SEQ")
	assert.Empty(t, conv.images)
}

func TestKMeans(t *testing.T) {
	tools, _ := newTools(t, fakeSpider)
	run := newRun(t, KMeansAdapter)
	in := ClassifyInput{Particles: particles(3), PCA: factorFile(t, "cas_IMC.stk"), Factors: 5}
	res, err := NewKMeans(tools).Run(context.Background(), run, in, 2)
	require.NoError(t, err)

	text := readScript(t, run.Path("kmeans.stk"))
	assert.Contains(t, text, "x20 = 2 ; classes\n")
	assert.Contains(t, text, "[cas_prefix]cas_IMC ; factors\n[num-factors] = 5\n")
	assert.Contains(t, text, "[particles]particles@******\n")

	assert.Equal(t, []models.Class{
		{ID: 1, Representative: run.Path("KM", "classavg001.stk"), Members: []int{2}},
		{ID: 2, Representative: run.Path("KM", "classavg002.stk"), Members: []int{1, 3}},
	}, res.Classes.Items)
	assert.Equal(t, 2.5, res.Classes.SamplingRate)
	var classes []int
	for _, p := range res.Particles.Particles {
		classes = append(classes, p.Class)
	}
	assert.Equal(t, []int{2, 1, 2}, classes)
	assert.Equal(t, res.Classes.Items[1].Size(), 2)
}

func TestKMeansAssignmentCountMismatch(t *testing.T) {
	tools, _ := newTools(t, fakeSpider)
	run := newRun(t, KMeansAdapter)
	in := ClassifyInput{Particles: particles(5), PCA: factorFile(t, "cas_IMC.stk"), Factors: 5}
	_, err := NewKMeans(tools).Run(context.Background(), run, in, 2)
	assert.ErrorContains(t, err, "3 assignments for 5 particles")
}

func TestKMeansMissingOutput(t *testing.T) {
	tools, _ := newTools(t, "exit 0\n")
	run := newRun(t, KMeansAdapter)
	in := ClassifyInput{Particles: particles(3), PCA: factorFile(t, "cas_IMC.stk"), Factors: 5}
	_, err := NewKMeans(tools).Run(context.Background(), run, in, 2)
	assert.Equal(t, toolerr.CodeMissingOutput, toolerr.Classify(err))
}

func TestClassifyInputValidation(t *testing.T) {
	pca := models.PCAFile{IMC: "cas_IMC.stk", Factors: 10}
	tests := []struct {
		in   ClassifyInput
		want string
	}{
		{ClassifyInput{PCA: pca, Factors: 3}, "empty"},
		{ClassifyInput{Particles: particles(1), Factors: 3}, "factor file"},
		{ClassifyInput{Particles: particles(1), PCA: pca}, "at least 1"},
		{ClassifyInput{Particles: particles(1), PCA: pca, Factors: 11}, "computed 10"},
	}
	for i, tt := range tests {
		assert.ErrorContains(t, tt.in.validate(), tt.want, fmt.Sprint(i))
	}
	assert.NoError(t, ClassifyInput{Particles: particles(1), PCA: pca, Factors: 10}.validate())
}

func TestReadDendrogramShortRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.stk")
	require.NoError(t, os.WriteFile(path, []byte("    1  1  4\n"), 0644))
	_, _, err := ReadDendrogram(path)
	assert.True(t, errors.Is(err, toolerr.ErrParse))
}
