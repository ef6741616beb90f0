// Package refinement runs SPIDER projection-matching refinement, either with
// defocus groups or in the gold-standard split-half scheme.
package refinement

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"emspider/internal/models"
	"emspider/pkg/convert"
	"emspider/pkg/docfile"
	"emspider/pkg/protocol"
	"emspider/pkg/toolerr"
)

// Adapter is the adapter name used for run directories and manifests.
const Adapter = "refine"

// RefDir is the sub-directory holding the refinement scripts.
const RefDir = "Refinement"

// Script sets for both refinement modes, run by refine.pam in this order.
var (
	DefocusGroupScripts = []string{
		"refine", "prepare", "grploop", "mergegroups",
		"enhance", "endmerge", "smangloop", "endrefine",
	}
	GoldStandardScripts = []string{
		"refine", "refine-setrefangles", "refine-prjrefs", "refine-loop",
		"refine-smangloop", "refine-bp", "merge-fsc-filt", "sphdecon",
		"enhance", "show-r2",
	}
)

// Input is what a refinement consumes.
type Input struct {
	Particles *models.ParticleSet
	Reference models.Volume
}

// Result is what a refinement produces.
type Result struct {
	Iteration int
	Volume    models.Volume
	Particles *models.ParticleSet
	FSC       models.FSC
}

// Refiner runs refinements with a shared set of tools.
type Refiner struct {
	tools *protocol.Tools
}

// New returns a Refiner.
func New(tools *protocol.Tools) *Refiner {
	return &Refiner{tools: tools}
}

// Run executes a complete refinement inside run. Validation failures are
// returned before anything is written.
func (r *Refiner) Run(ctx context.Context, run *protocol.Run, in Input, p Params) (*Result, error) {
	if err := p.Validate(in.Particles); err != nil {
		return nil, run.Fail(err)
	}
	for _, w := range p.Warnings() {
		run.Log().Warn(w)
	}
	run.Manifest.Params = p

	var groups []*convert.Group
	err := run.Step(protocol.StateInputsConverted, func() (err error) {
		groups, err = r.convertInput(ctx, run, in, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	run.Log().Info("groups written", zap.Int("groups", len(groups)), zap.Stringer("mode", p.Mode))

	var main string
	err = run.Step(protocol.StateScriptsWritten, func() (err error) {
		main, err = r.writeScripts(run, in.Particles.SamplingRate, p)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = run.Step(protocol.StateToolExecuted, func() error {
		return r.tools.RunScript(ctx, run, main, "pam/stk", 1)
	})
	if err != nil {
		return nil, err
	}

	var res *Result
	err = run.Step(protocol.StateOutputsParsed, func() (err error) {
		res, err = r.createOutput(run, in, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Refiner) convertInput(ctx context.Context, run *protocol.Run, in Input, p Params) ([]*convert.Group, error) {
	if err := WriteParamsFile(run.Path("params.stk"), in.Particles, p.Threads); err != nil {
		return nil, err
	}
	groups, err := convert.WriteGroups(ctx, r.tools.Converter, in.Particles, p.Mode, p.Workers, run.Dir)
	if err != nil {
		return nil, err
	}
	if err := r.tools.Converter.ConvertVolume(ctx, in.Reference.File, run.Path("ref_vol.stk")); err != nil {
		return nil, errors.Wrap(err, "convert reference volume")
	}
	return groups, nil
}

// WriteParamsFile writes the keyed parameter document read by the
// refinement scripts.
func WriteParamsFile(path string, set *models.ParticleSet, threads int) error {
	doc, err := docfile.Create(path)
	if err != nil {
		return err
	}
	records := []struct {
		key   int
		value float64
		note  string
	}{
		{5, set.SamplingRate, "pixel size (A)"},
		{6, set.Acquisition.Voltage, "electron energy (kV)"},
		{7, set.Acquisition.SphericalAberration, "spherical aberration (mm)"},
		{17, float64(set.Dimensions[0]), "window size (pixels)"},
		{18, float64(threads), "number of threads to use"},
	}
	if err := doc.WriteComment(path, "spi"); err != nil {
		doc.Close()
		return err
	}
	for _, rec := range records {
		if err := doc.WriteText(rec.note); err != nil {
			doc.Close()
			return err
		}
		if err := doc.WriteKeyed(rec.key, rec.value); err != nil {
			doc.Close()
			return err
		}
	}
	return doc.Close()
}

func (r *Refiner) writeScripts(run *protocol.Run, samplingRate float64, p Params) (string, error) {
	refPath := run.Path(RefDir)
	placeholders, err := p.Placeholders(samplingRate)
	if err != nil {
		return "", err
	}

	dirName := "no-defocus-groups"
	names := GoldStandardScripts
	if p.Mode == convert.DefocusGroups {
		dirName = "defocus-groups"
		names = DefocusGroupScripts
	}
	template := func(name string) string {
		return filepath.Join("projmatch", RefDir, dirName, name+".pam")
	}

	if _, err := r.tools.WriteTemplate(run, refPath, template("refine_settings"), "pam", placeholders); err != nil {
		return "", err
	}
	var main string
	for _, name := range names {
		path, err := r.tools.WriteTemplate(run, refPath, template(name), "pam", nil)
		if err != nil {
			return "", err
		}
		if name == "refine" {
			main = path
		}
	}
	return main, nil
}

var iterRe = regexp.MustCompile(`(\d{2})\.stk$`)

// LastIteration returns the highest iteration number among the final
// volumes, or 0 when there is none.
func LastIteration(finalDir string, mode convert.GroupMode) (int, error) {
	pattern := "vol_??.stk"
	if mode == convert.DefocusGroups {
		pattern = "bpr??.stk"
	}
	files, err := filepath.Glob(filepath.Join(finalDir, pattern))
	if err != nil {
		return 0, err
	}
	sort.Strings(files)
	if len(files) == 0 {
		return 0, nil
	}
	m := iterRe.FindStringSubmatch(files[len(files)-1])
	if m == nil {
		return 0, nil
	}
	return strconv.Atoi(m[1])
}

// OutputFiles returns the final volume, its two half maps and the FSC
// document of iteration it.
func OutputFiles(finalDir string, mode convert.GroupMode, it int) (vol string, halves []string, fsc string) {
	f := func(format string) string {
		return filepath.Join(finalDir, fmt.Sprintf(format, it))
	}
	if mode == convert.GoldStandard {
		return f("vol_%02d.stk"), []string{f("vol_%02d_s1.stk"), f("vol_%02d_s2.stk")}, f("fscdoc_m_%02d.stk")
	}
	return f("bpr%02d.stk"), []string{f("bpr%02d_sub1.stk"), f("bpr%02d_sub2.stk")}, f("ofscdoc_%02d.stk")
}

// ReadFSC reads an FSC document: resolution is the inverse of the second
// column and the correlation is the third.
func ReadFSC(path, label string) (models.FSC, error) {
	fsc := models.FSC{Label: label}
	r, err := docfile.Open(path)
	if err != nil {
		return fsc, err
	}
	defer r.Close()
	for rec, err := range r.Records() {
		if err != nil {
			return fsc, err
		}
		values := rec.Values
		if len(values) < 3 {
			return fsc, docfile.ShortRecord(path, rec, 3)
		}
		res := math.Inf(1)
		if values[1] != 0 {
			res = 1 / values[1]
		}
		fsc.Resolution = append(fsc.Resolution, res)
		fsc.Values = append(fsc.Values, values[2])
	}
	return fsc, nil
}

// ReadAlignedParticles copies set with the transforms of the refined
// alignment document, pairing particles in ascending id order with records.
func ReadAlignedParticles(path string, set *models.ParticleSet) (*models.ParticleSet, error) {
	r, err := docfile.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := *set
	out.Alignment = models.AlignProjection
	out.Particles = slices.Clone(set.Particles)
	slices.SortStableFunc(out.Particles, func(a, b models.Particle) int { return a.ID - b.ID })

	i := 0
	for rec, err := range r.Alignments() {
		if err != nil {
			return nil, err
		}
		if i >= len(out.Particles) {
			break
		}
		out.Particles[i].Transform = convert.TransformFromAlignment(rec)
		i++
	}
	if i < len(out.Particles) {
		return nil, errors.Errorf("%s: %d alignment records for %d particles", path, i, len(out.Particles))
	}
	return &out, nil
}

func (r *Refiner) createOutput(run *protocol.Run, in Input, p Params) (*Result, error) {
	finalDir := run.Path(RefDir, "final")
	it, err := LastIteration(finalDir, p.Mode)
	if err != nil {
		return nil, err
	}
	if it == 0 {
		vol, _, _ := OutputFiles(finalDir, p.Mode, p.Iterations)
		return nil, toolerr.MissingOutput(vol)
	}

	volPath, halves, fscPath := OutputFiles(finalDir, p.Mode, it)
	res := &Result{
		Iteration: it,
		Volume: models.Volume{
			File:         volPath,
			SamplingRate: in.Particles.SamplingRate,
			HalfMaps:     halves,
		},
	}

	alignPath := run.Path("stack_alignment.stk")
	if res.Particles, err = ReadAlignedParticles(alignPath, in.Particles); err != nil {
		return nil, err
	}
	if res.FSC, err = ReadFSC(fscPath, fmt.Sprintf("%s iteration %d", run.Adapter, it)); err != nil {
		return nil, err
	}

	run.RecordOutput("volume", volPath)
	run.RecordOutput("half1", halves[0])
	run.RecordOutput("half2", halves[1])
	run.RecordOutput("fsc", fscPath)
	run.RecordOutput("alignment", alignPath)
	run.Log().Info("refinement finished", zap.Int("iteration", it), zap.String("volume", volPath))
	return res, nil
}
