// Package align runs SPIDER's reference-free 2D alignments of a particle
// stack and the Fourier filter usually applied before them.
package align

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"emspider/internal/models"
	"emspider/pkg/convert"
	"emspider/pkg/protocol"
	"emspider/pkg/script"
	"emspider/pkg/toolerr"
)

// Files written into every alignment run directory.
const (
	ParticlesStack = "input_particles.stk"
	ParticlesSel   = "input_particles_sel.stk"
)

// Output names inside the method directory.
const (
	AlignedStack = "stkaligned.stk"
	AverageImage = "rfreeavg001.stk"
)

// Method selects the alignment script.
type Method int

const (
	// APSR aligns every particle to a reference-free average with AP SR.
	APSR Method = iota
	// Pairwise aligns particles pairwise, then the running average.
	Pairwise
)

type methodInfo struct {
	name     string
	template string
	dir      string
}

var methods = []methodInfo{
	{"apsr", "mda/apsr.msa", "apsr"},
	{"pairwise", "mda/pairwise.msa", "pairwise"},
}

func (m Method) info() methodInfo {
	if m < 0 || int(m) >= len(methods) {
		return methodInfo{name: fmt.Sprintf("Method(%d)", int(m))}
	}
	return methods[m]
}

func (m Method) String() string { return m.info().name }

// Adapter returns the adapter name of runs using m.
func (m Method) Adapter() string { return "align-" + m.info().name }

// Dir returns the run sub-directory the method writes into.
func (m Method) Dir() string { return m.info().dir }

// Template returns the script of m.
func (m Method) Template() string { return m.info().template }

// ParseMethod accepts "apsr" or "pairwise" in any case.
func ParseMethod(s string) (Method, error) {
	for i, info := range methods {
		if strings.EqualFold(strings.TrimSpace(s), info.name) {
			return Method(i), nil
		}
	}
	return 0, errors.Errorf("unknown alignment method %q", s)
}

// CGOption is how the penultimate average is centered before the final
// alignment.
type CGOption int

const (
	CGNone CGOption = iota
	// CGPH centers with SPIDER's CG PH, which sometimes fails
	CGPH
	// CGRT180 aligns the average to itself rotated by 180 degrees
	CGRT180
)

var cgNames = []string{"none", "CG PH", "RT180"}

func (o CGOption) String() string {
	if o < 0 || int(o) >= len(cgNames) {
		return fmt.Sprintf("CGOption(%d)", int(o))
	}
	return cgNames[o]
}

// ParseCGOption accepts "none", "cgph" or "rt180", spaces ignored.
func ParseCGOption(s string) (CGOption, error) {
	key := strings.ReplaceAll(strings.ToLower(s), " ", "")
	for i, name := range cgNames {
		if key == strings.ReplaceAll(strings.ToLower(name), " ", "") {
			return CGOption(i), nil
		}
	}
	return 0, errors.Errorf("unknown center of gravity option %q", s)
}

// Params configure a 2D alignment.
type Params struct {
	Method Method `yaml:"method"`

	// Only rings between InnerRadius and OuterRadius (pixels) are used in
	// the rotational search
	InnerRadius int `yaml:"innerRadius"`
	OuterRadius int `yaml:"outerRadius"`

	CGOption CGOption `yaml:"cgOption"`

	// SearchRange and StepSize bound the translational search of the
	// pairwise method, in pixels
	SearchRange int `yaml:"searchRange"`
	StepSize    int `yaml:"stepSize"`
}

// DefaultParams returns APSR with rings 5 to 44 and CG PH centering.
func DefaultParams() Params {
	return Params{
		Method:      APSR,
		InnerRadius: 5,
		OuterRadius: 44,
		CGOption:    CGPH,
		SearchRange: 8,
		StepSize:    2,
	}
}

// Validate checks the parameters against the input set. Both radii must lie
// between 1 and half the image width, inner below outer.
func (p Params) Validate(set *models.ParticleSet) error {
	var problems []string
	if p.Method < APSR || p.Method > Pairwise {
		problems = append(problems, "unknown alignment method")
	}
	if p.CGOption < CGNone || p.CGOption > CGRT180 {
		problems = append(problems, "unknown center of gravity option")
	}
	if set == nil || set.Size() == 0 {
		problems = append(problems, "input particle set is empty")
	} else {
		r := float64(set.Dimensions[0]) / 2
		if float64(p.InnerRadius) > r || p.InnerRadius < 1 {
			problems = append(problems, fmt.Sprintf("inner radius should be between 1 and %g", r))
		}
		if float64(p.OuterRadius) > r || p.OuterRadius < 1 {
			problems = append(problems, fmt.Sprintf("outer radius should be between 1 and %g", r))
		}
	}
	if p.InnerRadius >= p.OuterRadius {
		problems = append(problems, "inner radius should be less than outer radius")
	}
	if p.Method == Pairwise && (p.SearchRange < 0 || p.StepSize < 1) {
		problems = append(problems, "pairwise search needs a non-negative range and a positive step")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Placeholders returns the values substituted into the alignment script.
// File names are read on "fr l" lines and are not quoted.
func (p Params) Placeholders() script.Params {
	dir := p.Method.Dir()
	params := script.Params{
		"[inner-rad]":        p.InnerRadius,
		"[outer-rad]":        p.OuterRadius,
		"[cg-option]":        int(p.CGOption),
		"[unaligned_images]": "input_particles@******",
		"[selection_list]":   "input_particles_sel",
		"[align_dir]":        dir,
		"[aligned_images]":   dir + "/stkaligned@******",
		"[avg_name]":         dir + "/rfreeavg001",
	}
	if p.Method == Pairwise {
		params["[search-range]"] = p.SearchRange
		params["[step-size]"] = p.StepSize
	}
	return params
}

// Result is what an alignment produces.
type Result struct {
	// Average is the reference-free average of the aligned particles
	Average models.Location
	// Particles are the aligned images, with identity transforms since
	// the alignment is applied to the pixels
	Particles *models.ParticleSet
}

// Aligner runs 2D alignments with a shared set of tools.
type Aligner struct {
	tools *protocol.Tools
}

// New returns an Aligner.
func New(tools *protocol.Tools) *Aligner {
	return &Aligner{tools: tools}
}

// Run aligns the particles of set inside run.
func (a *Aligner) Run(ctx context.Context, run *protocol.Run, set *models.ParticleSet, p Params) (*Result, error) {
	if err := p.Validate(set); err != nil {
		return nil, run.Fail(err)
	}
	run.Manifest.Params = p

	err := run.Step(protocol.StateInputsConverted, func() error {
		return convert.WriteSetOfImages(ctx, a.tools.Converter, set.Particles,
			run.Path(ParticlesStack), run.Path(ParticlesSel))
	})
	if err != nil {
		return nil, err
	}

	var path string
	err = run.Step(protocol.StateScriptsWritten, func() (err error) {
		if err := os.MkdirAll(run.Path(p.Method.Dir()), 0755); err != nil {
			return errors.Wrap(err, "create alignment directory")
		}
		path, err = a.tools.WriteTemplate(run, "", p.Method.Template(), "stk", p.Placeholders())
		return err
	})
	if err != nil {
		return nil, err
	}

	err = run.Step(protocol.StateToolExecuted, func() error {
		return a.tools.RunScript(ctx, run, path, "stk", 1)
	})
	if err != nil {
		return nil, err
	}

	var res *Result
	err = run.Step(protocol.StateOutputsParsed, func() (err error) {
		res, err = createOutput(run, set, p.Method)
		return err
	})
	if err != nil {
		return nil, err
	}
	run.Log().Info("alignment finished", zap.Stringer("method", p.Method), zap.Int("particles", set.Size()))
	return res, nil
}

func createOutput(run *protocol.Run, set *models.ParticleSet, m Method) (*Result, error) {
	stack := run.Path(m.Dir(), AlignedStack)
	if _, err := os.Stat(stack); err != nil {
		return nil, toolerr.MissingOutput(stack)
	}
	avg := run.Path(m.Dir(), AverageImage)

	out := *set
	out.Alignment = models.Align2D
	out.Particles = slices.Clone(set.Particles)
	for i := range out.Particles {
		out.Particles[i].Location = models.Location{Index: i + 1, File: stack}
		out.Particles[i].Transform = convert.NewTransform(0, 0, 0, 0, 0)
	}

	run.RecordOutput("aligned", stack)
	run.RecordOutput("average", avg)
	return &Result{Average: models.Location{File: avg}, Particles: &out}, nil
}
