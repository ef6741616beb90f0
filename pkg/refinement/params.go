package refinement

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"emspider/internal/models"
	"emspider/pkg/convert"
	"emspider/pkg/script"
)

// BPMethod is the back-projection command used by gold-standard refinement.
type BPMethod int

const (
	BPCG BPMethod = iota
	BP3F
	BPRP
	BP3N
)

var bpNames = []string{"BP CG", "BP 3F", "BP RP", "BP 3N"}

func (m BPMethod) String() string {
	if m < 0 || int(m) >= len(bpNames) {
		return fmt.Sprintf("BPMethod(%d)", int(m))
	}
	return bpNames[m]
}

// ParseBPMethod accepts "cg", "3f", "rp", "3n" with or without the "BP "
// prefix.
func ParseBPMethod(s string) (BPMethod, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	key = strings.TrimSpace(strings.TrimPrefix(key, "BP"))
	for i, name := range bpNames {
		if strings.TrimPrefix(name, "BP ") == key {
			return BPMethod(i), nil
		}
	}
	return 0, errors.Errorf("unknown back-projection method %q", s)
}

// Params configure a projection-matching refinement.
type Params struct {
	// Mode selects defocus-group or gold-standard refinement
	Mode convert.GroupMode `yaml:"mode"`

	// Iterations is the number of refinement iterations
	Iterations int `yaml:"iterations"`

	// AlignmentShift is the translational search range in pixels
	AlignmentShift int `yaml:"alignmentShift"`

	// Radius is the particle radius in pixels
	Radius int `yaml:"radius"`

	// WinFrac is the fraction of the window diameter used in projection
	WinFrac float64 `yaml:"winFrac"`

	// SphDeconAngle is the spherical deconvolution angle, 0 disables it.
	// Gold-standard only.
	SphDeconAngle int `yaml:"sphDeconAngle"`

	// BPType is the back-projection command. Gold-standard only.
	BPType BPMethod `yaml:"bpType"`

	// SmallAngle computes reference projections per particle around its
	// current orientation
	SmallAngle bool `yaml:"smallAngle"`

	// AngSteps and AngLimits hold one value per iteration in list notation,
	// e.g. "3.3 3 3x2 1.5"
	AngSteps  string `yaml:"angSteps"`
	AngLimits string `yaml:"angLimits"`

	// AngStepSm and ThetaRange are the small-angle increment and range
	AngStepSm  float64 `yaml:"angStepSm"`
	ThetaRange float64 `yaml:"thetaRange"`

	// Threads is written to params.stk for SPIDER's OpenMP threads
	Threads int `yaml:"threads"`

	// Workers bounds the number of gold-standard groups
	Workers int `yaml:"workers"`
}

// DefaultParams returns the standard refinement settings.
func DefaultParams() Params {
	return Params{
		Mode:           convert.GoldStandard,
		Iterations:     10,
		AlignmentShift: 7,
		Radius:         50,
		WinFrac:        0.95,
		BPType:         BP3F,
		AngSteps:       "3.3 3 3x2 1.5",
		AngLimits:      "2x0 15 8 6 5",
		AngStepSm:      0.5,
		ThetaRange:     2.0,
		Threads:        4,
		Workers:        1,
	}
}

// Validate checks the parameters against the input set.
func (p Params) Validate(set *models.ParticleSet) error {
	var problems []string
	if p.Iterations < 1 {
		problems = append(problems, "iterations must be at least 1")
	}
	if p.Radius < 1 {
		problems = append(problems, "radius must be positive")
	}
	if p.BPType < BPCG || p.BPType > BP3N {
		problems = append(problems, "unknown back-projection method")
	}
	if set == nil || set.Size() == 0 {
		problems = append(problems, "input particle set is empty")
	} else {
		if p.SmallAngle && !set.HasAlignment() {
			problems = append(problems, "small angle refinement needs particles with angular assignment")
		}
		if p.Mode == convert.DefocusGroups && !set.HasCTF() {
			problems = append(problems, "defocus groups need particles with CTF")
		}
	}
	if !p.SmallAngle {
		for _, v := range []string{p.AngSteps, p.AngLimits} {
			if _, err := script.ExpandList(v, p.Iterations); err != nil {
				problems = append(problems, err.Error())
			}
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Warnings lists suspicious but valid settings.
func (p Params) Warnings() []string {
	var warns []string
	if !p.SmallAngle {
		if steps, err := script.ExpandList(p.AngSteps, 0); err == nil && p.Iterations < len(steps) {
			warns = append(warns, "angular steps have more values than iterations")
		}
	}
	return warns
}

// Diameter returns the particle diameter in Angstroms.
func (p Params) Diameter(samplingRate float64) int {
	return int(float64(p.Radius) * 2 * samplingRate)
}

func relPath(name string) string {
	return script.Quote("../" + name)
}

// Placeholders returns the values substituted into refine_settings.pam.
func (p Params) Placeholders(samplingRate float64) (script.Params, error) {
	steps, err := script.ExpandJoin(p.AngSteps, p.Iterations)
	if err != nil {
		return nil, errors.Wrap(err, "angular steps")
	}
	limits, err := script.ExpandJoin(p.AngLimits, p.Iterations)
	if err != nil {
		return nil, errors.Wrap(err, "angular limits")
	}
	smallAng := "0"
	if p.SmallAngle {
		smallAng = "1"
	}

	params := script.Params{
		"[alignsh]": p.AlignmentShift,
		// older scripts name the shift range [shrange]
		"[shrange]":     p.AlignmentShift,
		"[iter-end]":    p.Iterations,
		"[diam]":        p.Diameter(samplingRate),
		"[win-frac]":    p.WinFrac,
		"[small-ang]":   smallAng,
		"[ang-steps]":   steps,
		"[ang-limits]":  limits,
		"[ang-step-sm]": fmt.Sprintf("'(%0.2f)'", p.AngStepSm),
		"[theta-range]": fmt.Sprintf("'(%0.2f)'", p.ThetaRange),

		"[vol_orig]":              relPath("ref_vol"),
		"[sel_group_orig]":        relPath("sel_group"),
		"[sel_particles_orig]":    relPath("group{***[grp]}_selfile"),
		"[group_align_orig]":      relPath("group{***[grp]}_align"),
		"[unaligned_images_orig]": relPath("group{***[grp]}_stack"),
		"[out_align]":             relPath("stack_alignment"),
	}
	if p.Mode == convert.GoldStandard {
		params["sphdecon"] = p.SphDeconAngle
		params["bp-type"] = int(p.BPType) + 1
	}
	return params, nil
}
