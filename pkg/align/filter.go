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
	"emspider/pkg/toolerr"
)

// FilterAdapter is the adapter name of filter runs.
const FilterAdapter = "filter"

// FilteredStack is the output stack of a filter run.
const FilteredStack = "particles_filtered.stk"

// FilterType is the shape of the Fourier filter.
type FilterType int

const (
	TopHat FilterType = iota
	// Gaussian is the space-real filter of SPIDER's FQ
	Gaussian
	Fermi
	Butterworth
	RaisedCosine
)

var filterNames = []string{"tophat", "gaussian", "fermi", "butterworth", "raisedcos"}

func (f FilterType) String() string {
	if f < 0 || int(f) >= len(filterNames) {
		return fmt.Sprintf("FilterType(%d)", int(f))
	}
	return filterNames[f]
}

// ParseFilterType accepts the names returned by String.
func ParseFilterType(s string) (FilterType, error) {
	for i, name := range filterNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return FilterType(i), nil
		}
	}
	return 0, errors.Errorf("unknown filter type %q", s)
}

// hasBand reports whether the filter takes pass and stop frequencies
// instead of a single radius.
func (f FilterType) hasBand() bool {
	return f == Butterworth || f == RaisedCosine
}

// FilterParams configure a filter run. Frequencies are digital, in (0, 0.5].
type FilterParams struct {
	Type     FilterType `yaml:"type"`
	HighPass bool       `yaml:"highPass"`

	// Pad doubles the image size before filtering (FQ instead of FQ NP)
	Pad bool `yaml:"pad"`

	// Radius is the cutoff of top-hat, Gaussian and Fermi filters
	Radius float64 `yaml:"radius"`

	// Temperature is the Fermi fall-off
	Temperature float64 `yaml:"temperature"`

	// PassFreq and StopFreq delimit the Butterworth and raised cosine
	// transition band
	PassFreq float64 `yaml:"passFreq"`
	StopFreq float64 `yaml:"stopFreq"`
}

// DefaultFilterParams returns a Gaussian low-pass at 0.12.
func DefaultFilterParams() FilterParams {
	return FilterParams{
		Type:        Gaussian,
		Radius:      0.12,
		Temperature: 0.3,
		PassFreq:    0.1,
		StopFreq:    0.2,
	}
}

// Validate checks the frequencies used by the selected filter.
func (p FilterParams) Validate() error {
	inRange := func(f float64) bool { return f > 0 && f <= 0.5 }
	switch {
	case p.Type < TopHat || p.Type > RaisedCosine:
		return errors.Errorf("unknown filter type %d", int(p.Type))
	case p.Type.hasBand():
		if !inRange(p.PassFreq) || !inRange(p.StopFreq) {
			return errors.New("pass and stop frequencies must be in (0, 0.5]")
		}
		if p.PassFreq >= p.StopFreq {
			return errors.New("pass frequency must be below the stop frequency")
		}
	case !inRange(p.Radius):
		return errors.New("filter radius must be in (0, 0.5]")
	case p.Type == Fermi && p.Temperature <= 0:
		return errors.New("fermi temperature must be positive")
	}
	return nil
}

// Operation returns the SPIDER command and its filter number. Numbers run
// low-pass then high-pass for each filter type, starting at 1.
func (p FilterParams) Operation() (string, int) {
	op := "FQ NP"
	if p.Pad {
		op = "FQ"
	}
	code := 2*int(p.Type) + 1
	if p.HighPass {
		code++
	}
	return op, code
}

// Args returns the answers following the filter number.
func (p FilterParams) Args() []any {
	switch {
	case p.Type.hasBand():
		return []any{fmt.Sprintf("%g %g", p.PassFreq, p.StopFreq)}
	case p.Type == Fermi:
		return []any{p.Radius, p.Temperature}
	default:
		return []any{p.Radius}
	}
}

// Filter applies a Fourier filter to every particle.
type Filter struct {
	tools *protocol.Tools
}

// NewFilter returns a Filter.
func NewFilter(tools *protocol.Tools) *Filter {
	return &Filter{tools: tools}
}

// Run filters set inside run and returns the particles pointing at the
// filtered stack. Transforms are kept.
func (f *Filter) Run(ctx context.Context, run *protocol.Run, set *models.ParticleSet, p FilterParams) (*models.ParticleSet, error) {
	if err := p.Validate(); err != nil {
		return nil, run.Fail(err)
	}
	if set == nil || set.Size() == 0 {
		return nil, run.Fail(errors.New("input particle set is empty"))
	}
	run.Manifest.Params = p

	err := run.Step(protocol.StateInputsConverted, func() error {
		return convert.WriteSetOfImages(ctx, f.tools.Converter, set.Particles,
			run.Path(ParticlesStack), run.Path(ParticlesSel))
	})
	if err != nil {
		return nil, err
	}

	// FQ is answered interactively; no script file is written.
	if err := run.Advance(protocol.StateScriptsWritten); err != nil {
		return nil, run.Fail(err)
	}

	err = run.Step(protocol.StateToolExecuted, func() error {
		return f.filter(ctx, run, set.Size(), p)
	})
	if err != nil {
		return nil, err
	}

	var out *models.ParticleSet
	err = run.Step(protocol.StateOutputsParsed, func() error {
		stack := run.Path(FilteredStack)
		if _, err := os.Stat(stack); err != nil {
			return toolerr.MissingOutput(stack)
		}
		copied := *set
		copied.Particles = slices.Clone(set.Particles)
		for i := range copied.Particles {
			copied.Particles[i].Location = models.Location{Index: i + 1, File: stack}
		}
		out = &copied
		run.RecordOutput("filtered", stack)
		return nil
	})
	if err != nil {
		return nil, err
	}
	op, code := p.Operation()
	run.Log().Info("particles filtered", zap.String("operation", op), zap.Int("filter", code), zap.Int("particles", set.Size()))
	return out, nil
}

func (f *Filter) filter(ctx context.Context, run *protocol.Run, n int, p FilterParams) error {
	sh, err := f.tools.StartShell(ctx, run, "stk")
	if err != nil {
		return err
	}
	op, code := p.Operation()
	for i := 1; i <= n; i++ {
		args := append([]any{
			fmt.Sprintf("input_particles@%06d", i),
			fmt.Sprintf("particles_filtered@%06d", i),
			code,
		}, p.Args()...)
		if err := sh.RunFunction(op, args...); err != nil {
			sh.Close(false)
			return err
		}
	}
	return sh.Close(true)
}
